package registry

import (
	"sync"

	"github.com/vango-dev/scopesync/pkg/protocol"
)

// Loopback is the endpoint of the local host peer. Frames sent to it never
// touch the network; they queue until the host drains them on its own loop.
type Loopback struct {
	mu      sync.Mutex
	queue   []*protocol.Frame
	closed  bool
	ready   chan struct{}
	maxSize int
}

// NewLoopback creates a loopback enforcing the given payload limit.
func NewLoopback(maxSize int) *Loopback {
	return &Loopback{
		ready:   make(chan struct{}, 1),
		maxSize: protocol.ClampMaxMessageSize(maxSize),
	}
}

// Send queues a copy of the frame.
func (l *Loopback) Send(f *protocol.Frame) error {
	if len(f.Payload) > l.maxSize {
		return protocol.ErrFrameTooLarge
	}
	cp := protocol.NewFrame(f.Protocol, f.Message, append([]byte(nil), f.Payload...))
	return l.push(cp)
}

// SendEncoded decodes the bytes and queues every frame they hold.
func (l *Loopback) SendEncoded(data []byte) error {
	var frames []*protocol.Frame
	for len(data) > 0 {
		f, n, err := protocol.DecodeFrame(data, l.maxSize)
		if err != nil {
			return err
		}
		frames = append(frames, f)
		data = data[n:]
	}
	return l.push(frames...)
}

func (l *Loopback) push(frames ...*protocol.Frame) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopbackClosed
	}
	l.queue = append(l.queue, frames...)
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
	return nil
}

// Drain hands every queued frame to fn in send order and returns the count.
// fn runs without the loopback lock held, so it may send again.
func (l *Loopback) Drain(fn func(*protocol.Frame)) int {
	l.mu.Lock()
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, f := range pending {
		fn(f)
	}
	return len(pending)
}

// Ready signals when frames may be waiting. Signals coalesce, so Drain
// everything after each receive.
func (l *Loopback) Ready() <-chan struct{} {
	return l.ready
}

// Pending returns the number of queued frames.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close discards queued frames and rejects further sends.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.queue = nil
	return nil
}
