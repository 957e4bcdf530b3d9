package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/scopesync/pkg/protocol"
)

// Stream is a reliable, ordered byte stream between two peers.
// TCP connections, WebSocket adapters and QUIC streams all satisfy it.
type Stream interface {
	io.ReadWriteCloser
}

// FrameHandler receives every decoded inbound frame on the read goroutine.
type FrameHandler func(f *protocol.Frame)

// CloseHandler is called exactly once, on the read goroutine, after the
// endpoint terminates. It is never called if Start was not.
type CloseHandler func(err *ConnectionError)

// Observer receives byte-level transport events. Implementations must be
// safe for concurrent use.
type Observer interface {
	BytesReceived(n int)
	BatchFlushed(bytes, frames int)
}

// Stats is a snapshot of endpoint counters.
type Stats struct {
	BytesSent      uint64 `json:"bytes_sent"`
	BytesReceived  uint64 `json:"bytes_received"`
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	Flushes        uint64 `json:"flushes"`
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the endpoint logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(e *Endpoint) {
		e.observer = o
	}
}

type chunk struct {
	data []byte
	err  error
}

type outgoing struct {
	data   []byte
	frames int
}

// Endpoint frames a Stream. Inbound bytes are reassembled into frames and
// handed to a FrameHandler. Outbound frames are queued and coalesced into
// batched writes ("train boarding").
//
// Three goroutines serve an endpoint: a pump that performs blocking reads,
// a read loop that decodes and dispatches, and a write loop that owns the
// coalescer. Send never blocks.
type Endpoint struct {
	stream   Stream
	config   *Config
	logger   *slog.Logger
	observer Observer

	onFrame FrameHandler
	onClose CloseHandler

	inbound  chan chunk
	outbound chan outgoing
	done     chan struct{}
	// streamClosed is closed once the stream's Close has returned.
	streamClosed chan struct{}

	started   atomic.Bool
	closeOnce sync.Once
	cause     *ConnectionError
	wg        sync.WaitGroup

	// writeMu serializes stream writes between the write loop and
	// CloseWithNotice.
	writeMu sync.Mutex

	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	flushes        atomic.Uint64
	lastRead       atomic.Int64
}

// NewEndpoint wraps a stream. Nothing is read or written until Start.
func NewEndpoint(stream Stream, config *Config, opts ...Option) *Endpoint {
	cfg := config.withDefaults()
	e := &Endpoint{
		stream:   stream,
		config:   cfg,
		logger:   slog.Default(),
		inbound:  make(chan chunk, 16),
		outbound: make(chan outgoing, cfg.SendQueueSize),
		done:     make(chan struct{}),

		streamClosed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "endpoint", "remote", e.RemoteAddr())
	return e
}

// Start launches the endpoint goroutines. onFrame is required; onClose may
// be nil. Start may only be called once.
func (e *Endpoint) Start(onFrame FrameHandler, onClose CloseHandler) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.onFrame = onFrame
	e.onClose = onClose
	e.lastRead.Store(time.Now().UnixNano())

	e.wg.Add(3)
	go e.pump()
	go e.readLoop()
	go e.writeLoop()
}

// Send encodes a frame and queues it for the next batch.
func (e *Endpoint) Send(f *protocol.Frame) error {
	if e.IsClosed() {
		return ErrClosed
	}
	data, err := protocol.EncodeFrame(f, e.config.MaxMessageSize)
	if err != nil {
		return err
	}
	return e.enqueue(data, 1)
}

// SendEncoded queues bytes that already hold one or more complete frames.
// The slice must not be modified after the call.
func (e *Endpoint) SendEncoded(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return e.enqueue(data, countFrames(data))
}

// countFrames walks the headers of an encoded batch. A trailing partial
// frame still counts as one.
func countFrames(data []byte) int {
	n := 0
	for len(data) > 0 {
		n++
		_, _, length, err := protocol.DecodeFrameHeader(data)
		if err != nil || len(data) < protocol.FrameHeaderSize+length {
			break
		}
		data = data[protocol.FrameHeaderSize+length:]
	}
	return n
}

func (e *Endpoint) enqueue(data []byte, frames int) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	select {
	case e.outbound <- outgoing{data: data, frames: frames}:
		e.framesSent.Add(uint64(frames))
		return nil
	case <-e.done:
		return ErrClosed
	default:
		// A dropped frame would leave the peer's replica inconsistent.
		e.terminate(CauseSlowConsumer, ErrSendQueueFull)
		return ErrSendQueueFull
	}
}

// Close terminates the endpoint. Frames still waiting for their batch are
// discarded.
func (e *Endpoint) Close() error {
	e.terminate(CauseLocalClose, nil)
	return nil
}

// CloseWithCause terminates the endpoint with an explicit cause.
func (e *Endpoint) CloseWithCause(cause Cause, err error) {
	e.terminate(cause, err)
}

// CloseWithNotice writes a final frame directly to the stream, bypassing
// the batch queue, then terminates with the given cause. Used to deliver
// handshake rejections and disconnect notices.
func (e *Endpoint) CloseWithNotice(notice *protocol.Frame, cause Cause, err error) {
	if notice != nil && !e.IsClosed() {
		if data, encErr := protocol.EncodeFrame(notice, e.config.MaxMessageSize); encErr == nil {
			e.writeMu.Lock()
			e.setWriteDeadline()
			if n, werr := e.stream.Write(data); werr == nil {
				e.bytesSent.Add(uint64(n))
				e.framesSent.Add(1)
			}
			e.writeMu.Unlock()
		}
	}
	e.terminate(cause, err)
}

// Done returns a channel closed when the endpoint terminates.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// IsClosed reports whether the endpoint has terminated.
func (e *Endpoint) IsClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Err returns the termination reason, or nil while the endpoint is open.
func (e *Endpoint) Err() *ConnectionError {
	select {
	case <-e.done:
		return e.cause
	default:
		return nil
	}
}

// Wait blocks until every endpoint goroutine has exited and, once the
// endpoint has terminated, the stream is closed.
func (e *Endpoint) Wait() {
	e.wg.Wait()
	if e.IsClosed() {
		<-e.streamClosed
	}
}

// RemoteAddr returns the peer address when the stream exposes one.
func (e *Endpoint) RemoteAddr() string {
	if ra, ok := e.stream.(interface{ RemoteAddr() net.Addr }); ok {
		if addr := ra.RemoteAddr(); addr != nil {
			return addr.String()
		}
	}
	return ""
}

// Stats returns a snapshot of the endpoint counters.
func (e *Endpoint) Stats() Stats {
	return Stats{
		BytesSent:      e.bytesSent.Load(),
		BytesReceived:  e.bytesReceived.Load(),
		FramesSent:     e.framesSent.Load(),
		FramesReceived: e.framesReceived.Load(),
		Flushes:        e.flushes.Load(),
	}
}

// MaxMessageSize returns the effective payload limit.
func (e *Endpoint) MaxMessageSize() int {
	return e.config.MaxMessageSize
}

func (e *Endpoint) terminate(cause Cause, err error) {
	e.closeOnce.Do(func() {
		e.cause = &ConnectionError{Cause: cause, Err: err}
		close(e.done)
		// Stream closes may block (a websocket close frame, a QUIC linger),
		// and terminate runs on Send callers that hold their own locks.
		go e.closeStream()
		if cause.Fatal() {
			e.logger.Debug("endpoint terminated", "cause", cause.String(), "error", err)
		}
	})
}

func (e *Endpoint) closeStream() {
	defer close(e.streamClosed)
	if err := e.stream.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		e.logger.Debug("stream close error", "error", err)
	}
}

// pump performs blocking reads and hands chunks to the read loop.
func (e *Endpoint) pump() {
	defer e.wg.Done()
	for {
		buf := make([]byte, e.config.ReadBufferSize)
		n, err := e.stream.Read(buf)
		if n > 0 {
			select {
			case e.inbound <- chunk{data: buf[:n]}:
			case <-e.done:
				return
			}
		}
		if err != nil {
			select {
			case e.inbound <- chunk{err: err}:
			case <-e.done:
			}
			return
		}
	}
}

// readLoop drains complete frames, then waits up to IdleSleepTime for more
// bytes before re-checking the read timeout.
func (e *Endpoint) readLoop() {
	defer e.wg.Done()
	defer func() {
		if e.onClose != nil {
			e.onClose(e.cause)
		}
	}()

	asm := protocol.NewAssembler(e.config.MaxMessageSize)
	idle := time.NewTimer(e.config.IdleSleepTime)
	defer idle.Stop()

	for {
		if !e.deliver(asm) {
			return
		}

		idle.Reset(e.config.IdleSleepTime)
		select {
		case c := <-e.inbound:
			if c.err != nil {
				e.terminate(classifyReadError(c.err), c.err)
				return
			}
			asm.Feed(c.data)
			e.bytesReceived.Add(uint64(len(c.data)))
			e.lastRead.Store(time.Now().UnixNano())
			if e.observer != nil {
				e.observer.BytesReceived(len(c.data))
			}

		case <-idle.C:
			if e.config.ReadTimeout > 0 {
				last := time.Unix(0, e.lastRead.Load())
				if time.Since(last) > e.config.ReadTimeout {
					e.terminate(CauseTimeout, ErrReadTimeout)
					return
				}
			}

		case <-e.done:
			return
		}
	}
}

// deliver dispatches every complete buffered frame. Returns false when the
// endpoint terminated.
func (e *Endpoint) deliver(asm *protocol.Assembler) bool {
	for {
		if e.IsClosed() {
			return false
		}
		f, err := asm.Next()
		if errors.Is(err, protocol.ErrIncomplete) {
			return true
		}
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			e.terminate(CauseFrameTooLarge, err)
			return false
		}
		if err != nil {
			e.terminate(CauseDecodeFailure, err)
			return false
		}
		e.framesReceived.Add(1)
		e.onFrame(f)
	}
}

// writeLoop owns the coalescer. The boarding timer starts with the first
// queued frame of a batch; the batch leaves when the timer fires or the
// flush threshold is reached.
func (e *Endpoint) writeLoop() {
	defer e.wg.Done()

	coal := NewCoalescer(e.config.TrainBoardingTime, e.config.FlushThreshold)
	defer coal.Stop()
	frames := 0

	for {
		select {
		case out := <-e.outbound:
			frames += out.frames
			if coal.Add(out.data) {
				if !e.flush(coal, frames) {
					return
				}
				frames = 0
			}

		case <-coal.Timer():
			if !e.flush(coal, frames) {
				return
			}
			frames = 0

		case <-e.done:
			return
		}
	}
}

func (e *Endpoint) flush(coal *Coalescer, frames int) bool {
	data := coal.Flush()
	if data == nil {
		return true
	}

	e.writeMu.Lock()
	if e.IsClosed() {
		e.writeMu.Unlock()
		return false
	}
	e.setWriteDeadline()
	n, err := e.stream.Write(data)
	e.writeMu.Unlock()

	e.bytesSent.Add(uint64(n))
	if err != nil {
		e.terminate(CauseSocketError, err)
		return false
	}
	e.flushes.Add(1)
	if e.observer != nil {
		e.observer.BatchFlushed(n, frames)
	}
	return true
}

func (e *Endpoint) setWriteDeadline() {
	if d, ok := e.stream.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(time.Now().Add(e.config.WriteTimeout))
	}
}

func classifyReadError(err error) Cause {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return CausePeerClosed
	default:
		return CauseSocketError
	}
}
