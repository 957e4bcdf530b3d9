// Package command replays remote state-change commands in order.
//
// A Queue buffers commands for one synchronized object in arrival order and
// drains them on the consumer's simulation tick. Normally one command is
// applied per tick. When the acceleration policy reports the consumer has
// fallen behind, several commands are applied in the same tick: all but the
// last are marked Instant so the consumer can skip their visible effect
// (interpolation, animation) while still applying their final state. The
// most recent command is never applied instantly and order never changes.
package command

import "sync"

// Entry is one queued command.
type Entry struct {
	// Seq is the 1-based position of the command in its queue.
	Seq     uint64
	Payload []byte
	// Instant marks a command applied during catch-up whose visible effect
	// should be skipped.
	Instant bool
}

// ApplyFunc applies one command.
type ApplyFunc func(e Entry)

// Policy decides, given the number of pending commands, whether the
// consumer must accelerate this tick.
type Policy func(backlog int) bool

// BacklogAbove accelerates while more than n commands are pending.
func BacklogAbove(n int) Policy {
	return func(backlog int) bool {
		return backlog > n
	}
}

// Never disables acceleration.
func Never() Policy {
	return func(int) bool { return false }
}

// Option configures a Queue or Set.
type Option func(*options)

type options struct {
	maxPerTick int
}

// WithMaxPerTick caps how many commands one tick may apply. Zero means no
// cap.
func WithMaxPerTick(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxPerTick = n
		}
	}
}

// Queue is an ordered per-object command queue. Enqueue is safe from any
// goroutine; Tick runs on the consumer's loop.
type Queue struct {
	mu      sync.Mutex
	pending []Entry
	nextSeq uint64
	applied uint64

	tickMu sync.Mutex
	policy Policy
	opts   options
}

// NewQueue creates a queue with the given acceleration policy. A nil
// policy never accelerates.
func NewQueue(policy Policy, opts ...Option) *Queue {
	if policy == nil {
		policy = Never()
	}
	q := &Queue{policy: policy}
	for _, opt := range opts {
		opt(&q.opts)
	}
	return q
}

// Enqueue appends a command and returns its sequence number.
func (q *Queue) Enqueue(payload []byte) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	q.pending = append(q.pending, Entry{Seq: q.nextSeq, Payload: payload})
	return q.nextSeq
}

// Tick applies the commands due this tick and returns how many were
// applied. apply runs without the queue lock held.
func (q *Queue) Tick(apply ApplyFunc) int {
	q.tickMu.Lock()
	defer q.tickMu.Unlock()

	batch := q.take()
	for i, e := range batch {
		e.Instant = i < len(batch)-1
		apply(e)
	}
	return len(batch)
}

// take removes the entries due this tick.
func (q *Queue) take() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	backlog := len(q.pending)
	if backlog == 0 {
		return nil
	}

	n := 1
	for remaining := backlog; remaining > 1 && q.policy(remaining); remaining-- {
		if q.opts.maxPerTick > 0 && n >= q.opts.maxPerTick {
			break
		}
		n++
	}

	batch := make([]Entry, n)
	copy(batch, q.pending[:n])
	q.pending = q.pending[n:]
	if len(q.pending) == 0 {
		q.pending = nil
	}
	q.applied = batch[n-1].Seq
	return batch
}

// Len returns the number of pending commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Applied returns the sequence number of the last command handed to apply.
func (q *Queue) Applied() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.applied
}
