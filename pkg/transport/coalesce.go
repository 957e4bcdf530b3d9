package transport

import "time"

// Coalescer accumulates encoded frames and flushes on deadline or threshold.
//
// The deadline is armed by the first frame in a batch and is NOT reset by
// later adds (deadline semantics, not debounce), so no frame waits longer
// than the boarding delay. All methods are used from a single goroutine
// (the write loop).
type Coalescer struct {
	buf       []byte
	delay     time.Duration
	threshold int
	timer     *time.Timer
	armed     bool // true when timer is running
}

// NewCoalescer creates a Coalescer. A zero delay makes every Add ask for an
// immediate flush.
func NewCoalescer(delay time.Duration, threshold int) *Coalescer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &Coalescer{
		buf:       make([]byte, 0, threshold),
		delay:     delay,
		threshold: threshold,
		timer:     t,
	}
}

// Add appends data to the batch. Returns true if the caller should flush
// immediately.
func (c *Coalescer) Add(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	c.buf = append(c.buf, data...)
	if c.delay <= 0 || len(c.buf) >= c.threshold {
		return true
	}
	if !c.armed {
		c.timer.Reset(c.delay)
		c.armed = true
	}
	return false
}

// Flush returns the accumulated batch and resets the buffer.
// Returns nil if the buffer is empty. The caller owns the returned slice.
func (c *Coalescer) Flush() []byte {
	c.disarm()
	if len(c.buf) == 0 {
		return nil
	}
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	c.buf = c.buf[:0]
	return out
}

// Timer returns the channel that fires when the boarding deadline expires,
// or nil when no deadline is active (a nil channel blocks forever in select).
func (c *Coalescer) Timer() <-chan time.Time {
	if !c.armed {
		return nil
	}
	return c.timer.C
}

// Stop releases the timer and discards any pending batch.
func (c *Coalescer) Stop() {
	c.disarm()
	c.buf = c.buf[:0]
}

// Pending returns the number of buffered bytes.
func (c *Coalescer) Pending() int {
	return len(c.buf)
}

func (c *Coalescer) disarm() {
	if !c.armed {
		return
	}
	if !c.timer.Stop() {
		// Already fired; drain so the next select does not see a stale tick.
		select {
		case <-c.timer.C:
		default:
		}
	}
	c.armed = false
}
