package transport

import (
	"bytes"
	"testing"
	"time"
)

func TestCoalescerThreshold(t *testing.T) {
	c := NewCoalescer(time.Hour, 8)
	defer c.Stop()

	if c.Add([]byte{1, 2, 3}) {
		t.Fatal("Add below threshold asked for flush")
	}
	if c.Timer() == nil {
		t.Fatal("timer not armed after first add")
	}
	if !c.Add([]byte{4, 5, 6, 7, 8}) {
		t.Fatal("Add at threshold did not ask for flush")
	}
	got := c.Flush()
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatalf("Flush() = %v", got)
	}
	if c.Pending() != 0 || c.Timer() != nil {
		t.Fatalf("after flush: pending=%d timer armed=%v", c.Pending(), c.Timer() != nil)
	}
}

func TestCoalescerDeadlineNotReset(t *testing.T) {
	c := NewCoalescer(40*time.Millisecond, 1<<20)
	defer c.Stop()

	start := time.Now()
	c.Add([]byte{1})
	time.Sleep(25 * time.Millisecond)
	c.Add([]byte{2}) // must not push the deadline out

	select {
	case <-c.Timer():
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	if elapsed := time.Since(start); elapsed > 60*time.Millisecond+25*time.Millisecond {
		t.Fatalf("deadline reset by second add: fired after %v", elapsed)
	}
	if got := c.Flush(); !bytes.Equal(got, []byte{1, 2}) {
		t.Fatalf("Flush() = %v", got)
	}
}

func TestCoalescerZeroDelayFlushesImmediately(t *testing.T) {
	c := NewCoalescer(0, 1024)
	if !c.Add([]byte{1}) {
		t.Fatal("zero delay Add did not ask for flush")
	}
	if c.Timer() != nil {
		t.Fatal("zero delay armed a timer")
	}
}

func TestCoalescerEmpty(t *testing.T) {
	c := NewCoalescer(time.Millisecond, 16)
	if c.Add(nil) {
		t.Fatal("Add(nil) asked for flush")
	}
	if got := c.Flush(); got != nil {
		t.Fatalf("Flush() on empty = %v, want nil", got)
	}
}

func TestCoalescerFlushCopies(t *testing.T) {
	c := NewCoalescer(time.Hour, 16)
	c.Add([]byte{1, 2})
	out := c.Flush()
	c.Add([]byte{9, 9})
	if !bytes.Equal(out, []byte{1, 2}) {
		t.Fatalf("flushed batch changed after reuse: %v", out)
	}
	c.Stop()
}
