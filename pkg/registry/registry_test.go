package registry

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/vango-dev/scopesync/pkg/protocol"
)

type stubEndpoint struct {
	name   string
	mu     sync.Mutex
	sent   []*protocol.Frame
	failed error
}

func (s *stubEndpoint) Send(f *protocol.Frame) error {
	if s.failed != nil {
		return s.failed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, f)
	return nil
}

func (s *stubEndpoint) SendEncoded(data []byte) error {
	f, _, err := protocol.DecodeFrame(data, protocol.MaxPayloadSize)
	if err != nil {
		return err
	}
	return s.Send(f)
}

func (s *stubEndpoint) Close() error { return nil }

func TestConnectSequentialIDs(t *testing.T) {
	r := New()
	c1, c2, c3 := &stubEndpoint{name: "c1"}, &stubEndpoint{name: "c2"}, &stubEndpoint{name: "c3"}

	id1, _ := r.Connect(c1)
	id2, _ := r.Connect(c2)
	if id1 != 1 || id2 != 2 {
		t.Fatalf("ids = %d, %d; want 1, 2", id1, id2)
	}

	if !r.Registered(id1) {
		t.Fatal("Registered(1) = false after Connect")
	}
	if _, ok := r.Disconnect(id1); !ok {
		t.Fatal("Disconnect(1) = false")
	}
	if r.Registered(id1) {
		t.Fatal("Registered(1) = true after Disconnect")
	}
	id3, _ := r.Connect(c3)
	if id3 != 3 {
		t.Fatalf("id after disconnect = %d, want 3 (no reuse before exhaustion)", id3)
	}
}

func TestConnectSameEndpointTwice(t *testing.T) {
	r := New()
	ep := &stubEndpoint{}
	a, _ := r.Connect(ep)
	b, _ := r.Connect(ep)
	if a != b || r.Count() != 1 {
		t.Fatalf("Connect twice = %d, %d (count %d)", a, b, r.Count())
	}
}

func TestConnectNil(t *testing.T) {
	if _, err := New().Connect(nil); !errors.Is(err, ErrNilEndpoint) {
		t.Fatalf("Connect(nil) error = %v", err)
	}
}

func TestDisconnectUnknown(t *testing.T) {
	r := New()
	if _, ok := r.Disconnect(42); ok {
		t.Fatal("Disconnect(unknown) = true")
	}
	if _, ok := r.DisconnectEndpoint(&stubEndpoint{}); ok {
		t.Fatal("DisconnectEndpoint(unknown) = true")
	}
}

func TestExhaustionFallsBackToScan(t *testing.T) {
	r := New(WithMaxID(3))
	eps := []*stubEndpoint{{}, {}, {}}
	for i, ep := range eps {
		id, err := r.Connect(ep)
		if err != nil || id != ConnID(i+1) {
			t.Fatalf("Connect #%d = %d, %v", i, id, err)
		}
	}

	if _, err := r.Connect(&stubEndpoint{}); !errors.Is(err, ErrIDSpaceExhausted) {
		t.Fatalf("Connect on full space error = %v, want ErrIDSpaceExhausted", err)
	}

	r.Disconnect(2)
	id, err := r.Connect(&stubEndpoint{})
	if err != nil || id != 2 {
		t.Fatalf("scan Connect = %d, %v; want 2", id, err)
	}
}

func TestLocalDoesNotConsumeIDSpace(t *testing.T) {
	r := New(WithMaxID(1))
	if err := r.SetLocal(NewLoopback(0)); err != nil {
		t.Fatalf("SetLocal() error = %v", err)
	}
	id, err := r.Connect(&stubEndpoint{})
	if err != nil || id != 1 {
		t.Fatalf("Connect = %d, %v", id, err)
	}
	if _, ok := r.Lookup(LocalConnID); !ok {
		t.Fatal("loopback not registered at id 0")
	}
	if _, err := r.Connect(&stubEndpoint{}); !errors.Is(err, ErrIDSpaceExhausted) {
		t.Fatalf("Connect error = %v", err)
	}
}

// Property: active ids are pairwise distinct and non-zero for random
// connect/disconnect sequences.
func TestIDsUniqueUnderChurn(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, maxID := range []ConnID{5, 17, 1 << 20} {
		r := New(WithMaxID(maxID))
		var live []ConnID
		for step := 0; step < 2000; step++ {
			if len(live) > 0 && rng.Intn(3) == 0 {
				i := rng.Intn(len(live))
				r.Disconnect(live[i])
				live = append(live[:i], live[i+1:]...)
				continue
			}
			id, err := r.Connect(&stubEndpoint{})
			if errors.Is(err, ErrIDSpaceExhausted) {
				if ConnID(len(live)) != maxID {
					t.Fatalf("exhausted with %d of %d ids live", len(live), maxID)
				}
				continue
			}
			if err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			live = append(live, id)
		}

		seen := make(map[ConnID]bool)
		for _, id := range r.IDs() {
			if id == LocalConnID {
				t.Fatalf("max %d: id 0 allocated", maxID)
			}
			if seen[id] {
				t.Fatalf("max %d: duplicate id %d", maxID, id)
			}
			seen[id] = true
		}
		if len(seen) != len(live) {
			t.Fatalf("max %d: registry has %d ids, want %d", maxID, len(seen), len(live))
		}
	}
}

func TestSendRoutes(t *testing.T) {
	r := New()
	ok := &stubEndpoint{}
	bad := &stubEndpoint{failed: errors.New("severed")}
	okID, _ := r.Connect(ok)
	badID, _ := r.Connect(bad)

	f := protocol.NewFrame(1, 1, []byte("x"))
	if err := r.Send(okID, f); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(ok.sent) != 1 {
		t.Fatalf("endpoint got %d frames", len(ok.sent))
	}

	err := r.Send(badID, f)
	var se *SendError
	if !errors.As(err, &se) || se.ID != badID {
		t.Fatalf("Send(bad) error = %v", err)
	}
	if err := r.Send(99, f); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Send(unknown) error = %v", err)
	}
}

func TestIDOfAndIDs(t *testing.T) {
	r := New()
	a, b := &stubEndpoint{}, &stubEndpoint{}
	r.Connect(a)
	r.Connect(b)
	if id, ok := r.IDOf(b); !ok || id != 2 {
		t.Fatalf("IDOf(b) = %d, %v", id, ok)
	}
	ids := r.IDs()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("IDs() = %v", ids)
	}
	if id, ok := r.DisconnectEndpoint(a); !ok || id != 1 {
		t.Fatalf("DisconnectEndpoint(a) = %d, %v", id, ok)
	}
}

func TestLoopback(t *testing.T) {
	lb := NewLoopback(16)
	if err := lb.Send(protocol.NewFrame(1, 3, []byte("a"))); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	wire, _ := protocol.EncodeFrame(protocol.NewFrame(1, 4, []byte("b")), 16)
	wire2, _ := protocol.AppendFrame(wire, protocol.NewFrame(1, 5, nil), 16)
	if err := lb.SendEncoded(wire2); err != nil {
		t.Fatalf("SendEncoded() error = %v", err)
	}
	if err := lb.Send(protocol.NewFrame(1, 1, make([]byte, 17))); !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("oversized Send() error = %v", err)
	}

	select {
	case <-lb.Ready():
	default:
		t.Fatal("Ready() not signalled")
	}

	var got []protocol.MessageID
	n := lb.Drain(func(f *protocol.Frame) { got = append(got, f.Message) })
	if n != 3 || got[0] != 3 || got[1] != 4 || got[2] != 5 {
		t.Fatalf("Drain() = %d %v", n, got)
	}
	if lb.Pending() != 0 {
		t.Fatal("Pending() after drain")
	}

	lb.Close()
	if err := lb.Send(protocol.NewFrame(1, 1, nil)); !errors.Is(err, ErrLoopbackClosed) {
		t.Fatalf("Send() after close error = %v", err)
	}
}
