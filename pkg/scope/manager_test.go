package scope

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/vango-dev/scopesync/pkg/protocol"
	"github.com/vango-dev/scopesync/pkg/registry"
)

var errSevered = errors.New("severed")

// fakeSender records decoded frames per connection.
type fakeSender struct {
	mu     sync.Mutex
	frames map[registry.ConnID][]*protocol.Frame
	broken map[registry.ConnID]bool
	gone   map[registry.ConnID]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		frames: make(map[registry.ConnID][]*protocol.Frame),
		broken: make(map[registry.ConnID]bool),
		gone:   make(map[registry.ConnID]bool),
	}
}

func (s *fakeSender) SendEncoded(id registry.ConnID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone[id] {
		return &registry.SendError{ID: id, Err: registry.ErrNotRegistered}
	}
	if s.broken[id] {
		return errSevered
	}
	f, _, err := protocol.DecodeFrame(data, protocol.MaxPayloadSize)
	if err != nil {
		return err
	}
	s.frames[id] = append(s.frames[id], f)
	return nil
}

func (s *fakeSender) Registered(id registry.ConnID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.gone[id]
}

func (s *fakeSender) received(id registry.ConnID) []*protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Frame(nil), s.frames[id]...)
}

func (s *fakeSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = make(map[registry.ConnID][]*protocol.Frame)
}

func newTestManager(opts ...Option) (*Manager, *fakeSender) {
	s := newFakeSender()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewManager(s, opts...), s
}

func mustSpawned(t *testing.T, f *protocol.Frame) *protocol.ObjectSpawned {
	t.Helper()
	if f.Protocol != protocol.ProtocolScope || f.Message != protocol.MsgObjectSpawned {
		t.Fatalf("frame = %v, want ObjectSpawned", f)
	}
	m, err := protocol.DecodeObjectSpawned(f.Payload)
	if err != nil {
		t.Fatalf("DecodeObjectSpawned() error = %v", err)
	}
	return m
}

func TestSpawnBroadcastsToWatchersOnly(t *testing.T) {
	m, s := newTestManager()
	m.CreateScope(5)
	m.AddWatcher(5, 1)
	m.AddWatcher(5, 2)

	res, err := m.SpawnObject(5, 42, 3, []byte("state"))
	if err != nil {
		t.Fatalf("SpawnObject() error = %v", err)
	}
	if res.Delivered != 2 || !res.OK() {
		t.Fatalf("result = %+v", res)
	}

	for _, id := range []registry.ConnID{1, 2} {
		got := s.received(id)
		if len(got) != 1 {
			t.Fatalf("conn %d got %d frames", id, len(got))
		}
		msg := mustSpawned(t, got[0])
		if msg.ScopeIndex != 5 || msg.ObjectIndex != 42 || msg.PrefabIndex != 3 || string(msg.Data) != "state" {
			t.Fatalf("conn %d spawn = %+v", id, msg)
		}
	}
	if got := s.received(3); len(got) != 0 {
		t.Fatalf("non-watcher received %d frames", len(got))
	}
}

func TestCatchUpOnJoin(t *testing.T) {
	m, s := newTestManager()
	m.CreateScope(1)
	m.SpawnObject(1, 9, 0, []byte("nine"))
	m.SpawnObject(1, 2, 0, []byte("two"))
	m.RefreshObject(1, 2, []byte("two-v2"))

	if !m.AddWatcher(1, 7) {
		t.Fatal("AddWatcher() = false")
	}
	got := s.received(7)
	if len(got) != 2 {
		t.Fatalf("catch-up frames = %d, want 2", len(got))
	}
	first, second := mustSpawned(t, got[0]), mustSpawned(t, got[1])
	if first.ObjectIndex != 2 || second.ObjectIndex != 9 {
		t.Fatalf("catch-up order = %d, %d; want ascending", first.ObjectIndex, second.ObjectIndex)
	}
	if string(first.Data) != "two-v2" {
		t.Fatalf("catch-up state = %q, want refreshed state", first.Data)
	}
}

func TestCatchUpUsesSnapshotter(t *testing.T) {
	snap := SnapshotFunc(func(scope Index, object uint32) ([]byte, bool) {
		if object == 1 {
			return []byte("live"), true
		}
		return nil, false
	})
	m, s := newTestManager(WithSnapshotter(snap))
	m.CreateScope(1)
	m.SpawnObject(1, 1, 0, []byte("stale"))
	m.SpawnObject(1, 2, 0, []byte("stored"))
	m.AddWatcher(1, 4)

	got := s.received(4)
	if a, b := mustSpawned(t, got[0]), mustSpawned(t, got[1]); string(a.Data) != "live" || string(b.Data) != "stored" {
		t.Fatalf("catch-up data = %q, %q", a.Data, b.Data)
	}
}

func TestWatcherIdempotence(t *testing.T) {
	m, _ := newTestManager()
	m.CreateScope(1)

	first, second := m.AddWatcher(1, 3), m.AddWatcher(1, 3)
	if !first || second {
		t.Fatalf("AddWatcher twice = (%v, %v), want (true, false)", first, second)
	}
	if m.RemoveWatcher(1, 4) {
		t.Fatal("RemoveWatcher(non-watcher) = true")
	}
	if !m.RemoveWatcher(1, 3) || m.RemoveWatcher(1, 3) {
		t.Fatal("RemoveWatcher not idempotent")
	}
	if m.AddWatcher(99, 3) {
		t.Fatal("AddWatcher(unknown scope) = true")
	}
}

func TestAddWatcherRejectsUnregistered(t *testing.T) {
	m := NewManager(registry.New(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	m.CreateScope(1)
	if _, err := m.SpawnObject(1, 1, 0, []byte("x")); err != nil {
		t.Fatalf("SpawnObject() error = %v", err)
	}

	if m.AddWatcher(1, 5) {
		t.Fatal("AddWatcher(unregistered) = true")
	}
	if m.IsWatching(1, 5) {
		t.Fatal("unregistered connection left watching")
	}
	res, err := m.RefreshObject(1, 1, []byte("y"))
	if err != nil {
		t.Fatalf("RefreshObject() error = %v", err)
	}
	if len(res.Failed) != 0 {
		t.Fatalf("refresh failed for %v", res.FailedIDs())
	}
}

func TestAddWatcherRollsBackWhenUnregisteredDuringCatchUp(t *testing.T) {
	s := &goneAfterCheck{fakeSender: newFakeSender()}
	m := NewManager(s, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	m.CreateScope(1)
	m.SpawnObject(1, 1, 0, nil)
	s.gone[7] = true

	if m.AddWatcher(1, 7) {
		t.Fatal("AddWatcher() = true after connection went away")
	}
	if m.IsWatching(1, 7) {
		t.Fatal("membership kept after catch-up hit an unregistered connection")
	}
}

// goneAfterCheck reports every connection registered but still fails sends
// to the ones marked gone.
type goneAfterCheck struct {
	*fakeSender
}

func (g *goneAfterCheck) Registered(registry.ConnID) bool { return true }

func TestBroadcastPartialFailure(t *testing.T) {
	m, s := newTestManager()
	m.CreateScope(1)
	const n = 6
	for id := registry.ConnID(1); id <= n; id++ {
		m.AddWatcher(1, id)
	}
	s.broken[2] = true
	s.broken[5] = true

	res, err := m.SpawnObject(1, 1, 0, nil)
	if err != nil {
		t.Fatalf("SpawnObject() error = %v", err)
	}
	if res.Delivered != n-2 || len(res.Failed) != 2 {
		t.Fatalf("result = %+v, want %d delivered, 2 failed", res, n-2)
	}
	if ids := res.FailedIDs(); ids[0] != 2 || ids[1] != 5 {
		t.Fatalf("FailedIDs() = %v", ids)
	}
	if !errors.Is(res.Failed[2], errSevered) {
		t.Fatalf("failure cause = %v", res.Failed[2])
	}
	if len(s.received(6)) != 1 {
		t.Fatal("watcher after a failed one did not receive")
	}
}

func TestFocusThenUnfocus(t *testing.T) {
	m, s := newTestManager()
	m.CreateScope(3)
	m.AddWatcher(3, 1)
	m.SpawnObject(3, 8, 0, nil)
	s.reset()

	if err := m.Focus(1, 3, 8); err != nil {
		t.Fatalf("Focus() error = %v", err)
	}
	if obj, ok := m.FocusOf(1, 3); !ok || obj != 8 {
		t.Fatalf("FocusOf() = %d, %v", obj, ok)
	}
	if err := m.Unfocus(1, 3); err != nil {
		t.Fatalf("Unfocus() error = %v", err)
	}

	got := s.received(1)
	if len(got) != 2 || got[0].Message != protocol.MsgFocusChanged || got[1].Message != protocol.MsgFocusReleased {
		t.Fatalf("frames = %v", got)
	}
	fc, _ := protocol.DecodeFocusChanged(got[0].Payload)
	if fc.ScopeIndex != 3 || fc.ObjectIndex != 8 {
		t.Fatalf("FocusChanged = %+v", fc)
	}
	if _, ok := m.Object(3, 8); !ok {
		t.Fatal("object despawned by unfocus")
	}
	if err := m.Unfocus(1, 3); !errors.Is(err, ErrNotFocused) {
		t.Fatalf("second Unfocus() error = %v", err)
	}
	if len(s.received(1)) != 2 {
		t.Fatal("Unfocus without focus sent a frame")
	}
}

func TestFocusOnlyTargetsOneConnection(t *testing.T) {
	m, s := newTestManager()
	m.CreateScope(1)
	m.AddWatcher(1, 1)
	m.AddWatcher(1, 2)

	// Focus may precede the spawn.
	if err := m.Focus(2, 1, 77); err != nil {
		t.Fatalf("Focus() error = %v", err)
	}
	if len(s.received(1)) != 0 || len(s.received(2)) != 1 {
		t.Fatal("focus was not single-target")
	}
	if err := m.Focus(2, 9, 1); !errors.Is(err, ErrScopeNotFound) {
		t.Fatalf("Focus(unknown scope) error = %v", err)
	}
}

func TestRefreshDespawnAndCommand(t *testing.T) {
	m, s := newTestManager()
	m.CreateScope(1)
	m.AddWatcher(1, 1)

	if _, err := m.RefreshObject(1, 5, nil); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("RefreshObject(missing) error = %v", err)
	}
	m.SpawnObject(1, 5, 0, nil)
	if _, err := m.SpawnObject(1, 5, 0, nil); !errors.Is(err, ErrObjectExists) {
		t.Fatalf("duplicate SpawnObject() error = %v", err)
	}
	if _, err := m.SpawnObject(2, 5, 0, nil); !errors.Is(err, ErrScopeNotFound) {
		t.Fatalf("SpawnObject(unknown scope) error = %v", err)
	}

	m.RefreshObject(1, 5, []byte{1})
	m.SendCommand(1, 5, []byte{2})
	m.DespawnObject(1, 5)
	if _, err := m.SendCommand(1, 5, nil); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("SendCommand(despawned) error = %v", err)
	}

	got := s.received(1)
	want := []struct {
		p protocol.ProtocolID
		m protocol.MessageID
	}{
		{protocol.ProtocolScope, protocol.MsgObjectSpawned},
		{protocol.ProtocolScope, protocol.MsgObjectRefreshed},
		{protocol.ProtocolCommand, protocol.MsgCommand},
		{protocol.ProtocolScope, protocol.MsgObjectDespawned},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Protocol != w.p || got[i].Message != w.m {
			t.Fatalf("frame %d = %v, want %d/%d", i, got[i], w.p, w.m)
		}
	}
}

func TestOversizedBroadcastRejectedBeforeSend(t *testing.T) {
	m, s := newTestManager(WithMaxMessageSize(32))
	m.CreateScope(1)
	m.AddWatcher(1, 1)

	_, err := m.SpawnObject(1, 1, 0, make([]byte, 64))
	if !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("SpawnObject(oversized) error = %v", err)
	}
	if len(s.received(1)) != 0 {
		t.Fatal("oversized spawn reached a watcher")
	}
	if _, ok := m.Object(1, 1); ok {
		t.Fatal("oversized object was stored")
	}
}

func TestRemoveScopeNotifiesWatchersFirst(t *testing.T) {
	m, s := newTestManager()
	m.CreateScope(1)
	m.SpawnObject(1, 1, 0, nil)
	m.SpawnObject(1, 2, 0, nil)
	m.AddWatcher(1, 10)
	m.Focus(10, 1, 2)
	s.reset()

	res, ok := m.RemoveScope(1)
	if !ok || res.Delivered != 2 {
		t.Fatalf("RemoveScope() = %+v, %v", res, ok)
	}
	got := s.received(10)
	if len(got) != 3 ||
		got[0].Message != protocol.MsgObjectDespawned ||
		got[1].Message != protocol.MsgObjectDespawned ||
		got[2].Message != protocol.MsgFocusReleased {
		t.Fatalf("teardown frames = %v", got)
	}
	if m.HasScope(1) {
		t.Fatal("scope still present")
	}
	if _, ok := m.RemoveScope(1); ok {
		t.Fatal("second RemoveScope() = true")
	}
	if _, ok := m.FocusOf(10, 1); ok {
		t.Fatal("focus survived scope removal")
	}
}

func TestRemoveConnection(t *testing.T) {
	m, _ := newTestManager()
	m.CreateScope(1)
	m.CreateScope(2)
	m.AddWatcher(1, 5)
	m.AddWatcher(2, 5)
	m.AddWatcher(2, 6)
	m.Focus(5, 1, 1)

	if n := m.RemoveConnection(5); n != 2 {
		t.Fatalf("RemoveConnection() = %d, want 2", n)
	}
	if m.IsWatching(1, 5) || m.IsWatching(2, 5) {
		t.Fatal("connection still watching")
	}
	if w := m.Watchers(2); len(w) != 1 || w[0] != 6 {
		t.Fatalf("Watchers(2) = %v", w)
	}
	if _, ok := m.FocusOf(5, 1); ok {
		t.Fatal("focus survived RemoveConnection")
	}
}

func TestSnapshot(t *testing.T) {
	m, _ := newTestManager()
	m.CreateScope(2)
	m.CreateScope(1)
	m.SpawnObject(1, 4, 0, nil)
	m.AddWatcher(1, 3)

	infos := m.Snapshot()
	if len(infos) != 2 || infos[0].Index != 1 || infos[1].Index != 2 {
		t.Fatalf("Snapshot() = %+v", infos)
	}
	if len(infos[0].Watchers) != 1 || len(infos[0].Objects) != 1 || infos[0].Objects[0] != 4 {
		t.Fatalf("scope 1 info = %+v", infos[0])
	}
}

type countingObserver struct {
	mu                sync.Mutex
	delivered, failed int
	scopes, watchers  int
}

func (o *countingObserver) Broadcast(_ string, delivered, failed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered += delivered
	o.failed += failed
}

func (o *countingObserver) MembershipChanged(scopes, watchers int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scopes, o.watchers = scopes, watchers
}

func TestObserver(t *testing.T) {
	obs := &countingObserver{}
	m, s := newTestManager(WithObserver(obs))
	m.CreateScope(1)
	m.AddWatcher(1, 1)
	m.AddWatcher(1, 2)
	s.broken[2] = true
	m.SpawnObject(1, 1, 0, nil)

	if obs.delivered != 1 || obs.failed != 1 {
		t.Fatalf("observer broadcast = %d/%d", obs.delivered, obs.failed)
	}
	if obs.scopes != 1 || obs.watchers != 2 {
		t.Fatalf("observer membership = %d/%d", obs.scopes, obs.watchers)
	}
}
