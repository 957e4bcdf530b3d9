// Package demo runs a small server-driven world used by `scopesync serve
// --demo` and the watch command.
//
// The world has one scope holding a beacon object refreshed every tick.
// Each connection that completes the handshake watches the scope, gets an
// avatar object of its own, is focused on it, and receives a Move command
// for every avatar on each tick. The host watches the scope through a
// loopback endpoint registered as the local connection.
package demo

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/scopesync/pkg/protocol"
	"github.com/vango-dev/scopesync/pkg/registry"
	"github.com/vango-dev/scopesync/pkg/scope"
	"github.com/vango-dev/scopesync/pkg/server"
)

const (
	Scope        scope.Index = 1
	BeaconObject uint32      = 1
	BeaconPrefab uint32      = 1
	AvatarPrefab uint32      = 2

	// Avatar object indexes are allocated from avatarBase upward and never
	// collide with the beacon.
	avatarBase uint32 = 1000
)

// World drives the demo scope on a server.
type World struct {
	srv      *server.Server
	scopes   *scope.Manager
	logger   *slog.Logger
	interval time.Duration
	host     *registry.Loopback

	mu      sync.Mutex
	avatars map[registry.ConnID]uint32
	inUse   map[uint32]struct{}
	next    uint32
	tick    uint32

	hostFrames atomic.Uint64
}

// New creates the demo scope on srv and registers the connection hooks.
func New(srv *server.Server, interval time.Duration, logger *slog.Logger) (*World, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	w := &World{
		srv:      srv,
		scopes:   srv.Scopes(),
		logger:   logger.With("component", "demo"),
		interval: interval,
		host:     registry.NewLoopback(srv.Config().MaxMessageSize),
		avatars:  make(map[registry.ConnID]uint32),
		inUse:    make(map[uint32]struct{}),
		next:     avatarBase,
	}

	if !w.scopes.CreateScope(Scope) {
		return nil, errors.New("demo: scope already exists")
	}
	if err := srv.Registry().SetLocal(w.host); err != nil {
		return nil, err
	}
	if _, err := w.scopes.SpawnObject(Scope, BeaconObject, BeaconPrefab, Beacon{}.Encode()); err != nil {
		return nil, err
	}
	w.scopes.AddWatcher(Scope, registry.LocalConnID)

	srv.OnConnect(w.join)
	srv.OnDisconnect(func(id registry.ConnID, _ error) { w.leave(id) })
	return w, nil
}

// Avatar returns the object index of a connection's avatar.
func (w *World) Avatar(id registry.ConnID) (uint32, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	avatar, ok := w.avatars[id]
	return avatar, ok
}

// allocAvatarLocked hands out the next free avatar index, wrapping past
// the top of the index space.
func (w *World) allocAvatarLocked() (uint32, bool) {
	for range uint64(1<<32) - uint64(avatarBase) {
		idx := w.next
		if w.next == ^uint32(0) {
			w.next = avatarBase
		} else {
			w.next++
		}
		if _, used := w.inUse[idx]; !used {
			w.inUse[idx] = struct{}{}
			return idx, true
		}
	}
	return 0, false
}

func (w *World) join(id registry.ConnID) {
	w.mu.Lock()
	avatar, ok := w.allocAvatarLocked()
	if ok {
		w.avatars[id] = avatar
	}
	w.mu.Unlock()
	if !ok {
		w.logger.Warn("no free avatar index", "conn_id", id)
		return
	}

	w.scopes.AddWatcher(Scope, id)
	if _, err := w.scopes.SpawnObject(Scope, avatar, AvatarPrefab, avatarState(id)); err != nil {
		w.logger.Warn("spawn avatar failed", "conn_id", id, "error", err)
		w.release(id, avatar)
		return
	}
	if err := w.scopes.Focus(id, Scope, avatar); err != nil {
		w.logger.Warn("focus avatar failed", "conn_id", id, "error", err)
	}
	w.logger.Info("player joined", "conn_id", id, "avatar", avatar)
}

func (w *World) release(id registry.ConnID, avatar uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.avatars[id] == avatar {
		delete(w.avatars, id)
	}
	delete(w.inUse, avatar)
}

func (w *World) leave(id registry.ConnID) {
	w.mu.Lock()
	avatar, ok := w.avatars[id]
	delete(w.avatars, id)
	w.mu.Unlock()
	if !ok {
		return
	}
	if _, err := w.scopes.DespawnObject(Scope, avatar); err != nil && !errors.Is(err, scope.ErrObjectNotFound) {
		w.logger.Warn("despawn avatar failed", "conn_id", id, "error", err)
	}
	w.mu.Lock()
	delete(w.inUse, avatar)
	w.mu.Unlock()
	w.logger.Info("player left", "conn_id", id)
}

// Run advances the world every interval until ctx ends.
func (w *World) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.host.Ready():
			w.drainHost()
		case <-t.C:
			w.Step()
		}
	}
}

// Step advances the world by one tick.
func (w *World) Step() {
	w.mu.Lock()
	w.tick++
	tick := w.tick
	avatars := make(map[registry.ConnID]uint32, len(w.avatars))
	for id, avatar := range w.avatars {
		avatars[id] = avatar
	}
	w.mu.Unlock()

	b := Beacon{Tick: tick, Players: uint32(len(avatars))}
	if res, err := w.scopes.RefreshObject(Scope, BeaconObject, b.Encode()); err != nil {
		w.logger.Error("refresh beacon failed", "error", err)
	} else if !res.OK() {
		w.logger.Debug("beacon not delivered", "failed", res.FailedIDs())
	}

	for id, avatar := range avatars {
		m := Move{Tick: tick, DX: int16(tick%3) - 1, DY: int16(uint32(id)%3) - 1}
		if _, err := w.scopes.SendCommand(Scope, avatar, m.Encode()); err != nil &&
			!errors.Is(err, scope.ErrObjectNotFound) {
			w.logger.Warn("send command failed", "conn_id", id, "error", err)
		}
	}
	w.drainHost()
}

func (w *World) drainHost() {
	n := w.host.Drain(func(*protocol.Frame) {})
	w.hostFrames.Add(uint64(n))
}

// Tick returns the number of completed steps.
func (w *World) Tick() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tick
}

// Players returns the number of connections holding an avatar.
func (w *World) Players() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.avatars)
}

// HostFrames returns how many frames the host peer has received.
func (w *World) HostFrames() uint64 { return w.hostFrames.Load() }

// Close removes the host peer from the scope and the registry.
func (w *World) Close() error {
	w.scopes.RemoveConnection(registry.LocalConnID)
	w.srv.Registry().Disconnect(registry.LocalConnID)
	return w.host.Close()
}

func avatarState(id registry.ConnID) []byte {
	e := protocol.NewEncoderWithCap(8)
	e.WriteUint64(uint64(id))
	return e.Bytes()
}

// AvatarOwner decodes the connection id stored in an avatar's state.
func AvatarOwner(data []byte) (registry.ConnID, error) {
	d := protocol.NewDecoder(data)
	v, err := d.ReadUint64()
	if err != nil {
		return 0, err
	}
	return registry.ConnID(v), d.Finish()
}

// Beacon is the state of the beacon object.
type Beacon struct {
	Tick    uint32
	Players uint32
}

func (b Beacon) Encode() []byte {
	e := protocol.NewEncoderWithCap(8)
	e.WriteUint32(b.Tick)
	e.WriteUint32(b.Players)
	return e.Bytes()
}

func DecodeBeacon(data []byte) (Beacon, error) {
	d := protocol.NewDecoder(data)
	var b Beacon
	var err error
	if b.Tick, err = d.ReadUint32(); err != nil {
		return Beacon{}, err
	}
	if b.Players, err = d.ReadUint32(); err != nil {
		return Beacon{}, err
	}
	return b, d.Finish()
}

// Move is the command applied to avatars each tick.
type Move struct {
	Tick   uint32
	DX, DY int16
}

func (m Move) Encode() []byte {
	e := protocol.NewEncoderWithCap(8)
	e.WriteUint32(m.Tick)
	e.WriteUint16(uint16(m.DX))
	e.WriteUint16(uint16(m.DY))
	return e.Bytes()
}

func DecodeMove(data []byte) (Move, error) {
	d := protocol.NewDecoder(data)
	tick, err := d.ReadUint32()
	if err != nil {
		return Move{}, err
	}
	dx, err := d.ReadUint16()
	if err != nil {
		return Move{}, err
	}
	dy, err := d.ReadUint16()
	if err != nil {
		return Move{}, err
	}
	return Move{Tick: tick, DX: int16(dx), DY: int16(dy)}, d.Finish()
}
