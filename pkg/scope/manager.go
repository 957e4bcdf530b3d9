package scope

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/vango-dev/scopesync/pkg/protocol"
	"github.com/vango-dev/scopesync/pkg/registry"
)

// Errors returned by Manager operations.
var (
	ErrScopeNotFound  = errors.New("scope: scope not found")
	ErrObjectExists   = errors.New("scope: object already spawned")
	ErrObjectNotFound = errors.New("scope: object not found")
	ErrNotFocused     = errors.New("scope: connection has no focus in scope")
)

// Index identifies a scope.
type Index uint32

// Sender delivers encoded frames to a connection. registry.Registry
// implements it.
type Sender interface {
	SendEncoded(id registry.ConnID, data []byte) error
	Registered(id registry.ConnID) bool
}

// Snapshotter supplies the current serialized state of an object for
// catch-up spawns. Return false to fall back to the stored state.
type Snapshotter interface {
	Snapshot(scope Index, object uint32) ([]byte, bool)
}

// SnapshotFunc adapts a function to Snapshotter.
type SnapshotFunc func(scope Index, object uint32) ([]byte, bool)

// Snapshot calls f.
func (f SnapshotFunc) Snapshot(scope Index, object uint32) ([]byte, bool) {
	return f(scope, object)
}

// Observer is notified of broadcasts and membership changes.
type Observer interface {
	Broadcast(kind string, delivered, failed int)
	MembershipChanged(scopes, watchers int)
}

// Object is a synchronized object contained in a scope.
type Object struct {
	Scope  Index
	Index  uint32
	Prefab uint32
	Data   []byte
}

// BroadcastResult reports a non-atomic delivery to several watchers.
type BroadcastResult struct {
	Delivered int
	Failed    map[registry.ConnID]error
}

// OK reports whether every delivery succeeded.
func (r BroadcastResult) OK() bool {
	return len(r.Failed) == 0
}

// FailedIDs returns the failed connections in ascending order.
func (r BroadcastResult) FailedIDs() []registry.ConnID {
	ids := make([]registry.ConnID, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *BroadcastResult) merge(o BroadcastResult) {
	r.Delivered += o.Delivered
	for id, err := range o.Failed {
		if r.Failed == nil {
			r.Failed = make(map[registry.ConnID]error)
		}
		r.Failed[id] = err
	}
}

type scopeState struct {
	index    Index
	watchers map[registry.ConnID]struct{}
	objects  map[uint32]*Object
}

func (s *scopeState) sortedObjects() []*Object {
	objs := make([]*Object, 0, len(s.objects))
	for _, o := range s.objects {
		objs = append(objs, o)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Index < objs[j].Index })
	return objs
}

func (s *scopeState) sortedWatchers() []registry.ConnID {
	ids := make([]registry.ConnID, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSnapshotter sets the catch-up state source.
func WithSnapshotter(s Snapshotter) Option {
	return func(m *Manager) {
		m.snapshotter = s
	}
}

// WithMaxMessageSize sets the payload limit used when encoding.
func WithMaxMessageSize(n int) Option {
	return func(m *Manager) {
		m.maxSize = protocol.ClampMaxMessageSize(n)
	}
}

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// Manager tracks scopes, their watchers and contained objects, and
// per-connection focus. All methods are safe for concurrent use; a single
// mutex serializes them. Sends made under the lock only enqueue.
type Manager struct {
	mu          sync.Mutex
	sender      Sender
	scopes      map[Index]*scopeState
	focus       map[registry.ConnID]map[Index]uint32
	maxSize     int
	snapshotter Snapshotter
	observer    Observer
	logger      *slog.Logger
}

// NewManager creates a Manager that sends through sender.
func NewManager(sender Sender, opts ...Option) *Manager {
	m := &Manager{
		sender:  sender,
		scopes:  make(map[Index]*scopeState),
		focus:   make(map[registry.ConnID]map[Index]uint32),
		maxSize: protocol.DefaultMaxMessageSize,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "scope")
	return m
}

// CreateScope registers an empty scope. Returns false if it exists.
func (m *Manager) CreateScope(idx Index) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scopes[idx]; ok {
		return false
	}
	m.scopes[idx] = &scopeState{
		index:    idx,
		watchers: make(map[registry.ConnID]struct{}),
		objects:  make(map[uint32]*Object),
	}
	m.membershipChanged()
	m.logger.Debug("scope created", "scope", idx)
	return true
}

// RemoveScope notifies every watcher that each contained object is gone,
// releases focus held in the scope, then discards it. Returns false if the
// scope does not exist, so repeated calls are harmless.
func (m *Manager) RemoveScope(idx Index) (BroadcastResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scopes[idx]
	if !ok {
		return BroadcastResult{}, false
	}

	var res BroadcastResult
	watchers := s.sortedWatchers()
	for _, obj := range s.sortedObjects() {
		frame := (&protocol.ObjectDespawned{ScopeIndex: uint32(idx), ObjectIndex: obj.Index}).Frame()
		r, err := m.broadcastLocked(watchers, frame, "despawn")
		if err != nil {
			m.logger.Error("encode despawn", "scope", idx, "object", obj.Index, "error", err)
			continue
		}
		res.merge(r)
	}

	for conn, scopes := range m.focus {
		if _, focused := scopes[idx]; !focused {
			continue
		}
		delete(scopes, idx)
		if len(scopes) == 0 {
			delete(m.focus, conn)
		}
		if _, watching := s.watchers[conn]; !watching {
			continue
		}
		if err := m.sendLocked(conn, (&protocol.FocusReleased{ScopeIndex: uint32(idx)}).Frame()); err != nil {
			m.logger.Debug("focus release on scope removal failed", "conn_id", uint64(conn), "error", err)
		}
	}

	delete(m.scopes, idx)
	m.membershipChanged()
	m.logger.Debug("scope removed", "scope", idx, "watchers", len(watchers))
	return res, true
}

// HasScope reports whether a scope exists.
func (m *Manager) HasScope(idx Index) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.scopes[idx]
	return ok
}

// AddWatcher makes conn a watcher of the scope and sends it an
// ObjectSpawned for every contained object, in ascending object order.
// Returns false if conn already watches the scope, the scope is unknown,
// or conn is not a registered connection.
func (m *Manager) AddWatcher(idx Index, conn registry.ConnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scopes[idx]
	if !ok {
		return false
	}
	if !m.sender.Registered(conn) {
		m.logger.Debug("watcher rejected", "scope", idx, "conn_id", uint64(conn), "reason", "not registered")
		return false
	}
	if _, dup := s.watchers[conn]; dup {
		return false
	}
	s.watchers[conn] = struct{}{}
	m.membershipChanged()

	sent := 0
	for _, obj := range s.sortedObjects() {
		frame := (&protocol.ObjectSpawned{
			ScopeIndex:  uint32(idx),
			PrefabIndex: obj.Prefab,
			ObjectIndex: obj.Index,
			Data:        m.catchUpState(obj),
		}).Frame()
		if err := m.sendLocked(conn, frame); err != nil {
			m.report("catchup", sent, 1)
			if errors.Is(err, registry.ErrNotRegistered) {
				// Unregistered mid catch-up; no disconnect will follow.
				delete(s.watchers, conn)
				m.membershipChanged()
				return false
			}
			// The connection is failing; its disconnect removes it.
			m.logger.Warn("catch-up spawn failed",
				"scope", idx, "object", obj.Index, "conn_id", uint64(conn), "error", err)
			return true
		}
		sent++
	}
	m.report("catchup", sent, 0)
	m.logger.Debug("watcher added", "scope", idx, "conn_id", uint64(conn), "catchup", sent)
	return true
}

// catchUpState prefers the snapshotter's view of the object.
func (m *Manager) catchUpState(obj *Object) []byte {
	if m.snapshotter != nil {
		if data, ok := m.snapshotter.Snapshot(obj.Scope, obj.Index); ok {
			return data
		}
	}
	return obj.Data
}

// RemoveWatcher stops conn watching the scope. Returns false if it was not
// a watcher. Despawn notification for previously visible objects is left
// to the caller.
func (m *Manager) RemoveWatcher(idx Index, conn registry.ConnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scopes[idx]
	if !ok {
		return false
	}
	if _, watching := s.watchers[conn]; !watching {
		return false
	}
	delete(s.watchers, conn)
	m.membershipChanged()
	return true
}

// IsWatching reports whether conn watches the scope.
func (m *Manager) IsWatching(idx Index, conn registry.ConnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopes[idx]
	if !ok {
		return false
	}
	_, watching := s.watchers[conn]
	return watching
}

// Watchers returns the scope's watchers in ascending order.
func (m *Manager) Watchers(idx Index) []registry.ConnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopes[idx]
	if !ok {
		return nil
	}
	return s.sortedWatchers()
}

// RemoveConnection drops conn from every scope and forgets its focus.
// Returns the number of scopes it was watching.
func (m *Manager) RemoveConnection(conn registry.ConnID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.scopes {
		if _, ok := s.watchers[conn]; ok {
			delete(s.watchers, conn)
			n++
		}
	}
	delete(m.focus, conn)
	if n > 0 {
		m.membershipChanged()
	}
	return n
}

// SpawnObject adds an object to the scope and broadcasts ObjectSpawned to
// every watcher.
func (m *Manager) SpawnObject(idx Index, object, prefab uint32, data []byte) (BroadcastResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scopes[idx]
	if !ok {
		return BroadcastResult{}, ErrScopeNotFound
	}
	if _, exists := s.objects[object]; exists {
		return BroadcastResult{}, ErrObjectExists
	}

	obj := &Object{Scope: idx, Index: object, Prefab: prefab, Data: cloneBytes(data)}
	frame := (&protocol.ObjectSpawned{
		ScopeIndex:  uint32(idx),
		PrefabIndex: prefab,
		ObjectIndex: object,
		Data:        obj.Data,
	}).Frame()

	res, err := m.broadcastLocked(s.sortedWatchers(), frame, "spawn")
	if err != nil {
		return BroadcastResult{}, err
	}
	s.objects[object] = obj
	return res, nil
}

// RefreshObject broadcasts new state for a contained object. Containment
// is unchanged; the stored state is replaced so later catch-ups see it.
func (m *Manager) RefreshObject(idx Index, object uint32, data []byte) (BroadcastResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scopes[idx]
	if !ok {
		return BroadcastResult{}, ErrScopeNotFound
	}
	obj, ok := s.objects[object]
	if !ok {
		return BroadcastResult{}, ErrObjectNotFound
	}

	stored := cloneBytes(data)
	frame := (&protocol.ObjectRefreshed{ScopeIndex: uint32(idx), ObjectIndex: object, Data: stored}).Frame()
	res, err := m.broadcastLocked(s.sortedWatchers(), frame, "refresh")
	if err != nil {
		return BroadcastResult{}, err
	}
	obj.Data = stored
	return res, nil
}

// DespawnObject removes an object from the scope and broadcasts
// ObjectDespawned. Focus records pointing at it are kept.
func (m *Manager) DespawnObject(idx Index, object uint32) (BroadcastResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scopes[idx]
	if !ok {
		return BroadcastResult{}, ErrScopeNotFound
	}
	if _, ok := s.objects[object]; !ok {
		return BroadcastResult{}, ErrObjectNotFound
	}
	delete(s.objects, object)

	frame := (&protocol.ObjectDespawned{ScopeIndex: uint32(idx), ObjectIndex: object}).Frame()
	return m.broadcastLocked(s.sortedWatchers(), frame, "despawn")
}

// SendCommand broadcasts a state-change command for a contained object to
// the scope's watchers. Watchers apply commands in order.
func (m *Manager) SendCommand(idx Index, object uint32, data []byte) (BroadcastResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scopes[idx]
	if !ok {
		return BroadcastResult{}, ErrScopeNotFound
	}
	if _, ok := s.objects[object]; !ok {
		return BroadcastResult{}, ErrObjectNotFound
	}
	frame := (&protocol.Command{ScopeIndex: uint32(idx), ObjectIndex: object, Data: data}).Frame()
	return m.broadcastLocked(s.sortedWatchers(), frame, "command")
}

// Focus tells conn to pay special attention to an object. The object need
// not be spawned yet; the peer defers acting until it is.
func (m *Manager) Focus(conn registry.ConnID, idx Index, object uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scopes[idx]; !ok {
		return ErrScopeNotFound
	}
	if err := m.sendLocked(conn, (&protocol.FocusChanged{ScopeIndex: uint32(idx), ObjectIndex: object}).Frame()); err != nil {
		return err
	}
	byScope := m.focus[conn]
	if byScope == nil {
		byScope = make(map[Index]uint32)
		m.focus[conn] = byScope
	}
	byScope[idx] = object
	return nil
}

// Unfocus releases conn's focus in the scope without despawning anything.
// Returns ErrNotFocused, sending nothing, when there is no focus.
func (m *Manager) Unfocus(conn registry.ConnID, idx Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byScope := m.focus[conn]
	if _, ok := byScope[idx]; !ok {
		return ErrNotFocused
	}
	delete(byScope, idx)
	if len(byScope) == 0 {
		delete(m.focus, conn)
	}
	return m.sendLocked(conn, (&protocol.FocusReleased{ScopeIndex: uint32(idx)}).Frame())
}

// FocusOf returns conn's focused object in the scope.
func (m *Manager) FocusOf(conn registry.ConnID, idx Index) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.focus[conn][idx]
	return obj, ok
}

// Object returns a copy of a contained object.
func (m *Manager) Object(idx Index, object uint32) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scopes[idx]
	if !ok {
		return Object{}, false
	}
	obj, ok := s.objects[object]
	if !ok {
		return Object{}, false
	}
	cp := *obj
	cp.Data = cloneBytes(obj.Data)
	return cp, true
}

// Info summarizes one scope.
type Info struct {
	Index    Index             `json:"index"`
	Watchers []registry.ConnID `json:"watchers"`
	Objects  []uint32          `json:"objects"`
}

// Snapshot describes every scope in ascending index order.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.scopes))
	for _, s := range m.scopes {
		info := Info{Index: s.index, Watchers: s.sortedWatchers()}
		for _, obj := range s.sortedObjects() {
			info.Objects = append(info.Objects, obj.Index)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// broadcastLocked encodes the frame once and attempts delivery to every
// watcher independently. An encode failure aborts before any send.
func (m *Manager) broadcastLocked(watchers []registry.ConnID, f *protocol.Frame, kind string) (BroadcastResult, error) {
	data, err := protocol.EncodeFrame(f, m.maxSize)
	if err != nil {
		return BroadcastResult{}, err
	}

	var res BroadcastResult
	for _, id := range watchers {
		if err := m.sender.SendEncoded(id, data); err != nil {
			if res.Failed == nil {
				res.Failed = make(map[registry.ConnID]error)
			}
			res.Failed[id] = err
			continue
		}
		res.Delivered++
	}
	if len(res.Failed) > 0 {
		m.logger.Warn("partial broadcast",
			"kind", kind,
			"delivered", res.Delivered,
			"failed", len(res.Failed))
	}
	m.report(kind, res.Delivered, len(res.Failed))
	return res, nil
}

func (m *Manager) sendLocked(conn registry.ConnID, f *protocol.Frame) error {
	data, err := protocol.EncodeFrame(f, m.maxSize)
	if err != nil {
		return err
	}
	return m.sender.SendEncoded(conn, data)
}

func (m *Manager) report(kind string, delivered, failed int) {
	if m.observer != nil {
		m.observer.Broadcast(kind, delivered, failed)
	}
}

func (m *Manager) membershipChanged() {
	if m.observer == nil {
		return
	}
	watchers := 0
	for _, s := range m.scopes {
		watchers += len(s.watchers)
	}
	m.observer.MembershipChanged(len(m.scopes), watchers)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
