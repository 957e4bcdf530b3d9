package client

import (
	"sort"
	"sync"
)

// Object is the replica of one synchronized object.
type Object struct {
	Scope  uint32
	Index  uint32
	Prefab uint32
	Data   []byte
}

// World is the client's replica of every object it has been sent, grouped
// by scope, plus the focus state per scope.
//
// A focus that names an object not yet spawned is held as pending and
// applied when the spawn arrives. A despawned focus target returns to
// pending, since the server still considers it focused.
type World struct {
	mu      sync.RWMutex
	scopes  map[uint32]map[uint32]*Object
	focus   map[uint32]uint32
	pending map[uint32]uint32
}

// NewWorld creates an empty replica.
func NewWorld() *World {
	return &World{
		scopes:  make(map[uint32]map[uint32]*Object),
		focus:   make(map[uint32]uint32),
		pending: make(map[uint32]uint32),
	}
}

// Object returns a copy of one object.
func (w *World) Object(scope, index uint32) (Object, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	obj, ok := w.scopes[scope][index]
	if !ok {
		return Object{}, false
	}
	return obj.clone(), true
}

// Objects returns copies of a scope's objects in ascending index order.
func (w *World) Objects(scope uint32) []Object {
	w.mu.RLock()
	defer w.mu.RUnlock()
	objs := w.scopes[scope]
	out := make([]Object, 0, len(objs))
	for _, obj := range objs {
		out = append(out, obj.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Scopes returns the indices of scopes holding at least one object.
func (w *World) Scopes() []uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]uint32, 0, len(w.scopes))
	for idx := range w.scopes {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of replicated objects.
func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := 0
	for _, objs := range w.scopes {
		n += len(objs)
	}
	return n
}

// Focus returns the focused object of a scope once it has been spawned.
func (w *World) Focus(scope uint32) (Object, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	idx, ok := w.focus[scope]
	if !ok {
		return Object{}, false
	}
	return w.scopes[scope][idx].clone(), true
}

// PendingFocus returns a focus target that has not been spawned yet.
func (w *World) PendingFocus(scope uint32) (uint32, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	idx, ok := w.pending[scope]
	return idx, ok
}

// spawn stores an object and reports whether it resolved a pending focus.
func (w *World) spawn(obj Object) (stored Object, focused bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	objs, ok := w.scopes[obj.Scope]
	if !ok {
		objs = make(map[uint32]*Object)
		w.scopes[obj.Scope] = objs
	}
	cp := obj.clone()
	objs[obj.Index] = &cp
	if idx, ok := w.pending[obj.Scope]; ok && idx == obj.Index {
		delete(w.pending, obj.Scope)
		w.focus[obj.Scope] = obj.Index
		focused = true
	}
	return cp.clone(), focused
}

// refresh replaces an object's state.
func (w *World) refresh(scope, index uint32, data []byte) (Object, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	obj, ok := w.scopes[scope][index]
	if !ok {
		return Object{}, false
	}
	obj.Data = append([]byte(nil), data...)
	return obj.clone(), true
}

// despawn removes an object. A focused object becomes a pending focus.
func (w *World) despawn(scope, index uint32) (Object, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	objs := w.scopes[scope]
	obj, ok := objs[index]
	if !ok {
		return Object{}, false
	}
	delete(objs, index)
	if len(objs) == 0 {
		delete(w.scopes, scope)
	}
	if idx, ok := w.focus[scope]; ok && idx == index {
		delete(w.focus, scope)
		w.pending[scope] = index
	}
	return *obj, true
}

// setFocus focuses an object, deferring it when the object is unknown.
func (w *World) setFocus(scope, index uint32) (Object, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	obj, ok := w.scopes[scope][index]
	if !ok {
		delete(w.focus, scope)
		w.pending[scope] = index
		return Object{}, false
	}
	delete(w.pending, scope)
	w.focus[scope] = index
	return obj.clone(), true
}

// releaseFocus clears applied and pending focus for a scope.
func (w *World) releaseFocus(scope uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.focus, scope)
	delete(w.pending, scope)
}

func (o *Object) clone() Object {
	cp := *o
	if o.Data != nil {
		cp.Data = append([]byte(nil), o.Data...)
	}
	return cp
}
