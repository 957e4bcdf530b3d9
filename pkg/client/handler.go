package client

import "github.com/vango-dev/scopesync/pkg/command"

// Handler receives replica events. Scope events run on the connection's
// read goroutine after the World has been updated; Command runs from Tick
// on the caller's goroutine. Implementations resolve prefab indices to
// game objects.
type Handler interface {
	ObjectSpawned(obj Object)
	ObjectRefreshed(obj Object)
	ObjectDespawned(obj Object)
	// FocusChanged runs when a focus is applied, which may be later than
	// the FocusChanged message if the object had not been spawned yet.
	FocusChanged(obj Object)
	FocusReleased(scope uint32)
	Command(scope, object uint32, e command.Entry)
}

// NopHandler ignores every event. Embed it to implement a subset.
type NopHandler struct{}

func (NopHandler) ObjectSpawned(Object) {}
func (NopHandler) ObjectRefreshed(Object) {}
func (NopHandler) ObjectDespawned(Object) {}
func (NopHandler) FocusChanged(Object) {}
func (NopHandler) FocusReleased(uint32) {}
func (NopHandler) Command(uint32, uint32, command.Entry) {}
