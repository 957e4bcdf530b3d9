// Package scope decides which connections learn about which synchronized
// objects.
//
// A scope is a visibility partition holding a set of watcher connections
// and a set of contained objects. Watchers receive ObjectSpawned,
// ObjectRefreshed, ObjectDespawned and Command frames for the scope's
// objects. A connection that starts watching receives a catch-up
// ObjectSpawned for every object already present, so no special
// first-message protocol is needed.
//
// Focus is independent of visibility: it points one connection at one
// object (typically the one it controls) and may reference an object the
// connection has not been sent yet.
//
// Broadcasts are attempted per watcher. A failing watcher lands in
// BroadcastResult.Failed and never blocks delivery to the others.
package scope
