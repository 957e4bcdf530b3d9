// Package registry assigns connection identifiers and routes outgoing
// frames to the endpoint behind each identifier.
package registry

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/vango-dev/scopesync/pkg/protocol"
)

// ConnID identifies a registered connection. LocalConnID is reserved for
// the in-process loopback peer.
type ConnID uint64

// LocalConnID is the identifier of the local loopback connection.
const LocalConnID ConnID = 0

// Registry errors.
var (
	ErrIDSpaceExhausted = errors.New("registry: connection id space exhausted")
	ErrNotRegistered    = errors.New("registry: connection not registered")
	ErrNilEndpoint      = errors.New("registry: nil endpoint")
	ErrLoopbackClosed   = errors.New("registry: loopback closed")
)

// Endpoint is anything a frame can be sent to.
type Endpoint interface {
	Send(f *protocol.Frame) error
	// SendEncoded queues bytes already holding a complete encoded frame.
	SendEncoded(data []byte) error
	Close() error
}

// Registry maps connection ids to endpoints.
type Registry struct {
	mu     sync.RWMutex
	byID   map[ConnID]Endpoint
	byEnd  map[Endpoint]ConnID
	next   ConnID
	maxID  ConnID
	hasLoc bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxID lowers the largest assignable id. Used to exercise exhaustion.
func WithMaxID(max ConnID) Option {
	return func(r *Registry) {
		if max > LocalConnID {
			r.maxID = max
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byID:  make(map[ConnID]Endpoint),
		byEnd: make(map[Endpoint]ConnID),
		next:  1,
		maxID: math.MaxUint64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers an endpoint and returns its id. Ids increase
// monotonically; once the counter reaches the maximum, freed ids are
// reused by a linear scan. Registering an endpoint twice returns its
// existing id.
func (r *Registry) Connect(ep Endpoint) (ConnID, error) {
	if ep == nil {
		return 0, ErrNilEndpoint
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byEnd[ep]; ok {
		return id, nil
	}

	id, err := r.allocate()
	if err != nil {
		return 0, err
	}
	r.byID[id] = ep
	r.byEnd[ep] = id
	return id, nil
}

func (r *Registry) allocate() (ConnID, error) {
	if r.next != LocalConnID {
		id := r.next
		if id == r.maxID {
			// Park the counter; later calls fall through to the scan.
			r.next = LocalConnID
		} else {
			r.next++
		}
		if _, taken := r.byID[id]; !taken {
			return id, nil
		}
	}

	used := uint64(len(r.byID))
	if r.hasLoc {
		used--
	}
	if used >= uint64(r.maxID) {
		return 0, ErrIDSpaceExhausted
	}
	for id := ConnID(1); ; id++ {
		if _, taken := r.byID[id]; !taken {
			return id, nil
		}
		if id == r.maxID {
			return 0, ErrIDSpaceExhausted
		}
	}
}

// SetLocal registers the loopback endpoint under LocalConnID, replacing
// any previous one.
func (r *Registry) SetLocal(ep Endpoint) error {
	if ep == nil {
		return ErrNilEndpoint
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[LocalConnID]; ok {
		delete(r.byEnd, old)
	}
	if prev, ok := r.byEnd[ep]; ok {
		delete(r.byID, prev)
	}
	r.byID[LocalConnID] = ep
	r.byEnd[ep] = LocalConnID
	r.hasLoc = true
	return nil
}

// Disconnect removes an id. Returns the endpoint that was registered, or
// false if none was.
func (r *Registry) Disconnect(id ConnID) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	delete(r.byEnd, ep)
	if id == LocalConnID {
		r.hasLoc = false
	}
	return ep, true
}

// DisconnectEndpoint removes an endpoint by identity.
func (r *Registry) DisconnectEndpoint(ep Endpoint) (ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byEnd[ep]
	if !ok {
		return 0, false
	}
	delete(r.byID, id)
	delete(r.byEnd, ep)
	if id == LocalConnID {
		r.hasLoc = false
	}
	return id, true
}

// Lookup returns the endpoint registered under id.
func (r *Registry) Lookup(id ConnID) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byID[id]
	return ep, ok
}

// Registered reports whether id is currently registered.
func (r *Registry) Registered(id ConnID) bool {
	_, ok := r.Lookup(id)
	return ok
}

// IDOf returns the id registered for an endpoint.
func (r *Registry) IDOf(ep Endpoint) (ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEnd[ep]
	return id, ok
}

// Send routes a frame to the endpoint registered under id.
func (r *Registry) Send(id ConnID, f *protocol.Frame) error {
	ep, ok := r.Lookup(id)
	if !ok {
		return &SendError{ID: id, Err: ErrNotRegistered}
	}
	if err := ep.Send(f); err != nil {
		return &SendError{ID: id, Err: err}
	}
	return nil
}

// SendEncoded routes pre-encoded frame bytes to the endpoint under id.
func (r *Registry) SendEncoded(id ConnID, data []byte) error {
	ep, ok := r.Lookup(id)
	if !ok {
		return &SendError{ID: id, Err: ErrNotRegistered}
	}
	if err := ep.SendEncoded(data); err != nil {
		return &SendError{ID: id, Err: err}
	}
	return nil
}

// Count returns the number of registered connections, including the
// loopback.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []ConnID {
	r.mu.RLock()
	ids := make([]ConnID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SendError reports a failed send to a specific connection.
type SendError struct {
	ID  ConnID
	Err error
}

// Error returns the error message.
func (e *SendError) Error() string {
	return fmt.Sprintf("registry: send to connection %d: %v", e.ID, e.Err)
}

// Unwrap returns the underlying error.
func (e *SendError) Unwrap() error {
	return e.Err
}
