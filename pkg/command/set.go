package command

import (
	"sort"
	"sync"
)

// Key identifies a synchronized object.
type Key struct {
	Scope  uint32
	Object uint32
}

// Set holds one Queue per object, created on first Enqueue.
type Set struct {
	mu     sync.Mutex
	queues map[Key]*Queue
	policy Policy
	opts   []Option
}

// NewSet creates a Set whose queues share the policy and options.
func NewSet(policy Policy, opts ...Option) *Set {
	return &Set{
		queues: make(map[Key]*Queue),
		policy: policy,
		opts:   opts,
	}
}

// Enqueue appends a command to the object's queue.
func (s *Set) Enqueue(k Key, payload []byte) uint64 {
	s.mu.Lock()
	q, ok := s.queues[k]
	if !ok {
		q = NewQueue(s.policy, s.opts...)
		s.queues[k] = q
	}
	s.mu.Unlock()
	return q.Enqueue(payload)
}

// Queue returns the object's queue.
func (s *Set) Queue(k Key) (*Queue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[k]
	return q, ok
}

// Remove drops the object's queue and any pending commands.
func (s *Set) Remove(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[k]; !ok {
		return false
	}
	delete(s.queues, k)
	return true
}

// RemoveScope drops every queue in a scope and returns how many were
// removed.
func (s *Set) RemoveScope(scope uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.queues {
		if k.Scope == scope {
			delete(s.queues, k)
			n++
		}
	}
	return n
}

// Tick ticks every queue in (scope, object) order and returns the total
// number of commands applied.
func (s *Set) Tick(apply func(k Key, e Entry)) int {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.queues))
	queues := make(map[Key]*Queue, len(s.queues))
	for k, q := range s.queues {
		keys = append(keys, k)
		queues[k] = q
	}
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Scope != keys[j].Scope {
			return keys[i].Scope < keys[j].Scope
		}
		return keys[i].Object < keys[j].Object
	})

	total := 0
	for _, k := range keys {
		total += queues[k].Tick(func(e Entry) { apply(k, e) })
	}
	return total
}

// Backlog returns the number of pending commands across all queues.
func (s *Set) Backlog() int {
	s.mu.Lock()
	queues := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	n := 0
	for _, q := range queues {
		n += q.Len()
	}
	return n
}

// Len returns the number of queues.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}
