package ble

import (
	"slices"
	"sync"
)

// Registry is the set of currently connected centrals. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.Mutex
	conns map[ConnHandle]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[ConnHandle]struct{})}
}

// Add inserts h and reports whether it was not already present.
func (r *Registry) Add(h ConnHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[h]; ok {
		return false
	}
	r.conns[h] = struct{}{}
	return true
}

// Remove deletes h and reports whether it was present. Removing an absent
// handle is a no-op; stacks may repeat or reorder disconnect events.
func (r *Registry) Remove(h ConnHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[h]; !ok {
		return false
	}
	delete(r.conns, h)
	return true
}

// Snapshot returns a copy of the members in ascending order.
func (r *Registry) Snapshot() []ConnHandle {
	r.mu.Lock()
	out := make([]ConnHandle, 0, len(r.conns))
	for h := range r.conns {
		out = append(out, h)
	}
	r.mu.Unlock()
	slices.Sort(out)
	return out
}

// Len returns the number of connected centrals.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
