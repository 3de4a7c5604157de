package util

import "sync"

// Ring is a fixed-capacity circular buffer; Append overwrites the oldest
// entry when full. Safe for concurrent use.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	n     int
}

// NewRing creates a ring with the given capacity (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Append adds an item, evicting the oldest when full.
func (r *Ring[T]) Append(item T) {
	r.mu.Lock()
	if r.n == len(r.items) {
		r.items[r.start] = item
		r.start = (r.start + 1) % len(r.items)
	} else {
		r.items[(r.start+r.n)%len(r.items)] = item
		r.n++
	}
	r.mu.Unlock()
}

// Snapshot returns the stored items oldest-first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}

// Last returns up to n of the most recent items, oldest-first.
func (r *Ring[T]) Last(n int) []T {
	all := r.Snapshot()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Len returns the number of stored items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}
