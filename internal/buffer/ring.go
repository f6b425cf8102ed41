// Package buffer provides a bounded ring used for in-memory room history.
package buffer

import (
	"sync"
)

// Ring is a thread-safe circular buffer that keeps the most recent items up
// to a fixed capacity. When full, the oldest item is discarded on Push.
type Ring[T any] struct {
	items    []T
	start    int
	count    int
	capacity int
	mu       sync.RWMutex
}

// NewRing creates a Ring with the given capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an item, evicting the oldest one if the ring is full.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < r.capacity {
		r.items[(r.start+r.count)%r.capacity] = item
		r.count++
		return
	}

	r.items[r.start] = item
	r.start = (r.start + 1) % r.capacity
}

// Items returns a copy of the stored items, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}

	result := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		result[i] = r.items[(r.start+i)%r.capacity]
	}
	return result
}

// Clear removes all items.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.start = 0
	r.count = 0
}

// Len returns the number of stored items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return r.capacity
}
