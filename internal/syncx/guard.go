// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// RWGuard owns a value and serializes access to it.
type RWGuard[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewGuard creates a guarded value.
func NewGuard[T any](initial T) *RWGuard[T] {
	return &RWGuard[T]{value: initial}
}

// Update replaces the value with fn(current) under the write lock and
// returns the new value.
func (g *RWGuard[T]) Update(fn func(T) T) T {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = fn(g.value)
	return g.value
}

// Get returns a copy of the value (T should be value type or immutable).
func (g *RWGuard[T]) Get() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}
