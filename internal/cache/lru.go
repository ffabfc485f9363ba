// Package cache provides a bounded LRU keyed by content fingerprints, with
// at-most-one computation per missing key.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
)

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// call is the in-flight marker for a key being computed.
type call[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// LRU is a fixed-capacity least-recently-used cache. All state is guarded
// by one mutex; computations run outside it.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	items    map[K]*list.Element
	inflight map[K]*call[V]

	hits, misses, evictions uint64
}

// New creates a cache holding at most capacity entries. A non-positive
// capacity is a programming error.
func New[K comparable, V any](capacity int) *LRU[K, V] {
	if capacity <= 0 {
		panic(fmt.Sprintf("cache: capacity must be positive, got %d", capacity))
	}
	return &LRU[K, V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
		inflight: make(map[K]*call[V]),
	}
}

// GetOrCompute returns the cached value for key, computing it with fn on a
// miss. Concurrent callers for the same missing key share one fn
// invocation. Failed computations are not cached. If the computing caller
// is cancelled, waiters whose own context is still live retry.
func (c *LRU[K, V]) GetOrCompute(ctx context.Context, key K, fn func(context.Context) (V, error)) (V, error) {
	for {
		c.mu.Lock()
		if el, ok := c.items[key]; ok {
			c.order.MoveToFront(el)
			c.hits++
			v := el.Value.(*entry[K, V]).value
			c.mu.Unlock()
			return v, nil
		}

		if pending, ok := c.inflight[key]; ok {
			c.mu.Unlock()
			select {
			case <-pending.done:
			case <-ctx.Done():
				var zero V
				return zero, ctx.Err()
			}
			if pending.err != nil && isCancellation(pending.err) && ctx.Err() == nil {
				continue
			}
			return pending.value, pending.err
		}

		c.misses++
		pending := &call[V]{done: make(chan struct{})}
		c.inflight[key] = pending
		c.mu.Unlock()

		return c.compute(ctx, key, pending, fn)
	}
}

func (c *LRU[K, V]) compute(ctx context.Context, key K, pending *call[V], fn func(context.Context) (V, error)) (v V, err error) {
	completed := false
	defer func() {
		res, resErr := v, err
		if !completed {
			// fn panicked; release waiters before the panic propagates.
			var zero V
			res, resErr = zero, errPanicked
		}
		c.mu.Lock()
		delete(c.inflight, key)
		if resErr == nil {
			c.insertLocked(key, res)
		}
		c.mu.Unlock()
		pending.value, pending.err = res, resErr
		close(pending.done)
	}()

	v, err = fn(ctx)
	completed = true
	return v, err
}

// insertLocked adds or refreshes key and evicts past capacity. c.mu is held.
func (c *LRU[K, V]) insertLocked(key K, value V) {
	if el, ok := c.items[key]; ok {
		el.Value.(*entry[K, V]).value = value
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry[K, V]).key)
		c.evictions++
	}
	if c.order.Len() != len(c.items) {
		panic(fmt.Sprintf("cache: order list has %d entries, index has %d", c.order.Len(), len(c.items)))
	}
}

// Get returns the cached value and refreshes its recency.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		c.hits++
		return el.Value.(*entry[K, V]).value, true
	}
	c.misses++
	var zero V
	return zero, false
}

// Put stores a value directly, bypassing computation.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(key, value)
}

// Contains reports presence without touching recency or stats.
func (c *LRU[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Remove deletes key; it reports whether the key was present.
func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.items, key)
	return true
}

// Purge drops every entry and resets the counters. In-flight computations
// still complete and insert their results.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.items)
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns usage counters.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:      c.order.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

var errPanicked = errors.New("cache: computation panicked")

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
