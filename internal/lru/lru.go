// Package lru provides a bounded, thread-safe LRU map whose evicted values
// are handed to a release callback. It is used to hold driver-owned
// resources (compiled stage handles) that must be destroyed, not merely
// forgotten, when they fall out of the cache.
package lru

import "sync"

// Cache is a generic LRU cache with a hard capacity.
//
// Cache is safe for concurrent use. The release callback runs outside the
// internal lock, after the entry is already unreachable.
type Cache[K comparable, V any] struct {
	mu        sync.Mutex
	entries   map[K]*entry[K, V]
	order     list[K]
	capacity  int
	release   func(K, V)
	evictions uint64
}

type entry[K comparable, V any] struct {
	value V
	node  *node[K]
}

// Stats contains cache statistics.
type Stats struct {
	// Len is the current number of entries.
	Len int
	// Capacity is the maximum number of entries (0 = unlimited).
	Capacity int
	// Evictions counts entries dropped because the cache was full.
	Evictions uint64
}

// New creates a cache holding at most capacity entries. A capacity of 0
// means unlimited. release may be nil.
func New[K comparable, V any](capacity int, release func(K, V)) *Cache[K, V] {
	if capacity < 0 {
		capacity = 0
	}
	return &Cache[K, V]{
		entries:  make(map[K]*entry[K, V]),
		capacity: capacity,
		release:  release,
	}
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.moveToFront(e.node)
	return e.value, true
}

// Set stores value under key. A replaced value and any entries evicted to
// make room are passed to the release callback.
func (c *Cache[K, V]) Set(key K, value V) {
	var dropped []kv[K, V]

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		dropped = append(dropped, kv[K, V]{key, e.value})
		e.value = value
		c.order.moveToFront(e.node)
	} else {
		for c.capacity > 0 && c.order.len >= c.capacity {
			oldest, ok := c.order.oldest()
			if !ok {
				break
			}
			old := c.entries[oldest]
			c.order.remove(old.node)
			delete(c.entries, oldest)
			c.evictions++
			dropped = append(dropped, kv[K, V]{oldest, old.value})
		}
		c.entries[key] = &entry[K, V]{value: value, node: c.order.pushFront(key)}
	}
	c.mu.Unlock()

	c.releaseAll(dropped)
}

// Take removes key and returns its value without releasing it. Ownership of
// the value passes to the caller.
func (c *Cache[K, V]) Take(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.remove(e.node)
	delete(c.entries, key)
	return e.value, true
}

// Delete removes key and releases its value.
// Returns true if the entry was found.
func (c *Cache[K, V]) Delete(key K) bool {
	v, ok := c.Take(key)
	if ok {
		c.releaseAll([]kv[K, V]{{key, v}})
	}
	return ok
}

// Purge releases and removes every entry.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	dropped := make([]kv[K, V], 0, len(c.entries))
	for k, e := range c.entries {
		dropped = append(dropped, kv[K, V]{k, e.value})
	}
	c.entries = make(map[K]*entry[K, V])
	c.order = list[K]{}
	c.mu.Unlock()

	c.releaseAll(dropped)
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Len:       len(c.entries),
		Capacity:  c.capacity,
		Evictions: c.evictions,
	}
}

type kv[K comparable, V any] struct {
	key   K
	value V
}

func (c *Cache[K, V]) releaseAll(dropped []kv[K, V]) {
	if c.release == nil {
		return
	}
	for _, d := range dropped {
		c.release(d.key, d.value)
	}
}
