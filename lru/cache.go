// Package lru implements a generic, thread-safe LRU cache with optional
// per-entry expiry.
//
// Lookups are O(1): a map indexes nodes of a doubly linked list kept in
// recency order. Expired entries are dropped lazily on access.
package lru

import (
	"sync"
	"time"
)

type node[K comparable, V any] struct {
	key     K
	val     V
	expires time.Time
	prev    *node[K, V]
	next    *node[K, V]
}

// Cache is a generic, thread-safe LRU cache.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	items    map[K]*node[K, V]
	head     *node[K, V] // most recently used (sentinel)
	tail     *node[K, V] // least recently used (sentinel)

	hits   uint64
	misses uint64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL expires entries ttl after they were stored. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache holding at most capacity entries.
// Panics if capacity < 1.
func New[K comparable, V any](capacity int, opts ...Option) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	head := &node[K, V]{}
	tail := &node[K, V]{}
	head.next = tail
	tail.prev = head

	return &Cache[K, V]{
		capacity: capacity,
		ttl:      o.ttl,
		now:      o.now,
		items:    make(map[K]*node[K, V], capacity),
		head:     head,
		tail:     tail,
	}
}

// Get returns the cached value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.lookup(key)
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.moveToFront(n)
	return n.val, true
}

// Put inserts or replaces key, evicting the least recently used entry when full.
func (c *Cache[K, V]) Put(key K, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if c.ttl > 0 {
		expires = c.now().Add(c.ttl)
	}

	if n, ok := c.items[key]; ok {
		n.val = val
		n.expires = expires
		c.moveToFront(n)
		return
	}

	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.remove(victim)
		delete(c.items, victim.key)
	}

	n := &node[K, V]{key: key, val: val, expires: expires}
	c.items[key] = n
	c.pushFront(n)
}

// GetOrLoad returns the cached value for key or stores the result of load.
// load runs without the cache lock held; errors are not cached.
func (c *Cache[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Put(key, v)
	return v, nil
}

// Delete removes key. Returns true if it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return false
	}
	c.remove(n)
	delete(c.items, key)
	return true
}

// DeleteFunc removes every entry whose key satisfies match and returns the count.
func (c *Cache[K, V]) DeleteFunc(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, n := range c.items {
		if match(k) {
			c.remove(n)
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included until touched.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit and miss counters.
func (c *Cache[K, V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// lookup finds a live node, dropping it if expired. Caller holds the lock.
func (c *Cache[K, V]) lookup(key K) (*node[K, V], bool) {
	n, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !n.expires.IsZero() && !c.now().Before(n.expires) {
		c.remove(n)
		delete(c.items, key)
		return nil, false
	}
	return n, true
}

func (c *Cache[K, V]) remove(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

func (c *Cache[K, V]) moveToFront(n *node[K, V]) {
	c.remove(n)
	c.pushFront(n)
}
