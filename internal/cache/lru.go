// Package cache provides the fixed-capacity LRU cache used to memoize
// expensive post-processing of rendered documents.
package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// DefaultCapacity is the entry count used for critical CSS results.
const DefaultCapacity = 50

// LRU is a fixed-capacity string cache with least-recently-used eviction.
// Get and Put are O(1). It is safe for concurrent use.
type LRU struct {
	entries  map[string]*entry
	mutex    sync.Mutex
	capacity int
	// LRU implementation: head.next is most recent, tail.prev least recent
	head *entry
	tail *entry
	// Statistics tracking (atomic for thread safety)
	hits      int64
	misses    int64
	evictions int64

	group singleflight.Group
}

type entry struct {
	key   string
	value string
	prev  *entry
	next  *entry
}

// NewLRU creates a cache holding at most capacity entries. Capacities below
// one are raised to one.
func NewLRU(capacity int) *LRU {
	if capacity < 1 {
		capacity = 1
	}
	c := &LRU{
		entries:  make(map[string]*entry, capacity),
		capacity: capacity,
		head:     &entry{},
		tail:     &entry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get returns the cached value for key and marks it most recently used.
func (c *LRU) Get(key string) (string, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e, ok := c.entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return "", false
	}

	c.moveToFront(e)
	atomic.AddInt64(&c.hits, 1)
	return e.value, true
}

// Put stores value under key. An existing key is updated in place and
// refreshed; a new key beyond capacity evicts exactly the least recently
// used entry.
func (c *LRU) Put(key, value string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	if len(c.entries) >= c.capacity {
		lru := c.tail.prev
		c.removeFromList(lru)
		delete(c.entries, lru.key)
		atomic.AddInt64(&c.evictions, 1)
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)
}

// GetOrCompute returns the cached value for key, or runs compute and stores
// its result. Concurrent misses on the same key share one compute call,
// which runs detached from the cancellation of whichever caller started it.
// A caller whose ctx ends stops waiting with ctx.Err(). Errors are returned
// to every waiter and nothing is cached. The reported bool is true on a
// cache hit.
func (c *LRU) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (string, error)) (string, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		if v, ok := c.peek(key); ok {
			return v, nil
		}
		out, err := compute(detached)
		if err != nil {
			return "", err
		}
		c.Put(key, out)
		return out, nil
	})

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", false, res.Err
		}
		return res.Val.(string), false, nil
	}
}

// peek reads without touching recency or statistics.
func (c *LRU) peek(key string) (string, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.value, true
	}
	return "", false
}

// Len returns the number of cached entries.
func (c *LRU) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// Capacity returns the maximum number of entries.
func (c *LRU) Capacity() int {
	return c.capacity
}

// Keys returns keys from most to least recently used.
func (c *LRU) Keys() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	keys := make([]string, 0, len(c.entries))
	for e := c.head.next; e != c.tail; e = e.next {
		keys = append(keys, e.key)
	}
	return keys
}

// Clear drops all entries and resets statistics.
func (c *LRU) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries = make(map[string]*entry, c.capacity)
	c.head.next = c.tail
	c.tail.prev = c.head

	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
	atomic.StoreInt64(&c.evictions, 0)
}

// GetHits returns the number of cache hits
func (c *LRU) GetHits() int64 {
	return atomic.LoadInt64(&c.hits)
}

// GetMisses returns the number of cache misses
func (c *LRU) GetMisses() int64 {
	return atomic.LoadInt64(&c.misses)
}

// GetEvictions returns the number of evictions
func (c *LRU) GetEvictions() int64 {
	return atomic.LoadInt64(&c.evictions)
}

// GetHitRate returns the hit rate in the range 0.0 to 1.0
func (c *LRU) GetHitRate() float64 {
	hits := atomic.LoadInt64(&c.hits)
	total := hits + atomic.LoadInt64(&c.misses)
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

// LRU doubly-linked list operations
func (c *LRU) addToFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *LRU) removeFromList(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (c *LRU) moveToFront(e *entry) {
	c.removeFromList(e)
	c.addToFront(e)
}
