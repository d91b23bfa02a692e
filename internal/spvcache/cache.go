// Package spvcache memoizes shader compilation results by source hash so
// that a hot-reload which restores earlier source, or two shader names
// sharing one source, do not pay for a second compile.
package spvcache

import (
	"hash/fnv"
	"sync"
)

// Key returns the cache key of shader source text.
func Key(src string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(src))
	return h.Sum64()
}

// Cache is an LRU cache of compiled shaders with a soft limit.
// When the cache exceeds its soft limit, the least recently used quarter of
// the entries is evicted.
//
// Cache is safe for concurrent use and must not be copied.
type Cache[V any] struct {
	mu        sync.Mutex
	entries   map[uint64]*entry[V]
	softLimit int
	tick      int64

	hits, misses, evictions uint64
}

type entry[V any] struct {
	value V
	atime int64
}

// New creates a cache holding about softLimit entries. Zero means unlimited.
func New[V any](softLimit int) *Cache[V] {
	return &Cache[V]{
		entries:   make(map[uint64]*entry[V]),
		softLimit: softLimit,
	}
}

// Get returns the compiled value for src.
func (c *Cache[V]) Get(src string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(Key(src))
}

func (c *Cache[V]) getLocked(key uint64) (V, bool) {
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.tick++
	e.atime = c.tick
	return e.value, true
}

// GetOrCompile returns the cached value for src, or calls compile and caches
// its result. Failed compiles are not cached so a fixed source is retried.
func (c *Cache[V]) GetOrCompile(src string, compile func(string) (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(src)
	if v, ok := c.getLocked(key); ok {
		return v, nil
	}
	v, err := compile(src)
	if err != nil {
		var zero V
		return zero, err
	}
	c.tick++
	c.entries[key] = &entry[V]{value: v, atime: c.tick}
	if c.softLimit > 0 && len(c.entries) > c.softLimit {
		c.evictOldest()
	}
	return v, nil
}

// Clear drops every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*entry[V])
	c.tick = 0
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats reports cache usage.
type Stats struct {
	Len       int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns a snapshot of cache usage.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Len: len(c.entries), Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}

// evictOldest removes the least recently used entries until the cache is at
// three quarters of its soft limit. Caller must hold c.mu.
func (c *Cache[V]) evictOldest() {
	target := max(c.softLimit*3/4, 1)
	toEvict := len(c.entries) - target
	if toEvict <= 0 {
		return
	}

	type aged struct {
		key   uint64
		atime int64
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.atime})
	}
	// Partial selection sort: only the first toEvict positions matter.
	for i := 0; i < toEvict; i++ {
		oldest := i
		for j := i + 1; j < len(all); j++ {
			if all[j].atime < all[oldest].atime {
				oldest = j
			}
		}
		all[i], all[oldest] = all[oldest], all[i]
		delete(c.entries, all[i].key)
		c.evictions++
	}
}
