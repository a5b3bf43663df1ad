package cache

import (
	"sync"
)

// ParseCache memoizes string-to-float32 repair parses. Implementations must
// be safe for concurrent use.
type ParseCache interface {
	// Get retrieves a previously parsed value.
	Get(key string) (float32, bool)
	// Put stores a parsed value.
	Put(key string, val float32)
	// Size returns the number of cached entries.
	Size() int
}

// MapCache is a simple in-memory implementation of ParseCache. It never
// evicts, which suits low-cardinality categorical columns; hand an evicting
// implementation to the repair policy for unbounded key spaces.
type MapCache struct {
	data map[string]float32
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[string]float32),
	}
}

func (c *MapCache) Get(key string) (float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *MapCache) Put(key string, val float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = val
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
