package cache

import (
	"sync"

	"github.com/clipforge/clipforge-api/log"
)

// Cache is the in-memory map the coordinator keeps of work it has accepted
// but not yet finished, keyed by worker task id. It only ever reflects this
// process; the task store stays the durable record.
type Cache[T interface{}] struct {
	cache map[string]T
	mutex sync.RWMutex
}

func New[T interface{}]() *Cache[T] {
	return &Cache[T]{
		cache: make(map[string]T),
	}
}

func (c *Cache[T]) Remove(requestID, key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.cache, key)
	log.Log(requestID, "Removed from cache", "key", key)
}

// Get returns the zero value when the key is absent, so callers holding
// pointer types can test for nil directly.
func (c *Cache[T]) Get(key string) T {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	info, ok := c.cache[key]
	if ok {
		return info
	}
	var zero T
	return zero
}

func (c *Cache[T]) Count() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.cache)
}

func (c *Cache[T]) Store(key string, value T) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache[key] = value
}
