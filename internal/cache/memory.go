package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	value      V
	expiration int64
}

// MemoryCache is a TTL map with lazy expiration on Get. Only cache values
// that never change once written (e.g. email hash -> user id); anything
// mutable, such as a tier, must be read from the store.
type MemoryCache[V any] struct {
	items map[string]item[V]
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
}

func NewMemoryCache[V any](ttl time.Duration) *MemoryCache[V] {
	return &MemoryCache[V]{
		items: make(map[string]item[V]),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *MemoryCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = item[V]{
		value:      value,
		expiration: c.now().Add(c.ttl).UnixNano(),
	}
}

func (c *MemoryCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	it, found := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !found {
		return zero, false
	}
	if c.now().UnixNano() > it.expiration {
		c.Delete(key)
		return zero, false
	}
	return it.value, true
}

func (c *MemoryCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *MemoryCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
