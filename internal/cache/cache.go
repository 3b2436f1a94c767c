// Package cache provides a small TTL cache abstraction. It replaces ad-hoc
// global maps: every user injects the implementation it wants, and both
// implementations carry explicit TTL and size bounds.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is a byte-value cache with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a concurrency-safe in-process cache bounded by item count.
// When full it evicts expired entries first, then the entry closest to expiry.
type MemoryCache struct {
	mu       sync.Mutex
	items    map[string]entry
	maxItems int
}

// NewMemoryCache creates a MemoryCache holding at most maxItems entries.
func NewMemoryCache(maxItems int) *MemoryCache {
	if maxItems <= 0 {
		maxItems = 1024
	}
	return &MemoryCache{
		items:    make(map[string]entry),
		maxItems: maxItems,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxItems {
		c.evictLocked()
	}
	c.items[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
}

func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// evictLocked removes expired entries, falling back to the entry with the
// earliest expiry so a Set always finds room.
func (c *MemoryCache) evictLocked() {
	now := time.Now()
	var (
		oldestKey string
		oldestExp time.Time
	)
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, k)
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldestExp) {
			oldestKey = k
			oldestExp = e.expiresAt
		}
	}
	if len(c.items) >= c.maxItems && oldestKey != "" {
		delete(c.items, oldestKey)
	}
}
