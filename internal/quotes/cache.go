package quotes

import (
	"context"
	"sync"
	"time"

	"github.com/sawpanic/fnorun/internal/metrics"
)

// DefaultTTL is how long a cached response stays fresh. Prices move fast
// intraday; 5s keeps repeat polls cheap without serving stale ticks.
const DefaultTTL = 5 * time.Second

type cacheEntry struct {
	value     interface{}
	fetchedAt time.Time
}

// Cache is an in-process TTL cache for governed API responses. Concurrent
// fetchers for the same cold key may each call fetch once; the duplicate
// call is accepted in exchange for never serializing fetchers behind a
// slow upstream.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates a cache with the given TTL. A zero ttl uses DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached value for key if it is still fresh.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().Sub(entry.fetchedAt) >= c.ttl {
		metrics.Default().CacheMisses.Inc()
		return nil, false
	}
	metrics.Default().CacheHits.Inc()
	return entry.value, true
}

// Set stores a value under key, stamped at the current clock.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
}

// GetOrFetch returns the fresh cached value for key, or invokes fetch and
// caches its result. Fetch errors are returned without caching, so the
// next caller retries.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(key, value)
	return value, nil
}

// Purge drops every cached entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
