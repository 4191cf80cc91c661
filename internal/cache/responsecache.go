package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// responseCache is the small FIFO-TTL micro-cache sitting above scan
// (spec.md §4.3, §4.7: "key = hash of query params, TTL 30s"), adapted
// from the teacher's frameworks/pkg/cache.Cache — trimmed to what the
// spec actually asks for (no stale-while-revalidate, no negative caching)
// and given a Purge for the "purge on every insert batch completion" rule.
type responseCache struct {
	mu    sync.RWMutex
	items map[string]responseEntry
	order []string
	ttl   time.Duration
	max   int
	sf    singleflight.Group
}

type responseEntry struct {
	value     interface{}
	expiresAt time.Time
}

func newResponseCache(ttl time.Duration, maxEntries int) *responseCache {
	return &responseCache{
		items: make(map[string]responseEntry),
		order: make([]string, 0, maxEntries),
		ttl:   ttl,
		max:   maxEntries,
	}
}

// GetOrCompute returns the cached value for key if fresh, otherwise calls
// compute exactly once even under concurrent callers for the same key
// (singleflight), storing and returning its result.
func (c *responseCache) GetOrCompute(key string, compute func() interface{}) (value interface{}, hit bool) {
	now := time.Now()
	c.mu.RLock()
	if e, ok := c.items[key]; ok && now.Before(e.expiresAt) {
		c.mu.RUnlock()
		return e.value, true
	}
	c.mu.RUnlock()

	result, _, _ := c.sf.Do(key, func() (interface{}, error) {
		v := compute()
		c.store(key, v)
		return v, nil
	})
	return result, false
}

func (c *responseCache) store(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = responseEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
	if c.max > 0 {
		for len(c.order) > c.max {
			victim := c.order[0]
			c.order = c.order[1:]
			delete(c.items, victim)
		}
	}
}

// Purge drops every cached response (spec.md §4.7: "purge on every insert
// batch completion").
func (c *responseCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]responseEntry)
	c.order = c.order[:0]
}
