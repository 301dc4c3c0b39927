package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count   int64
	value   string
	expires time.Time
}

// MemoryCache is an in-process Cache and KV cache. It backs single-process
// deployments and tests; multi-worker deployments use the store-backed cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryCache builds an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]*memoryEntry{}, now: time.Now}
}

// SetClock overrides the time source, for tests.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *MemoryCache) live(key string) *memoryEntry {
	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if !entry.expires.IsZero() && !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return nil
	}
	return entry
}

// Increment implements Cache.
func (c *MemoryCache) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.live(key)
	if entry == nil {
		entry = &memoryEntry{expires: c.now().Add(ttl)}
		c.entries[key] = entry
	}
	entry.count++
	return entry.count, nil
}

// Counter implements Cache.
func (c *MemoryCache) Counter(_ context.Context, key string) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.live(key)
	if entry == nil {
		return 0, 0, nil
	}
	return entry.count, entry.expires.Sub(c.now()), nil
}

// Get returns the string value under key when a live entry exists.
func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.live(key)
	if entry == nil {
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key for ttl. A zero ttl never expires.
func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := &memoryEntry{value: value}
	if ttl > 0 {
		entry.expires = c.now().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}
