// Package cache provides caching implementations for Kestrel.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultLocalMaxSize = 10000
	defaultLocalTTL     = 5 * time.Minute
)

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// LocalCache is an in-process LRU cache with per-entry TTL.
// Used as the Community tier cache and as L1 in two-phase caching.
// Entries never outlive maxTTL regardless of the TTL they were set with.
type LocalCache struct {
	mu     sync.Mutex // serialises SetNX check-and-add
	items  *expirable.LRU[string, localEntry]
	size   int
	maxTTL time.Duration
}

// NewLocalCache creates a local cache holding up to maxSize entries.
func NewLocalCache(maxSize int, maxTTL time.Duration) *LocalCache {
	if maxSize <= 0 {
		maxSize = defaultLocalMaxSize
	}
	if maxTTL <= 0 {
		maxTTL = defaultLocalTTL
	}
	return &LocalCache{
		items:  expirable.NewLRU[string, localEntry](maxSize, nil, maxTTL),
		size:   maxSize,
		maxTTL: maxTTL,
	}
}

// Get retrieves a value from cache.
func (c *LocalCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fullKey := makeKey(tenantID, key)
	entry, ok := c.items.Get(fullKey)
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.items.Remove(fullKey)
		return nil, nil
	}
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LocalCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	c.items.Add(makeKey(tenantID, key), c.entry(value, ttl))
	return nil
}

// SetNX stores a value only if no live entry exists for the key.
func (c *LocalCache) SetNX(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("tenantID is required")
	}

	fullKey := makeKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items.Peek(fullKey); ok && time.Now().Before(entry.expiresAt) {
		return false, nil
	}
	c.items.Add(fullKey, c.entry(value, ttl))
	return true, nil
}

// Delete removes a value from cache.
func (c *LocalCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	c.items.Remove(makeKey(tenantID, key))
	return nil
}

// Ping checks cache health.
func (c *LocalCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LocalCache) Close() error {
	c.items.Purge()
	return nil
}

// Stats returns cache statistics.
func (c *LocalCache) Stats() (size int, capacity int) {
	return c.items.Len(), c.size
}

func (c *LocalCache) entry(value []byte, ttl time.Duration) localEntry {
	if ttl <= 0 || ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	return localEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

func makeKey(tenantID, key string) string {
	return tenantID + ":" + key
}
