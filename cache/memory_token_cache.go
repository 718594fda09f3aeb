package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryTokenCache implements TokenCache using ttlcache.
type MemoryTokenCache struct {
	cache *ttlcache.Cache[string, *TokenEntry]
}

// NewMemoryTokenCache creates an in-memory token cache with automatic
// expiry cleanup.
func NewMemoryTokenCache() *MemoryTokenCache {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *TokenEntry](),
	)

	go cache.Start()

	return &MemoryTokenCache{cache: cache}
}

// Set implements TokenCache.Set. Entries already past their expiry are
// dropped rather than stored.
func (c *MemoryTokenCache) Set(_ context.Context, entry *TokenEntry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	c.cache.Set(entry.Key, entry, ttl)
	return nil
}

// Get implements TokenCache.Get.
func (c *MemoryTokenCache) Get(_ context.Context, key string) (*TokenEntry, bool) {
	item := c.cache.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Delete removes the entry for the key.
func (c *MemoryTokenCache) Delete(_ context.Context, key string) error {
	c.cache.Delete(key)
	return nil
}

// Close stops the cleanup goroutine.
func (c *MemoryTokenCache) Close() error {
	c.cache.Stop()
	return nil
}

var _ TokenCache = (*MemoryTokenCache)(nil)
