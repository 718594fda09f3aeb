package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/clinio/linkd/cache"
)

// TokenCache implements cache.TokenCache using Redis, for deployments
// running more than one manager instance against the same vault.
type TokenCache struct {
	client *redis.Client
	prefix string
}

// NewTokenCache creates a new [TokenCache] instance.
func NewTokenCache(client *redis.Client, prefix string) *TokenCache {
	return &TokenCache{
		client: client,
		prefix: prefix,
	}
}

func (c *TokenCache) redisKey(key string) string {
	return fmt.Sprintf("%s:access-token:%s", c.prefix, key)
}

// Set stores the entry with a TTL matching its expiry.
func (c *TokenCache) Set(ctx context.Context, entry *cache.TokenEntry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal token entry: %w", err)
	}

	if err := c.client.Set(ctx, c.redisKey(entry.Key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set token entry in Redis: %w", err)
	}
	return nil
}

// Get retrieves the entry. A Redis error is treated as a miss; the caller
// falls through to the vault.
func (c *TokenCache) Get(ctx context.Context, key string) (*cache.TokenEntry, bool) {
	payload, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("Redis token cache read failed, treating as miss")
		}
		return nil, false
	}

	var entry cache.TokenEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		log.Warn().Err(err).Msg("Corrupt token cache entry, treating as miss")
		return nil, false
	}
	return &entry, true
}

// Delete removes the entry for the key.
func (c *TokenCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.redisKey(key)).Err()
}

// Close closes the underlying Redis client.
func (c *TokenCache) Close() error {
	return c.client.Close()
}

var _ cache.TokenCache = (*TokenCache)(nil)
