package cache

import (
	"context"
	"time"
)

// IdempotencyCache implements port.IdempotencyStore on an InMemory cache.
type IdempotencyCache struct {
	claims *InMemory[time.Time]
}

// NewIdempotencyCache returns a store whose claims expire after ttl unless a
// shorter TTL is passed to Claim.
func NewIdempotencyCache(ttl time.Duration) *IdempotencyCache {
	return &IdempotencyCache{claims: New[time.Time](ttl)}
}

// Claim records key. It returns false when the key is already held.
func (c *IdempotencyCache) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = c.claims.ttl
	}
	return c.claims.SetIfAbsent(key, time.Now(), ttl), nil
}

// Release drops key so the submission can be retried.
func (c *IdempotencyCache) Release(_ context.Context, key string) error {
	c.claims.Delete(key)
	return nil
}

// Close stops the underlying cache cleanup.
func (c *IdempotencyCache) Close() { c.claims.Close() }
