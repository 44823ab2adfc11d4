package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const idempotencyPrefix = "kyb:idem:"

// RedisIdempotency implements port.IdempotencyStore with SETNX so claims are
// shared by every BFA replica.
type RedisIdempotency struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisIdempotency connects to addr and verifies the connection.
func NewRedisIdempotency(ctx context.Context, addr, password string, ttl time.Duration, logger *zap.Logger) (*RedisIdempotency, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisIdempotency{client: client, ttl: ttl, logger: logger}, nil
}

// Claim records key with SETNX. It returns false when the key already exists.
func (r *RedisIdempotency) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = r.ttl
	}
	ok, err := r.client.SetNX(ctx, idempotencyPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		r.logger.Warn("redis: idempotency claim failed", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return ok, nil
}

// Release deletes key.
func (r *RedisIdempotency) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyPrefix+key).Err()
}

// Ping reports whether Redis is reachable, for the health endpoint.
func (r *RedisIdempotency) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisIdempotency) Close() error {
	return r.client.Close()
}
