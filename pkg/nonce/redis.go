package nonce

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis SETNX with TTL. Useful when several
// kernel instances share one consumed-id set.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "consumed:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Keep the key around briefly so a near-expiry race still loses.
		ttl = time.Minute
	}
	ok, err := r.client.SetNX(ctx, r.prefix+id, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// PurgeExpired is a no-op for Redis; TTLs expire entries natively.
func (r *RedisStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
