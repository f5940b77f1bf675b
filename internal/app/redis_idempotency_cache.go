package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyCache stores idempotency key -> transaction id mappings with a TTL.
type RedisIdempotencyCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotencyCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisIdempotencyCache {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "banking"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyCache{client: client, prefix: trimmedPrefix + ":idempotency", ttl: ttl}
}

func (c *RedisIdempotencyCache) key(idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", c.prefix, idempotencyKey)
}

func (c *RedisIdempotencyCache) Get(ctx context.Context, idempotencyKey string) (uuid.UUID, bool, error) {
	raw, err := c.client.Get(ctx, c.key(idempotencyKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("corrupt idempotency cache entry: %w", err)
	}
	return id, true, nil
}

func (c *RedisIdempotencyCache) Set(ctx context.Context, idempotencyKey string, transactionID uuid.UUID) error {
	return c.client.Set(ctx, c.key(idempotencyKey), transactionID.String(), c.ttl).Err()
}
