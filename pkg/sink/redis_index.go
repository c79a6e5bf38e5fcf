package sink

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisKVIndex backs the best-effort hash index with Redis. Writes are
// idempotent: the value is a hash-addressed summary, so last-writer-wins.
type RedisKVIndex struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisKVIndex creates a Redis-backed index.
func NewRedisKVIndex(client *redis.Client, keyPrefix string) *RedisKVIndex {
	return &RedisKVIndex{client: client, keyPrefix: keyPrefix}
}

func (r *RedisKVIndex) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.keyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis index SET %s: %w", key, err)
	}
	return nil
}
