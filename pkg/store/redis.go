package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisKV backs the shard store with Redis. All keys are namespaced under a
// prefix so several shards can share one instance. Batch uses MULTI/EXEC so
// pointer advances and history writes land together.
type RedisKV struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisKV creates a Redis-backed store. keyPrefix defaults to "ledger:".
func NewRedisKV(client *redis.Client, keyPrefix string) *RedisKV {
	if keyPrefix == "" {
		keyPrefix = "ledger:"
	}
	return &RedisKV{client: client, keyPrefix: keyPrefix}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return b, nil
}

func (r *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.keyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) ListPrefix(ctx context.Context, prefix string, limit int) ([]Entry, error) {
	pattern := r.keyPrefix + prefix + "*"
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 512).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN %s: %w", pattern, err)
	}

	// SCAN order is unspecified; the storage contract wants ascending keys.
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET: %w", err)
	}
	entries := make([]Entry, 0, len(keys))
	for i, k := range keys {
		if vals[i] == nil {
			continue // deleted between SCAN and MGET
		}
		s, ok := vals[i].(string)
		if !ok {
			continue
		}
		entries = append(entries, Entry{Key: k[len(r.keyPrefix):], Value: []byte(s)})
	}
	return entries, nil
}

func (r *RedisKV) Batch(ctx context.Context, writes []Write) error {
	pipe := r.client.TxPipeline()
	for _, w := range writes {
		if w.Delete {
			pipe.Del(ctx, r.keyPrefix+w.Key)
			continue
		}
		pipe.Set(ctx, r.keyPrefix+w.Key, w.Value, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis batch exec: %w", err)
	}
	return nil
}
