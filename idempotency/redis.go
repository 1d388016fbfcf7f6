package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements KV over Redis. SET NX gives the guard its atomic
// lock acquisition; TTLs map directly to Redis key expiry. This is the
// store to use whenever a consumer group runs more than one replica.
type RedisKV struct {
	client redis.Cmdable
}

// NewRedisKV creates a Redis-backed KV. Accepts any redis.Cmdable so
// single clients, clusters, and pipelines all work.
func NewRedisKV(client redis.Cmdable) *RedisKV {
	return &RedisKV{client: client}
}

// SetIfAbsent maps to SET key value NX PX ttl.
func (kv *RedisKV) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := kv.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %v", ErrKVUnavailable, key, err)
	}
	return ok, nil
}

// Get returns the value, or (nil, nil) on a missing key.
func (kv *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := kv.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrKVUnavailable, key, err)
	}
	return val, nil
}

// Set maps to SET key value PX ttl.
func (kv *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := kv.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrKVUnavailable, key, err)
	}
	return nil
}

// Delete maps to DEL.
func (kv *RedisKV) Delete(ctx context.Context, key string) error {
	if err := kv.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrKVUnavailable, key, err)
	}
	return nil
}

var _ KV = (*RedisKV)(nil)
