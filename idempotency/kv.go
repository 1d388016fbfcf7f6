// Package idempotency deduplicates event processing across consumer
// replicas.
//
// Brokers deliver at-least-once: redeliveries after a crash, a slow ack, or
// a consumer-group rebalance are normal, and a redelivery may land on a
// different replica than the first attempt. The Guard turns at-least-once
// delivery into effectively-once processing by recording a processed marker
// in a shared key-value store and taking a short-lived lock around the
// handler.
//
// # Keys
//
// For event ID "abc-123" the guard uses two keys:
//
//	event:processed:abc-123       marker, set after success, 24h TTL
//	event:processed:lock:abc-123  held while a replica is processing, 30s TTL
//
// The marker value is a small JSON document recording when and where the
// event was processed, which is what operators look at when investigating a
// suspected double-processing.
//
// # Usage
//
//	kv := idempotency.NewRedisKV(redisClient)
//	guard := idempotency.NewGuard(kv, hostname)
//
//	result, err := guard.Process(ctx, ev.ID, func(ctx context.Context) error {
//	    return handle(ctx, ev)
//	})
//	if result == idempotency.ResultDuplicate {
//	    return nil // already handled elsewhere
//	}
//
// The guard is a safety net, not a strict guarantee: if a replica crashes
// after the handler's side effects but before the marker write, the event
// runs again. Handlers whose side effects are not naturally idempotent
// should pair the guard with transactional checks in their own store.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrKVUnavailable wraps store errors so callers can distinguish a
// deduplication outage from handler failures.
var ErrKVUnavailable = errors.New("idempotency store unavailable")

// KV is the key-value store the guard records markers and locks in. All
// replicas of a consumer group must share one KV. Implementations must be
// safe for concurrent use.
type KV interface {
	// SetIfAbsent writes the value only if the key does not exist,
	// reporting whether the write happened. This is the lock primitive;
	// it must be atomic.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Get returns the value, or (nil, nil) if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the value unconditionally.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
