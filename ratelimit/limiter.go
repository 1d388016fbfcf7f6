// Package ratelimit paces event publishing and consumption.
//
// The relay uses a limiter to keep a large pending backlog from flooding
// the broker after downtime, and consumers can use one to cap handler
// throughput per instance.
//
// Two implementations are provided:
//   - TokenBucket: in-memory token bucket (golang.org/x/time/rate), one
//     budget per process
//   - RedisWindow: fixed-window counter in Redis, one budget shared across
//     all replicas
//
// Basic usage:
//
//	limiter := ratelimit.NewTokenBucket(200, 20)
//	if err := limiter.Wait(ctx); err != nil {
//	    return err
//	}
//	publish(ev)
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter paces a stream of events. Implementations must be safe for
// concurrent use.
type Limiter interface {
	// Allow reports whether one event may proceed right now, consuming
	// budget if so. Non-blocking.
	Allow(ctx context.Context) bool

	// Wait blocks until one event may proceed or the context ends.
	Wait(ctx context.Context) error
}

// TokenBucket is a local token bucket limiter. Tokens accrue at the
// configured rate up to the burst size; each event consumes one. Suitable
// for per-instance pacing where a small cross-replica overshoot is fine.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a limiter allowing rps events per second with the
// given burst capacity.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether one event may proceed, consuming a token if so.
func (t *TokenBucket) Allow(ctx context.Context) bool {
	return t.limiter.Allow()
}

// Wait blocks until a token is available or the context ends.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// SetLimit adjusts the rate at runtime, for backpressure-driven tuning.
func (t *TokenBucket) SetLimit(rps float64) {
	t.limiter.SetLimit(rate.Limit(rps))
}

// RedisWindow is a distributed fixed-window limiter backed by a Redis
// counter. All replicas sharing a key share one budget. Windows are fixed,
// so up to 2x the limit can pass across a window boundary; acceptable for
// broker protection, where the goal is an order-of-magnitude cap rather
// than a precise rate.
//
// On Redis errors the limiter fails open so a Redis outage does not stall
// event delivery.
type RedisWindow struct {
	client redis.Cmdable
	key    string
	limit  int
	window time.Duration
}

// NewRedisWindow creates a distributed limiter. The key identifies the
// shared budget, e.g. the relay's topic namespace.
func NewRedisWindow(client redis.Cmdable, key string, limit int, window time.Duration) *RedisWindow {
	return &RedisWindow{
		client: client,
		key:    "ratelimit:" + key,
		limit:  limit,
		window: window,
	}
}

var windowScript = redis.NewScript(`
	local n = redis.call('INCR', KEYS[1])
	if n == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	if n > tonumber(ARGV[1]) then
		return 0
	end
	return 1
`)

// Allow atomically increments the window counter and reports whether the
// event fits within the limit.
func (r *RedisWindow) Allow(ctx context.Context) bool {
	res, err := windowScript.Run(ctx, r.client, []string{r.key}, r.limit, int(r.window.Seconds())).Int()
	if err != nil {
		return true
	}
	return res == 1
}

// Wait polls Allow until the event fits or the context ends.
func (r *RedisWindow) Wait(ctx context.Context) error {
	interval := r.window / time.Duration(r.limit)
	if interval <= 0 {
		interval = time.Millisecond
	}
	for {
		if r.Allow(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Remaining returns how much budget is left in the current window.
func (r *RedisWindow) Remaining(ctx context.Context) (int, error) {
	val, err := r.client.Get(ctx, r.key).Int()
	if err == redis.Nil {
		return r.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit get: %w", err)
	}
	if rem := r.limit - val; rem > 0 {
		return rem, nil
	}
	return 0, nil
}

var (
	_ Limiter = (*TokenBucket)(nil)
	_ Limiter = (*RedisWindow)(nil)
)
