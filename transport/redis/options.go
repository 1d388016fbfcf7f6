package redis

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/eventflow/transport/codec"
)

// Option configures the Redis transport.
type Option func(*Transport)

// WithCodec sets the wire codec. Defaults to JSON.
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) { t.codec = c }
}

// WithBlockTime sets how long XREADGROUP blocks waiting for new entries.
func WithBlockTime(d time.Duration) Option {
	return func(t *Transport) { t.blockTime = d }
}

// WithMaxLen caps stream length with approximate MAXLEN trimming. Zero
// means unbounded.
func WithMaxLen(n int64) Option {
	return func(t *Transport) { t.maxLen = n }
}

// WithMaxRedeliveries sets how many deliveries a message gets before it
// moves to the dead-letter stream. Defaults to 5.
func WithMaxRedeliveries(n int) Option {
	return func(t *Transport) { t.maxRedeliveries = n }
}

// WithClaim configures orphan claiming: how often to look for entries
// stuck with crashed consumers and how long an entry must sit idle before
// it may be claimed. A zero interval disables claiming.
func WithClaim(interval, minIdle time.Duration) Option {
	return func(t *Transport) {
		t.claimInterval = interval
		t.claimMinIdle = minIdle
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}
