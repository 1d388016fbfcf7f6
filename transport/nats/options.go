package nats

import (
	"log/slog"

	"github.com/rbaliyan/eventflow/transport/codec"
)

// Option configures the transport.
type Option func(*Transport)

// WithCodec sets the wire codec. Defaults to JSON.
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithMaxRedeliveries sets how many times a nacked message is re-published
// before it is dead-lettered.
func WithMaxRedeliveries(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxRedeliveries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}
