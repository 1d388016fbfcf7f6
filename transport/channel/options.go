package channel

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/eventflow/transport"
)

type options struct {
	bufferSize      int
	maxRedeliveries int
	redeliveryDelay time.Duration
	logger          *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		bufferSize:      64,
		maxRedeliveries: 5,
		redeliveryDelay: 50 * time.Millisecond,
		logger:          transport.Logger("transport.channel"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the channel transport.
type Option func(*options)

// WithBufferSize sets the per-subscription channel buffer. Deliveries to a
// full buffer are dropped (and counted), so size it for the consumer's
// worst-case lag. Default 64.
func WithBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithMaxRedeliveries sets how many deliveries a message gets before it is
// routed to the dead-letter topic. Default 5.
func WithMaxRedeliveries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRedeliveries = n
		}
	}
}

// WithRedeliveryDelay sets the pause before a rejected message is
// redelivered. Default 50ms; tests can shorten it.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.redeliveryDelay = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
