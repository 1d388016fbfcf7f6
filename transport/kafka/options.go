package kafka

import (
	"log/slog"

	"github.com/rbaliyan/eventflow/transport/codec"
)

// Option configures the Kafka transport.
type Option func(*Transport)

// WithCodec sets the wire codec. Defaults to JSON.
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) { t.codec = c }
}

// WithPartitions sets the partition count for created topics.
func WithPartitions(n int32) Option {
	return func(t *Transport) { t.partitions = n }
}

// WithReplication sets the replication factor for created topics.
func WithReplication(n int16) Option {
	return func(t *Transport) { t.replication = n }
}

// WithMaxRedeliveries sets how many deliveries a message gets before it
// moves to the dead-letter topic. Defaults to 5.
func WithMaxRedeliveries(n int) Option {
	return func(t *Transport) { t.maxRedeliveries = n }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}
