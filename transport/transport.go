// Package transport defines the message transport abstraction used by the
// outbox relay (publish side) and by consumers (subscribe side).
//
// A transport is a topic-based broker: messages are published under a
// routing key (the event type, "service.entity.action"), and subscriptions
// bind a queue to a routing pattern. Patterns support "*" as a single-segment
// wildcard, so "device.*.failed" matches "device.creation.failed" but not
// "device.failed" or "user.creation.failed".
//
// Subscriptions within the same group compete for messages (worker-pool
// semantics): the broker delivers each message to exactly one member of the
// group, which is what allows consumers to scale horizontally. Redelivery
// after a negative acknowledgment may land on a different group member, which
// is why consumers wrap processing in the idempotency guard.
//
// Implementations:
//   - channel: in-process, for tests and single-process deployments
//   - redis: Redis Streams with consumer groups
//   - kafka: Kafka via sarama
//   - nats: core NATS (no broker-side redelivery tracking, see package doc)
package transport

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/eventflow/transport/message"
	"go.opentelemetry.io/otel/trace"
)

// Transport errors.
var (
	ErrTransportClosed    = errors.New("transport closed")
	ErrTopicNotRegistered = errors.New("topic not registered")
	ErrAlreadyRegistered  = errors.New("topic already registered")
	ErrInvalidPattern     = errors.New("invalid routing pattern")
	ErrPublishTimeout     = errors.New("publish timeout")
)

// Metadata keys set by transports.
const (
	// MetadataDeathCount carries the redelivery count on dead-lettered
	// messages (the broker "death" metadata).
	MetadataDeathCount = "x-death-count"

	// MetadataOriginalTopic carries the topic a dead-lettered message was
	// originally published to.
	MetadataOriginalTopic = "x-original-topic"

	// MetadataSource identifies the publisher.
	MetadataSource = "x-source"
)

// PublishOptions controls broker-level delivery properties.
type PublishOptions struct {
	// Persistent asks the broker to store the message durably. All
	// outbox-relayed messages are published persistent.
	Persistent bool

	// Timestamp is the producer-side creation time. Zero means now.
	Timestamp time.Time

	// Priority is a broker hint; zero means default.
	Priority int

	// Expiration drops the message if not consumed within the duration.
	// Zero means no expiry.
	Expiration time.Duration
}

// PublishOption configures a single publish call.
type PublishOption func(*PublishOptions)

// WithPersistent toggles durable storage. Defaults to true.
func WithPersistent(persistent bool) PublishOption {
	return func(o *PublishOptions) { o.Persistent = persistent }
}

// WithTimestamp sets the producer-side creation time.
func WithTimestamp(t time.Time) PublishOption {
	return func(o *PublishOptions) { o.Timestamp = t }
}

// WithPriority sets the broker priority hint.
func WithPriority(p int) PublishOption {
	return func(o *PublishOptions) { o.Priority = p }
}

// WithExpiration sets a per-message TTL.
func WithExpiration(d time.Duration) PublishOption {
	return func(o *PublishOptions) { o.Expiration = d }
}

// ApplyPublishOptions resolves options against the defaults
// (persistent=true, timestamp=now at publish time).
func ApplyPublishOptions(opts ...PublishOption) *PublishOptions {
	o := &PublishOptions{Persistent: true}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Subscription is a live binding of a group to a routing pattern.
type Subscription interface {
	// ID identifies the subscription within its transport.
	ID() string

	// Messages returns the delivery channel. The channel is closed when
	// the subscription or the transport closes.
	Messages() <-chan message.Message

	// Close cancels the subscription and closes the delivery channel.
	Close(ctx context.Context) error
}

// Transport is a topic-based broker client.
type Transport interface {
	// Register declares a topic so the broker can create its resources
	// (stream, topic, exchange binding). Publishing to an unregistered
	// topic returns ErrTopicNotRegistered on transports that require
	// declaration.
	Register(ctx context.Context, topic string) error

	// Publish sends a message under the given routing key.
	Publish(ctx context.Context, topic string, msg message.Message, opts ...PublishOption) error

	// Subscribe binds the group to a routing pattern. Members of the same
	// group compete for messages; distinct groups each receive every
	// matching message.
	Subscribe(ctx context.Context, pattern, group string) (Subscription, error)

	// Close shuts the transport down and closes all subscriptions.
	Close(ctx context.Context) error
}

// MatchTopic reports whether a routing pattern matches a topic. Patterns
// are dot-separated; "*" matches exactly one segment, a trailing "#"
// matches one or more remaining segments. A pattern without wildcards
// matches only the identical topic.
//
//	MatchTopic("device.*.failed", "device.creation.failed") == true
//	MatchTopic("device.*.failed", "device.failed") == false
//	MatchTopic("device.#", "device.creation.failed") == true
//	MatchTopic("device.created", "device.created") == true
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if !strings.ContainsAny(pattern, "*#") {
		return false
	}
	pp := strings.Split(pattern, ".")
	tp := strings.Split(topic, ".")
	for i, seg := range pp {
		if seg == "#" && i == len(pp)-1 {
			return len(tp) > i
		}
		if i >= len(tp) {
			return false
		}
		if seg != "*" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}

// ValidatePattern rejects empty patterns, empty segments ("a..b"), and "#"
// anywhere but the final segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrInvalidPattern
	}
	segs := strings.Split(pattern, ".")
	for i, seg := range segs {
		if seg == "" {
			return ErrInvalidPattern
		}
		if seg == "#" && i != len(segs)-1 {
			return ErrInvalidPattern
		}
	}
	return nil
}

// Message aliases the message package types so implementations only need one
// import.
type Message = message.Message

// NewMessage creates a message without custom acknowledgment.
func NewMessage(id, source string, payload []byte, metadata map[string]string, span trace.SpanContext) Message {
	return message.New(id, source, payload, metadata, span)
}

// NewMessageWithAck creates a message with a redelivery count and ack
// function.
func NewMessageWithAck(id, source string, payload []byte, metadata map[string]string, retryCount int, ackFn func(error) error) Message {
	return message.NewWithAck(id, source, payload, metadata, retryCount, ackFn)
}

var idCounter uint64

// NewID returns a new unique identifier (UUID, with a monotonic fallback if
// the random source fails).
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&idCounter, 1), 10)
}

// Logger returns a component-scoped slog logger.
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter spreads a duration by +/- factor to avoid synchronized retries.
// Factor outside (0, 1] returns d unchanged.
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	j := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + j))
}
