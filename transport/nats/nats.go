// Package nats implements the transport over core NATS.
//
// Topics map to subjects ("evt.<topic>"); subscriber groups map to queue
// groups, so replicas sharing a group compete for messages. Routing
// patterns translate directly: "*" is the NATS single-token wildcard and a
// trailing "#" becomes ">".
//
// Core NATS is fire-and-forget: the broker neither persists messages nor
// tracks redeliveries. Delivery is at-most-once when no subscriber is
// connected, and the redelivery count is tracked client-side inside the
// encoded message. A negative acknowledgment re-publishes the message from
// the consumer with the count incremented; a crashed consumer means the
// in-flight message and its count are simply gone. Deployments needing
// broker-side durability should use the Redis Streams or Kafka transports
// instead; this one exists for low-latency fan-out where occasional loss
// is acceptable.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/eventflow/transport"
	"github.com/rbaliyan/eventflow/transport/codec"
	"github.com/rbaliyan/eventflow/transport/message"
)

// ErrConnRequired is returned when no NATS connection is provided.
var ErrConnRequired = errors.New("nats connection is required")

const subjectPrefix = "evt."

// Transport implements transport.Transport over core NATS.
type Transport struct {
	conn   *nats.Conn
	codec  codec.Codec
	logger *slog.Logger

	maxRedeliveries int

	closed atomic.Bool
	mu     sync.Mutex
	topics map[string]struct{}
	subs   []*subscription
}

// New creates a core NATS transport over a connected client.
func New(conn *nats.Conn, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}
	t := &Transport{
		conn:            conn,
		codec:           codec.Default(),
		logger:          transport.Logger("transport.nats"),
		maxRedeliveries: 5,
		topics:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func subjectName(topic string) string {
	return subjectPrefix + topic
}

// subjectPattern translates a routing pattern into a NATS subject filter.
func subjectPattern(pattern string) string {
	if pattern == "#" {
		return subjectPrefix + ">"
	}
	if strings.HasSuffix(pattern, ".#") {
		return subjectPrefix + strings.TrimSuffix(pattern, "#") + ">"
	}
	return subjectPrefix + pattern
}

// Register records the topic. NATS subjects need no broker-side
// declaration; registration keeps the Publish contract uniform across
// transports.
func (t *Transport) Register(ctx context.Context, topic string) error {
	if t.closed.Load() {
		return transport.ErrTransportClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.topics[topic]; ok {
		return transport.ErrAlreadyRegistered
	}
	t.topics[topic] = struct{}{}
	t.topics[topic+".failed"] = struct{}{}
	return nil
}

// Publish sends the encoded message on the topic's subject.
func (t *Transport) Publish(ctx context.Context, topic string, msg message.Message, opts ...transport.PublishOption) error {
	if t.closed.Load() {
		return transport.ErrTransportClosed
	}
	t.mu.Lock()
	_, ok := t.topics[topic]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrTopicNotRegistered, topic)
	}

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(subjectName(topic), data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	t.logger.Debug("published message", "topic", topic, "msg_id", msg.ID())
	return nil
}

// Subscribe creates a queue subscription on the pattern's subject filter.
// NATS resolves the wildcard broker-side, so topics registered later are
// matched too.
func (t *Transport) Subscribe(ctx context.Context, pattern, group string) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}
	if err := transport.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	sub := &subscription{
		id:        transport.NewID(),
		ch:        make(chan message.Message, 64),
		closedCh:  make(chan struct{}),
		transport: t,
	}

	natsSub, err := t.conn.QueueSubscribe(subjectPattern(pattern), group, sub.onMessage)
	if err != nil {
		return nil, fmt.Errorf("queue subscribe %s as %s: %w", pattern, group, err)
	}
	sub.sub = natsSub

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	t.logger.Debug("subscribed", "pattern", pattern, "group", group)
	return sub, nil
}

// Close drains all subscriptions. The connection is owned by the caller
// and left open.
func (t *Transport) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	subs := append([]*subscription(nil), t.subs...)
	t.mu.Unlock()
	var errs []error
	for _, sub := range subs {
		if err := sub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

type subscription struct {
	id        string
	ch        chan message.Message
	closedCh  chan struct{}
	closed    atomic.Bool
	sub       *nats.Subscription
	transport *Transport
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Messages() <-chan message.Message { return s.ch }

func (s *subscription) Close(ctx context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.closedCh)
		err := s.sub.Unsubscribe()
		close(s.ch)
		return err
	}
	return nil
}

// onMessage decodes one delivery and pushes it to the channel. Runs on
// the NATS client's callback goroutine.
func (s *subscription) onMessage(nmsg *nats.Msg) {
	t := s.transport

	topic := strings.TrimPrefix(nmsg.Subject, subjectPrefix)

	decoded, err := t.codec.Decode(nmsg.Data)
	if err != nil {
		t.logger.Error("decode message", "subject", nmsg.Subject, "error", err)
		s.deadLetter(topic, message.New("", "", nmsg.Data, nil, trace.SpanContext{}), 0)
		return
	}

	wrapped := message.NewWithAck(
		decoded.ID(),
		decoded.Source(),
		decoded.Payload(),
		decoded.Metadata(),
		decoded.RetryCount(),
		func(err error) error {
			if err == nil {
				return nil
			}
			return s.redeliver(topic, decoded)
		},
	)

	select {
	case <-s.closedCh:
	case s.ch <- wrapped:
	}
}

// redeliver re-publishes a nacked message with its count incremented, or
// dead-letters it once the budget is spent.
func (s *subscription) redeliver(topic string, msg message.Message) error {
	t := s.transport
	retries := msg.RetryCount() + 1

	if retries >= t.maxRedeliveries {
		s.deadLetter(topic, msg, retries)
		return nil
	}

	next := message.NewWithAck(msg.ID(), msg.Source(), msg.Payload(), msg.Metadata(), retries, nil)
	data, err := t.codec.Encode(next)
	if err != nil {
		return err
	}
	return t.conn.Publish(subjectName(topic), data)
}

func (s *subscription) deadLetter(topic string, msg message.Message, deaths int) {
	t := s.transport

	metadata := map[string]string{}
	for k, v := range msg.Metadata() {
		metadata[k] = v
	}
	metadata[transport.MetadataDeathCount] = strconv.Itoa(deaths)
	metadata[transport.MetadataOriginalTopic] = topic

	dead := message.New(msg.ID(), msg.Source(), msg.Payload(), metadata, trace.SpanContext{})
	data, err := t.codec.Encode(dead)
	if err != nil {
		t.logger.Error("encode dead-letter message", "msg_id", msg.ID(), "error", err)
		return
	}
	if err := t.conn.Publish(subjectName(topic+".failed"), data); err != nil {
		t.logger.Error("publish to dead-letter subject",
			"subject", subjectName(topic+".failed"), "error", err)
		return
	}
	t.logger.Warn("message dead-lettered",
		"topic", topic,
		"msg_id", msg.ID(),
		"deaths", deaths)
}

var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Subscription = (*subscription)(nil)
)
