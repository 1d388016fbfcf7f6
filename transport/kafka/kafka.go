// Package kafka implements the transport over Kafka using sarama.
//
// Each topic maps to a Kafka topic ("evt.<topic>"); subscriber groups map
// directly to Kafka consumer groups, giving competing-consumer semantics
// across replicas. Offsets are committed only after a delivery is
// acknowledged, so unacknowledged messages are redelivered after a
// rebalance or restart.
//
// Kafka tracks no per-message delivery count, so the retry count travels
// inside the encoded message: a negative acknowledgment re-publishes the
// message to its own topic with the count incremented and commits the
// original offset. Once the redelivery budget is spent the message goes to
// "evt.<topic>.failed" with death metadata instead.
//
// Auto-commit must be disabled in the sarama config; New refuses a client
// with auto-commit enabled because it silently breaks at-least-once
// delivery.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/eventflow/transport"
	"github.com/rbaliyan/eventflow/transport/codec"
	"github.com/rbaliyan/eventflow/transport/message"
)

// Errors.
var (
	ErrClientRequired    = errors.New("kafka client is required")
	ErrProducerFailed    = errors.New("failed to create kafka producer")
	ErrAutoCommitEnabled = errors.New("kafka: auto-commit must be disabled for at-least-once delivery - set Consumer.Offsets.AutoCommit.Enable = false")
)

const topicPrefix = "evt."

// Transport implements transport.Transport over Kafka.
type Transport struct {
	client   sarama.Client
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
	codec    codec.Codec
	logger   *slog.Logger

	partitions      int32
	replication     int16
	maxRedeliveries int

	closed atomic.Bool
	mu     sync.Mutex
	topics map[string]struct{}
	subs   []*subscription
}

// New creates a Kafka transport over a connected sarama client.
//
// Required sarama configuration:
//
//	config := sarama.NewConfig()
//	config.Producer.Return.Successes = true
//	config.Consumer.Offsets.AutoCommit.Enable = false
func New(client sarama.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if client.Config().Consumer.Offsets.AutoCommit.Enable {
		return nil, ErrAutoCommitEnabled
	}

	t := &Transport{
		client:          client,
		codec:           codec.Default(),
		logger:          transport.Logger("transport.kafka"),
		partitions:      1,
		replication:     1,
		maxRedeliveries: 5,
		topics:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}
	t.producer = producer

	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		producer.Close()
		return nil, err
	}
	t.admin = admin

	return t, nil
}

func (t *Transport) topicName(topic string) string {
	return topicPrefix + topic
}

// Register creates the Kafka topic and its dead-letter companion.
func (t *Transport) Register(ctx context.Context, topic string) error {
	if t.closed.Load() {
		return transport.ErrTransportClosed
	}
	t.mu.Lock()
	if _, ok := t.topics[topic]; ok {
		t.mu.Unlock()
		return transport.ErrAlreadyRegistered
	}
	t.topics[topic] = struct{}{}
	t.topics[topic+".failed"] = struct{}{}
	t.mu.Unlock()

	for _, name := range []string{t.topicName(topic), t.topicName(topic + ".failed")} {
		err := t.admin.CreateTopic(name, &sarama.TopicDetail{
			NumPartitions:     t.partitions,
			ReplicationFactor: t.replication,
		}, false)
		if err != nil {
			var topicErr *sarama.TopicError
			if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
				continue
			}
			return fmt.Errorf("create topic %s: %w", name, err)
		}
	}

	t.logger.Debug("registered topic", "topic", topic)
	return nil
}

// Publish produces the encoded message, keyed by message ID so retries of
// one event land on one partition.
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

	o := transport.ApplyPublishOptions(opts...)

	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	pm := &sarama.ProducerMessage{
		Topic: t.topicName(topic),
		Key:   sarama.StringEncoder(msg.ID()),
		Value: sarama.ByteEncoder(data),
	}
	if !o.Timestamp.IsZero() {
		pm.Timestamp = o.Timestamp
	}

	if _, _, err := t.producer.SendMessage(pm); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	t.logger.Debug("published message", "topic", topic, "msg_id", msg.ID())
	return nil
}

// Subscribe binds a Kafka consumer group to every registered topic
// matching the pattern.
func (t *Transport) Subscribe(ctx context.Context, pattern, group string) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}
	if err := transport.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	t.mu.Lock()
	var matched []string
	for topic := range t.topics {
		if transport.MatchTopic(pattern, topic) {
			matched = append(matched, t.topicName(topic))
		}
	}
	t.mu.Unlock()
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: no topic matches %s", transport.ErrTopicNotRegistered, pattern)
	}

	cg, err := sarama.NewConsumerGroupFromClient(group, t.client)
	if err != nil {
		return nil, fmt.Errorf("create consumer group %s: %w", group, err)
	}

	sub := &subscription{
		id:        transport.NewID(),
		ch:        make(chan message.Message, 64),
		closedCh:  make(chan struct{}),
		consumer:  cg,
		topics:    matched,
		transport: t,
	}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(ctx)
	}()

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	t.logger.Debug("subscribed",
		"pattern", pattern,
		"group", group,
		"topics", len(matched))
	return sub, nil
}

// Close shuts the producer and all subscriptions down. The sarama client
// is owned by the caller and left open.
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
	if err := t.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

type subscription struct {
	id        string
	ch        chan message.Message
	closedCh  chan struct{}
	closed    atomic.Bool
	consumer  sarama.ConsumerGroup
	topics    []string
	transport *Transport
	wg        sync.WaitGroup
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Messages() <-chan message.Message { return s.ch }

func (s *subscription) Close(ctx context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.closedCh)
		err := s.consumer.Close()
		s.wg.Wait()
		close(s.ch)
		return err
	}
	return nil
}

func (s *subscription) consumeLoop(ctx context.Context) {
	handler := &groupHandler{sub: s}
	backoff := 100 * time.Millisecond
	for {
		select {
		case <-s.closedCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		// Consume returns on rebalance; loop to rejoin.
		if err := s.consumer.Consume(ctx, s.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			wait := transport.Jitter(backoff, 0.3)
			s.transport.logger.Error("consume error",
				"error", err, "backoff", wait)
			select {
			case <-s.closedCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if backoff *= 2; backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = 100 * time.Millisecond
	}
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	sub *subscription
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-h.sub.closedCh:
			return nil
		case kmsg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handle(session, kmsg)
		}
	}
}

func (h *groupHandler) handle(session sarama.ConsumerGroupSession, kmsg *sarama.ConsumerMessage) {
	t := h.sub.transport

	decoded, err := t.codec.Decode(kmsg.Value)
	if err != nil {
		// Undecodable messages dead-letter immediately; re-publishing
		// them would fail decode again forever.
		t.logger.Error("decode message",
			"topic", kmsg.Topic,
			"partition", kmsg.Partition,
			"offset", kmsg.Offset,
			"error", err)
		raw := message.New(
			fmt.Sprintf("%s-%d-%d", kmsg.Topic, kmsg.Partition, kmsg.Offset),
			"", kmsg.Value, nil, trace.SpanContext{})
		h.deadLetter(kmsg.Topic, raw, 0)
		session.MarkMessage(kmsg, "")
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
				session.MarkMessage(kmsg, "")
				return nil
			}
			h.redeliver(kmsg, decoded)
			session.MarkMessage(kmsg, "")
			return nil
		},
	)

	select {
	case <-h.sub.closedCh:
	case h.sub.ch <- wrapped:
	}
}

// redeliver re-publishes a nacked message to its own topic with the retry
// count incremented, or dead-letters it once the budget is spent.
func (h *groupHandler) redeliver(kmsg *sarama.ConsumerMessage, msg message.Message) {
	t := h.sub.transport
	retries := msg.RetryCount() + 1

	if retries >= t.maxRedeliveries {
		h.deadLetter(kmsg.Topic, msg, retries)
		return
	}

	next := message.NewWithAck(msg.ID(), msg.Source(), msg.Payload(), msg.Metadata(), retries, nil)
	data, err := t.codec.Encode(next)
	if err != nil {
		t.logger.Error("encode redelivery", "msg_id", msg.ID(), "error", err)
		return
	}
	if _, _, err := t.producer.SendMessage(&sarama.ProducerMessage{
		Topic: kmsg.Topic,
		Key:   sarama.StringEncoder(msg.ID()),
		Value: sarama.ByteEncoder(data),
	}); err != nil {
		t.logger.Error("republish for redelivery",
			"topic", kmsg.Topic, "msg_id", msg.ID(), "error", err)
	}
}

// deadLetter publishes the message to "<topic>.failed" with death
// metadata. Best effort; a failure here is logged and the message lost to
// the dead-letter topic but already committed upstream.
func (h *groupHandler) deadLetter(kafkaTopic string, msg message.Message, deaths int) {
	t := h.sub.transport

	originalTopic := kafkaTopic
	if len(originalTopic) > len(topicPrefix) && originalTopic[:len(topicPrefix)] == topicPrefix {
		originalTopic = originalTopic[len(topicPrefix):]
	}

	metadata := map[string]string{}
	for k, v := range msg.Metadata() {
		metadata[k] = v
	}
	metadata[transport.MetadataDeathCount] = strconv.Itoa(deaths)
	metadata[transport.MetadataOriginalTopic] = originalTopic

	dead := message.New(msg.ID(), msg.Source(), msg.Payload(), metadata, trace.SpanContext{})
	data, err := t.codec.Encode(dead)
	if err != nil {
		t.logger.Error("encode dead-letter message", "msg_id", msg.ID(), "error", err)
		return
	}
	if _, _, err := t.producer.SendMessage(&sarama.ProducerMessage{
		Topic: kafkaTopic + ".failed",
		Key:   sarama.StringEncoder(msg.ID()),
		Value: sarama.ByteEncoder(data),
	}); err != nil {
		t.logger.Error("publish to dead-letter topic",
			"topic", kafkaTopic+".failed", "msg_id", msg.ID(), "error", err)
		return
	}
	t.logger.Warn("message dead-lettered",
		"topic", originalTopic,
		"msg_id", msg.ID(),
		"deaths", deaths)
}

var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Subscription = (*subscription)(nil)
)
