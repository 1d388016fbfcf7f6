// Package redis implements the transport over Redis Streams.
//
// Each topic maps to one stream ("evt:<topic>"); consumer groups give the
// competing-consumer semantics Subscribe promises. Messages are read with
// XREADGROUP and acknowledged with XACK; unacknowledged messages stay in
// the group's pending entries list and are redelivered on restart or
// claimed from crashed consumers by the claim loop.
//
// Redelivery counting uses the delivery count Redis tracks per pending
// entry, so the count survives consumer restarts. Once a message exhausts
// its redelivery budget it is re-published to "<topic>.failed" with death
// metadata and acknowledged on the original stream.
//
// Wildcard subscriptions are resolved at subscribe time against the topics
// registered so far: subscribing "device.*.failed" binds to every matching
// registered stream. Topics registered after the subscription are not
// picked up.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/eventflow/transport"
	"github.com/rbaliyan/eventflow/transport/codec"
	"github.com/rbaliyan/eventflow/transport/message"
)

// Client is the subset of go-redis used by the transport. Satisfied by
// *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// ErrClientRequired is returned when no Redis client is provided.
var ErrClientRequired = errors.New("redis client is required")

const (
	streamPrefix     = "evt"
	busygroupMessage = "BUSYGROUP Consumer Group name already exists"
)

// Transport implements transport.Transport over Redis Streams.
type Transport struct {
	client Client
	codec  codec.Codec
	logger *slog.Logger

	blockTime       time.Duration
	maxLen          int64
	maxRedeliveries int
	claimInterval   time.Duration
	claimMinIdle    time.Duration

	closed atomic.Bool
	mu     sync.Mutex
	topics map[string]struct{}
	subs   []*subscription
}

// New creates a Redis Streams transport over a connected client.
func New(client Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	t := &Transport{
		client:          client,
		codec:           codec.Default(),
		logger:          transport.Logger("transport.redis"),
		blockTime:       5 * time.Second,
		maxRedeliveries: 5,
		claimInterval:   30 * time.Second,
		claimMinIdle:    time.Minute,
		topics:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) streamName(topic string) string {
	return streamPrefix + ":" + topic
}

// Register records the topic and its dead-letter companion. Streams are
// created lazily on first publish; registration exists so wildcard
// subscriptions know which topics to bind.
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
	t.logger.Debug("registered topic", "topic", topic)
	return nil
}

// Publish appends the encoded message to the topic's stream.
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

	args := &redis.XAddArgs{
		Stream: t.streamName(topic),
		Values: map[string]any{"data": data},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	t.logger.Debug("published message", "topic", topic, "msg_id", msg.ID())
	return nil
}

// Subscribe binds the group to every registered topic matching the
// pattern. Matching topics each get one consumer group named after the
// subscriber group, so replicas sharing the group compete for messages.
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
			matched = append(matched, topic)
		}
	}
	t.mu.Unlock()
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: no topic matches %s", transport.ErrTopicNotRegistered, pattern)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:     transport.NewID(),
		ch:     make(chan message.Message, 64),
		cancel: cancel,
	}

	for _, topic := range matched {
		stream := t.streamName(topic)
		err := t.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && err.Error() != busygroupMessage {
			cancel()
			return nil, fmt.Errorf("create group %s on %s: %w", group, stream, err)
		}

		c := &consumer{
			transport: t,
			sub:       sub,
			topic:     topic,
			stream:    stream,
			group:     group,
			name:      sub.id,
		}
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			c.run(subCtx)
		}()
		if t.claimInterval > 0 {
			sub.wg.Add(1)
			go func() {
				defer sub.wg.Done()
				c.claimLoop(subCtx)
			}()
		}
	}

	// Close the delivery channel once every consumer goroutine is done.
	go func() {
		sub.wg.Wait()
		close(sub.ch)
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

// Close stops all subscriptions. The Redis client is owned by the caller
// and left open.
func (t *Transport) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	subs := append([]*subscription(nil), t.subs...)
	t.mu.Unlock()
	for _, sub := range subs {
		sub.Close(ctx)
	}
	t.logger.Debug("transport closed")
	return nil
}

type subscription struct {
	id     string
	ch     chan message.Message
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Messages() <-chan message.Message { return s.ch }

func (s *subscription) Close(ctx context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
	return nil
}

// consumer reads one stream on behalf of a subscription.
type consumer struct {
	transport *Transport
	sub       *subscription
	topic     string
	stream    string
	group     string
	name      string
}

func (c *consumer) run(ctx context.Context) {
	// Replay this consumer's own pending entries before reading new
	// messages, so work in flight during a crash is not lost.
	c.readPending(ctx)

	backoff := 100 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := c.transport.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    10,
			Block:    c.transport.blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				backoff = 100 * time.Millisecond
				continue
			}
			wait := transport.Jitter(backoff, 0.3)
			c.transport.logger.Error("read stream",
				"stream", c.stream, "error", err, "backoff", wait)
			select {
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

		for _, stream := range streams {
			for _, xmsg := range stream.Messages {
				// First delivery of a new message.
				if !c.deliver(ctx, xmsg, 0) {
					return
				}
			}
		}
	}
}

// readPending drains entries this group already holds, feeding each with
// its broker-tracked delivery count.
func (c *consumer) readPending(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		counts := c.deliveryCounts(ctx)

		streams, err := c.transport.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, "0"},
			Count:    10,
		}).Result()
		if err != nil || len(streams) == 0 {
			return
		}

		delivered := false
		for _, stream := range streams {
			for _, xmsg := range stream.Messages {
				delivered = true
				retries := 0
				if n, ok := counts[xmsg.ID]; ok && n > 0 {
					retries = int(n) - 1
				}
				if !c.deliver(ctx, xmsg, retries) {
					return
				}
			}
		}
		if !delivered {
			return
		}
	}
}

func (c *consumer) deliveryCounts(ctx context.Context) map[string]int64 {
	pending, err := c.transport.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return nil
	}
	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts
}

// deliver decodes one stream entry and pushes it to the subscription
// channel. Returns false when the subscription is shutting down.
func (c *consumer) deliver(ctx context.Context, xmsg redis.XMessage, retryCount int) bool {
	data, ok := xmsg.Values["data"].(string)
	if !ok {
		c.transport.logger.Error("malformed stream entry", "stream", c.stream, "id", xmsg.ID)
		c.ack(xmsg.ID)
		return true
	}
	decoded, err := c.transport.codec.Decode([]byte(data))
	if err != nil {
		// An undecodable entry can never succeed; dead-letter it raw.
		c.transport.logger.Error("decode stream entry",
			"stream", c.stream, "id", xmsg.ID, "error", err)
		c.deadLetter(ctx, xmsg.ID, message.New(xmsg.ID, "", []byte(data), nil, trace.SpanContext{}), retryCount)
		return true
	}

	entryID := xmsg.ID
	wrapped := message.NewWithAck(
		decoded.ID(),
		decoded.Source(),
		decoded.Payload(),
		decoded.Metadata(),
		retryCount,
		func(err error) error {
			if err == nil {
				return c.ack(entryID)
			}
			return c.nack(context.Background(), entryID, decoded, retryCount)
		},
	)

	select {
	case <-ctx.Done():
		return false
	case c.sub.ch <- wrapped:
		return true
	}
}

func (c *consumer) ack(entryID string) error {
	return c.transport.client.XAck(context.Background(), c.stream, c.group, entryID).Err()
}

// nack either leaves the entry pending for redelivery or, once the budget
// is spent, moves it to the dead-letter stream.
func (c *consumer) nack(ctx context.Context, entryID string, msg message.Message, retryCount int) error {
	if retryCount+1 < c.transport.maxRedeliveries {
		// Stay in the pending list; the claim loop or a restart
		// redelivers after the idle window.
		return nil
	}
	c.deadLetter(ctx, entryID, msg, retryCount+1)
	return nil
}

func (c *consumer) deadLetter(ctx context.Context, entryID string, msg message.Message, deaths int) {
	metadata := map[string]string{}
	for k, v := range msg.Metadata() {
		metadata[k] = v
	}
	metadata[transport.MetadataDeathCount] = strconv.Itoa(deaths)
	metadata[transport.MetadataOriginalTopic] = c.topic

	dead := message.New(msg.ID(), msg.Source(), msg.Payload(), metadata, trace.SpanContext{})
	data, err := c.transport.codec.Encode(dead)
	if err != nil {
		c.transport.logger.Error("encode dead-letter message", "id", msg.ID(), "error", err)
		return
	}
	failedStream := c.transport.streamName(c.topic + ".failed")
	if err := c.transport.client.XAdd(ctx, &redis.XAddArgs{
		Stream: failedStream,
		Values: map[string]any{"data": data},
	}).Err(); err != nil {
		// Leave the entry pending rather than lose it.
		c.transport.logger.Error("publish to dead-letter stream",
			"stream", failedStream, "error", err)
		return
	}
	c.ack(entryID)
	c.transport.logger.Warn("message dead-lettered",
		"topic", c.topic,
		"msg_id", msg.ID(),
		"deaths", deaths)
}

// claimLoop periodically claims entries stuck with crashed consumers in
// the same group.
func (c *consumer) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.transport.claimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.claimOnce(ctx)
		}
	}
}

func (c *consumer) claimOnce(ctx context.Context) {
	pending, err := c.transport.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  100,
		Idle:   c.transport.claimMinIdle,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}

	counts := make(map[string]int64)
	var ids []string
	for _, p := range pending {
		if p.Consumer != c.name {
			ids = append(ids, p.ID)
			counts[p.ID] = p.RetryCount
		}
	}
	if len(ids) == 0 {
		return
	}

	claimed, err := c.transport.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  c.transport.claimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		c.transport.logger.Error("claim orphaned entries", "stream", c.stream, "error", err)
		return
	}
	c.transport.logger.Info("claimed orphaned entries",
		"stream", c.stream, "count", len(claimed))

	for _, xmsg := range claimed {
		retries := 0
		if n := counts[xmsg.ID]; n > 0 {
			retries = int(n) - 1
		}
		if !c.deliver(ctx, xmsg, retries) {
			return
		}
	}
}

var (
	_ transport.Transport    = (*Transport)(nil)
	_ transport.Subscription = (*subscription)(nil)
)
