// Package channel provides an in-process transport backed by Go channels.
//
// The channel transport emulates a topic exchange with dead-letter routing:
// pattern subscriptions, competing consumers within a group, redelivery on
// negative acknowledgment, and re-routing to "{topic}.failed" once the
// redelivery limit is exhausted. That makes it a faithful stand-in for a
// real broker in tests and in single-process deployments.
//
// It is NOT durable: messages are lost on process exit, and a full
// subscriber buffer drops messages. For at-least-once delivery use the
// redis or kafka transports.
package channel

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/eventflow/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Transport implements transport.Transport using Go channels.
type Transport struct {
	mu       sync.RWMutex
	closed   atomic.Bool
	topics   map[string]struct{}
	groups   map[groupKey]*group
	opts     *options
	logger   *slog.Logger
	dropped  metric.Int64Counter
	redelive metric.Int64Counter
}

type groupKey struct {
	pattern string
	name    string
}

// group is a set of competing subscriptions bound to one pattern.
type group struct {
	key  groupKey
	subs []*subscription
	next uint64 // round-robin cursor
}

type subscription struct {
	id     string
	ch     chan transport.Message
	t      *Transport
	g      *group
	closed atomic.Bool
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Messages() <-chan transport.Message { return s.ch }

// Close removes the member from its group. The delivery channel is closed
// by removeSubscription under the transport write lock, so no publisher
// can be mid-send when it closes.
func (s *subscription) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.t.removeSubscription(s)
	return nil
}

// New creates a channel transport.
func New(opts ...Option) *Transport {
	o := newOptions(opts...)

	meter := otel.Meter("eventflow.transport.channel")
	dropped, _ := meter.Int64Counter("eventflow.transport.dropped",
		metric.WithDescription("Messages dropped because a subscriber buffer was full"),
		metric.WithUnit("{message}"))
	redelivered, _ := meter.Int64Counter("eventflow.transport.redelivered",
		metric.WithDescription("Messages redelivered after a negative acknowledgment"),
		metric.WithUnit("{message}"))

	return &Transport{
		topics:   make(map[string]struct{}),
		groups:   make(map[groupKey]*group),
		opts:     o,
		logger:   o.logger,
		dropped:  dropped,
		redelive: redelivered,
	}
}

// Register declares a topic. Publishing to an undeclared topic fails with
// ErrTopicNotRegistered.
func (t *Transport) Register(ctx context.Context, topic string) error {
	if t.closed.Load() {
		return transport.ErrTransportClosed
	}
	if err := transport.ValidatePattern(topic); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.topics[topic]; ok {
		return transport.ErrAlreadyRegistered
	}
	t.topics[topic] = struct{}{}
	t.logger.Debug("registered topic", "topic", topic)
	return nil
}

// Publish delivers the message to one member of every matching group.
func (t *Transport) Publish(ctx context.Context, topic string, msg transport.Message, opts ...transport.PublishOption) error {
	if t.closed.Load() {
		return transport.ErrTransportClosed
	}

	t.mu.RLock()
	_, registered := t.topics[topic]
	t.mu.RUnlock()
	if !registered {
		return transport.ErrTopicNotRegistered
	}

	// Publish options are accepted for interface parity; an in-process
	// exchange has no durability or priority to configure.
	transport.ApplyPublishOptions(opts...)

	t.deliver(topic, msg.ID(), msg.Source(), msg.Payload(), msg.Metadata(), 0)
	return nil
}

// deliver routes one message attempt to every matching group.
func (t *Transport) deliver(topic, id, source string, payload []byte, metadata map[string]string, retryCount int) {
	t.mu.RLock()
	var targets []*group
	for _, g := range t.groups {
		if transport.MatchTopic(g.key.pattern, topic) && len(g.subs) > 0 {
			targets = append(targets, g)
		}
	}
	t.mu.RUnlock()

	for _, g := range targets {
		t.deliverToGroup(g, topic, id, source, payload, metadata, retryCount)
	}
}

// deliverToGroup routes one attempt to one member. The send is performed
// while holding the read lock: delivery channels close only under the
// write lock, so a selected channel cannot close mid-send.
func (t *Transport) deliverToGroup(g *group, topic, id, source string, payload []byte, metadata map[string]string, retryCount int) {
	for {
		t.mu.RLock()
		if len(g.subs) == 0 {
			t.mu.RUnlock()
			return
		}
		sub := g.subs[atomic.AddUint64(&g.next, 1)%uint64(len(g.subs))]
		if sub.closed.Load() {
			// Member is shutting down but not yet removed; pick another
			// so the message is not lost.
			t.mu.RUnlock()
			continue
		}

		var once sync.Once
		ackFn := func(err error) error {
			once.Do(func() {
				if err == nil {
					return
				}
				t.handleNack(g, topic, id, source, payload, metadata, retryCount, err)
			})
			return nil
		}

		msg := transport.NewMessageWithAck(id, source, payload, metadata, retryCount, ackFn)

		select {
		case sub.ch <- msg:
			t.mu.RUnlock()
		default:
			t.mu.RUnlock()
			t.dropped.Add(context.Background(), 1)
			t.logger.Warn("dropped message, subscriber buffer full",
				"topic", topic,
				"group", g.key.name,
				"id", id)
		}
		return
	}
}

// handleNack redelivers a rejected message to the same group, or routes it
// to the dead-letter topic once the redelivery limit is reached.
func (t *Transport) handleNack(g *group, topic, id, source string, payload []byte, metadata map[string]string, retryCount int, cause error) {
	if t.closed.Load() {
		return
	}

	next := retryCount + 1
	if next >= t.opts.maxRedeliveries {
		t.deadLetter(topic, id, source, payload, metadata, next, cause)
		return
	}

	t.redelive.Add(context.Background(), 1)
	delay := transport.Jitter(t.opts.redeliveryDelay, 0.2)
	time.AfterFunc(delay, func() {
		if t.closed.Load() {
			return
		}
		t.deliverToGroup(g, topic, id, source, payload, metadata, next)
	})
}

// deadLetter publishes the message to "{topic}.failed" with death metadata.
// Dead-letter topics need no registration; a message with no matching
// dead-letter subscription is dropped, which mirrors an unbound exchange.
func (t *Transport) deadLetter(topic, id, source string, payload []byte, metadata map[string]string, deaths int, cause error) {
	md := make(map[string]string, len(metadata)+3)
	for k, v := range metadata {
		md[k] = v
	}
	md[transport.MetadataDeathCount] = strconv.Itoa(deaths)
	md[transport.MetadataOriginalTopic] = topic

	dlTopic := topic + ".failed"
	t.logger.Warn("dead-lettering message",
		"topic", topic,
		"dead_letter_topic", dlTopic,
		"id", id,
		"deaths", deaths,
		"error", cause)

	t.deliver(dlTopic, id, source, payload, md, deaths)
}

// Subscribe binds a group member to a routing pattern.
func (t *Transport) Subscribe(ctx context.Context, pattern, groupName string) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrTransportClosed
	}
	if err := transport.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := groupKey{pattern: pattern, name: groupName}
	g, ok := t.groups[key]
	if !ok {
		g = &group{key: key}
		t.groups[key] = g
	}

	sub := &subscription{
		id: transport.NewID(),
		ch: make(chan transport.Message, t.opts.bufferSize),
		t:  t,
		g:  g,
	}
	g.subs = append(g.subs, sub)

	t.logger.Debug("subscribed",
		"pattern", pattern,
		"group", groupName,
		"subscription", sub.id)
	return sub, nil
}

func (t *Transport) removeSubscription(sub *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := sub.g
	for i, s := range g.subs {
		if s == sub {
			g.subs = append(g.subs[:i], g.subs[i+1:]...)
			break
		}
	}
	if len(g.subs) == 0 {
		delete(t.groups, g.key)
	}
	// Publishers send while holding the read lock, so once the write lock
	// is held no send is in flight on this channel.
	close(sub.ch)
}

// Close shuts down the transport and all subscriptions.
func (t *Transport) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	var subs []*subscription
	for _, g := range t.groups {
		subs = append(subs, g.subs...)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Close(ctx)
	}
	return nil
}

var _ transport.Transport = (*Transport)(nil)
