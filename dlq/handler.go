// Package dlq consumes dead-letter topics and escalates events that have
// permanently failed.
//
// Transports dead-letter a message to "<topic>.failed" once its redelivery
// budget is spent. The Handler subscribes to those topics per domain
// ("device.*.failed", "billing.*.failed") and inspects each arrival's death
// count:
//
//   - below the threshold the message is logged as retry-eligible and left
//     to the normal redelivery machinery
//   - at or above the threshold the event is recorded as a permanent
//     failure and escalated to administrators through the alert package
//
// Permanent-failure persistence is an extension point: implement
// FailureRecorder to write failures into your own store; the default just
// logs them.
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rbaliyan/eventflow"
	"github.com/rbaliyan/eventflow/alert"
	"github.com/rbaliyan/eventflow/transport"
)

// DefaultRedeliveryThreshold is how many deliveries a dead-lettered event
// gets before it is treated as permanently failed.
const DefaultRedeliveryThreshold = 3

// DefaultGroup is the consumer group dead-letter subscriptions use. One
// group so exactly one handler replica inspects each dead-lettered message.
const DefaultGroup = "dlq"

// Failure describes a permanently failed event.
type Failure struct {
	Event         *eventflow.Event
	OriginalTopic string
	DeathCount    int
	Source        string
	Reason        string
}

// FailureRecorder persists permanently failed events for later inspection
// or replay.
type FailureRecorder interface {
	RecordPermanentFailure(ctx context.Context, f *Failure) error
}

// logRecorder is the default FailureRecorder: it only logs. The log line
// carries everything needed to reconstruct the failure by hand.
type logRecorder struct {
	logger *slog.Logger
}

func (r *logRecorder) RecordPermanentFailure(ctx context.Context, f *Failure) error {
	r.logger.Error("permanent event failure",
		"event_id", f.Event.ID,
		"event_type", f.Event.Type,
		"original_topic", f.OriginalTopic,
		"death_count", f.DeathCount,
		"source", f.Source,
		"reason", f.Reason,
		"payload", eventflow.RedactJSON(f.Event.Payload))
	return nil
}

// Handler consumes dead-letter topics and escalates permanent failures.
type Handler struct {
	transport transport.Transport
	escalator *alert.Escalator
	recorder  FailureRecorder
	service   string
	group     string
	threshold int
	logger    *slog.Logger

	deadLettered metric.Int64Counter
	escalated    metric.Int64Counter
}

// NewHandler creates a dead-letter handler. The service name tags the
// escalated error events.
func NewHandler(t transport.Transport, e *alert.Escalator, service string) *Handler {
	logger := slog.Default().With("component", "dlq.handler", "service", service)
	h := &Handler{
		transport: t,
		escalator: e,
		recorder:  &logRecorder{logger: logger},
		service:   service,
		group:     DefaultGroup,
		threshold: DefaultRedeliveryThreshold,
		logger:    logger,
	}

	meter := otel.Meter("eventflow.dlq")
	h.deadLettered, _ = meter.Int64Counter("eventflow.dlq.received",
		metric.WithDescription("Messages received on dead-letter topics"),
		metric.WithUnit("{message}"))
	h.escalated, _ = meter.Int64Counter("eventflow.dlq.escalated",
		metric.WithDescription("Dead-lettered events escalated as permanent failures"),
		metric.WithUnit("{message}"))

	return h
}

// WithRecorder sets the permanent-failure sink.
func (h *Handler) WithRecorder(r FailureRecorder) *Handler {
	h.recorder = r
	return h
}

// WithThreshold sets the death count at which an event is treated as
// permanently failed.
func (h *Handler) WithThreshold(n int) *Handler {
	h.threshold = n
	return h
}

// WithGroup sets the consumer group for dead-letter subscriptions.
func (h *Handler) WithGroup(group string) *Handler {
	h.group = group
	return h
}

// WithLogger sets a custom logger.
func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	h.logger = l
	return h
}

// Start subscribes to "<domain>.*.failed" for every given domain and
// dispatches arrivals until the transport closes or the context ends.
// Returns after all subscriptions are established.
func (h *Handler) Start(ctx context.Context, domains ...string) error {
	for _, domain := range domains {
		pattern := domain + ".*.failed"
		sub, err := h.transport.Subscribe(ctx, pattern, h.group)
		if err != nil {
			return fmt.Errorf("subscribe dead-letter pattern %s: %w", pattern, err)
		}
		go h.consume(ctx, sub, domain)
	}
	return nil
}

func (h *Handler) consume(ctx context.Context, sub transport.Subscription, domain string) {
	for msg := range sub.Messages() {
		h.handle(ctx, msg, domain)
		// Dead-letter deliveries are terminal either way; nacking here
		// would just loop the failed topic.
		msg.Ack(nil)
	}
}

func (h *Handler) handle(ctx context.Context, msg transport.Message, domain string) {
	h.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", domain)))

	ev, err := eventflow.Decode(msg.Payload())
	if err != nil {
		h.logger.Error("decode dead-lettered message",
			"message_id", msg.ID(),
			"domain", domain,
			"error", err)
		return
	}

	deaths := deathCount(msg)
	originalTopic := msg.Metadata()[transport.MetadataOriginalTopic]
	if originalTopic == "" {
		originalTopic = ev.Type
	}

	if deaths < h.threshold {
		h.logger.Warn("dead-lettered event still retry-eligible",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"death_count", deaths,
			"threshold", h.threshold)
		return
	}

	h.escalated.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", domain)))

	failure := &Failure{
		Event:         ev,
		OriginalTopic: originalTopic,
		DeathCount:    deaths,
		Source:        msg.Source(),
		Reason:        fmt.Sprintf("redelivered %d times without success", deaths),
	}
	if err := h.recorder.RecordPermanentFailure(ctx, failure); err != nil {
		h.logger.Error("record permanent failure",
			"event_id", ev.ID,
			"error", err)
	}

	// Timestamp stays zero so the escalator stamps the escalation time.
	// Using the event's creation time would backdate the aggregate and
	// let the hourly cleanup purge an actively-failing one.
	errEv := &alert.ErrorEvent{
		ServiceName:  h.service,
		ErrorCode:    "EVENT_DELIVERY_FAILED",
		ErrorMessage: fmt.Sprintf("event %s (%s) failed permanently after %d deliveries", ev.ID, ev.Type, deaths),
		RequestID:    ev.ID,
		Metadata: map[string]any{
			"category":       domain,
			"eventType":      ev.Type,
			"originalTopic":  originalTopic,
			"deathCount":     deaths,
			"eventTimestamp": ev.Timestamp.Format(time.RFC3339),
		},
	}
	if err := h.escalator.HandleErrorEvent(ctx, errEv); err != nil {
		h.logger.Error("escalate permanent failure",
			"event_id", ev.ID,
			"error", err)
	}
}

// deathCount prefers the broker's death metadata over the in-flight retry
// count, since the metadata survives the hop onto the failed topic.
func deathCount(msg transport.Message) int {
	if v := msg.Metadata()[transport.MetadataDeathCount]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return msg.RetryCount()
}
