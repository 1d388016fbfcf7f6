package eventflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rbaliyan/eventflow/idempotency"
)

// Consumer is the processing base every subscriber shares: it validates
// the envelope, deduplicates through the idempotency guard, bounds handler
// execution time, classifies failures, and logs with payload redaction.
//
// Handlers stay plain functions over decoded events; the Consumer supplies
// the reliability machinery around them.
type Consumer struct {
	service string
	guard   *idempotency.Guard
	timeout time.Duration
	logger  *slog.Logger

	processed  metric.Int64Counter
	duplicates metric.Int64Counter
	failures   metric.Int64Counter
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithHandlerTimeout bounds each handler invocation. Keep it below the
// guard's lock TTL so the lock cannot expire while the handler runs. Zero
// disables the bound.
func WithHandlerTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.timeout = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

// NewConsumer creates a consumer base for a service. The service name
// tags logs and metrics and should match the consumer group the service
// subscribes under.
func NewConsumer(service string, guard *idempotency.Guard, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		service: service,
		guard:   guard,
		timeout: 30 * time.Second,
		logger:  slog.Default().With("component", "consumer", "service", service),
	}
	for _, opt := range opts {
		opt(c)
	}

	meter := otel.Meter("eventflow.consumer")
	c.processed, _ = meter.Int64Counter("eventflow.consumer.processed",
		metric.WithDescription("Events processed successfully"),
		metric.WithUnit("{event}"))
	c.duplicates, _ = meter.Int64Counter("eventflow.consumer.duplicates",
		metric.WithDescription("Events skipped as duplicates"),
		metric.WithUnit("{event}"))
	c.failures, _ = meter.Int64Counter("eventflow.consumer.failures",
		metric.WithDescription("Events whose handler returned an error"),
		metric.WithUnit("{event}"))

	return c
}

// HandleEvent runs one event through validation, deduplication, and the
// handler. Returns nil for duplicates and for events another replica is
// already processing; those deliveries are safe to acknowledge.
func (c *Consumer) HandleEvent(ctx context.Context, ev *Event, h HandlerFunc) error {
	if err := ev.Validate(); err != nil {
		c.logger.Error("invalid event", "error", err)
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	attrs := metric.WithAttributes(attribute.String("event_type", ev.Type))

	result, err := c.guard.Process(ctx, ev.ID, func(ctx context.Context) error {
		return c.invoke(ctx, ev, h)
	})

	switch result {
	case idempotency.ResultDuplicate:
		c.duplicates.Add(ctx, 1, attrs)
		c.logger.Debug("duplicate event skipped",
			"event_type", ev.Type,
			"event_id", ev.ID)
		return nil
	case idempotency.ResultLocked:
		// Another replica holds the lock. Ack this delivery; if that
		// replica fails it nacks its own, and redelivery retries.
		c.logger.Debug("event held by another instance",
			"event_type", ev.Type,
			"event_id", ev.ID)
		return nil
	}

	if err != nil {
		class := Classify(err)
		c.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", ev.Type),
			attribute.String("class", class.String())))
		c.logger.Error("event handler failed",
			"event_type", ev.Type,
			"event_id", ev.ID,
			"class", class.String(),
			"payload", RedactJSON(ev.Payload),
			"error", err)
		return err
	}

	c.processed.Add(ctx, 1, attrs)
	c.logger.Debug("event processed",
		"event_type", ev.Type,
		"event_id", ev.ID)
	return nil
}

// HandleEvents processes a batch with per-event isolation: every event is
// attempted regardless of earlier failures, and the joined error reports
// all of them.
func (c *Consumer) HandleEvents(ctx context.Context, evs []*Event, h HandlerFunc) error {
	var errs []error
	for _, ev := range evs {
		if err := c.HandleEvent(ctx, ev, h); err != nil {
			errs = append(errs, fmt.Errorf("event %s (%s): %w", ev.ID, ev.Type, err))
		}
	}
	return errors.Join(errs...)
}

// invoke runs the handler under the configured timeout. The handler runs
// in its own goroutine so a stuck handler cannot wedge the dispatch loop;
// on timeout the goroutine is abandoned with a cancelled context.
func (c *Consumer) invoke(ctx context.Context, ev *Event, h HandlerFunc) error {
	if c.timeout <= 0 {
		return h(ctx, ev)
	}

	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h(tctx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrHandlerTimeout, c.timeout)
		}
		return tctx.Err()
	}
}
