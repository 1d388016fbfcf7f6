package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/eventflow"
	"github.com/rbaliyan/eventflow/ratelimit"
	"github.com/rbaliyan/eventflow/transport"
	"github.com/rbaliyan/eventflow/transport/message"
)

// Relay is the background worker that drains the outbox. It runs three
// loops off one Start call:
//
//   - relay pass (every poll interval): fetch pending records oldest
//     first, publish each to the transport, mark published or failed
//   - retry pass (every retry interval): re-admit failed records whose
//     exponential backoff has elapsed, then trigger an immediate relay
//     pass so re-admitted work does not wait a full poll tick
//   - cleanup pass (every cleanup interval): delete published records
//     older than the retention window
//
// A pass that is still running when the next tick fires is skipped rather
// than stacked, so a slow broker cannot pile up concurrent passes inside
// one process. Across processes the store is the arbiter: PostgresStore
// claims rows with SKIP LOCKED, MongoStore relies on the conditional
// MarkPublished update.
//
// Example:
//
//	relay := outbox.NewRelay(store, tr).
//	    WithPollInterval(5 * time.Second).
//	    WithRetention(7 * 24 * time.Hour)
//
//	go func() {
//	    if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	        logger.Error("relay stopped", "error", err)
//	    }
//	}()
type Relay struct {
	store     Store
	transport transport.Transport
	limiter   ratelimit.Limiter
	logger    *slog.Logger

	pollInterval    time.Duration
	retryInterval   time.Duration
	cleanupInterval time.Duration
	retention       time.Duration
	batchSize       int
	backoffBase     time.Duration
	backoffCap      time.Duration

	running  atomic.Bool
	kick     chan struct{}
	topicsMu sync.Mutex
	topics   map[string]struct{}

	published metric.Int64Counter
	failed    metric.Int64Counter
	delay     metric.Float64Histogram
}

// NewRelay creates a relay over a store and transport.
//
// Defaults: 5s poll interval, batch size 100, 1m retry interval, daily
// cleanup with 7 day retention, backoff base 1m capped at 1h.
func NewRelay(store Store, t transport.Transport) *Relay {
	r := &Relay{
		store:           store,
		transport:       t,
		logger:          transport.Logger("outbox.relay"),
		pollInterval:    5 * time.Second,
		retryInterval:   time.Minute,
		cleanupInterval: 24 * time.Hour,
		retention:       7 * 24 * time.Hour,
		batchSize:       100,
		backoffBase:     eventflow.DefaultBackoffBase,
		backoffCap:      eventflow.DefaultBackoffCap,
		kick:            make(chan struct{}, 1),
		topics:          make(map[string]struct{}),
	}

	meter := otel.Meter("eventflow.outbox")
	r.published, _ = meter.Int64Counter("eventflow.outbox.published",
		metric.WithDescription("Outbox records published to the transport"),
		metric.WithUnit("{record}"))
	r.failed, _ = meter.Int64Counter("eventflow.outbox.publish_failures",
		metric.WithDescription("Outbox publish attempts that failed"),
		metric.WithUnit("{record}"))
	r.delay, _ = meter.Float64Histogram("eventflow.outbox.delivery_delay",
		metric.WithDescription("Seconds between record creation and successful publish"),
		metric.WithUnit("s"))

	backlog, err := meter.Int64ObservableGauge("eventflow.outbox.backlog",
		metric.WithDescription("Pending outbox records"),
		metric.WithUnit("{record}"))
	if err == nil {
		meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			n, err := store.CountPending(ctx)
			if err != nil {
				return err
			}
			o.ObserveInt64(backlog, n)
			return nil
		}, backlog)
	}

	return r
}

// WithPollInterval sets how often the relay checks for pending records.
func (r *Relay) WithPollInterval(d time.Duration) *Relay {
	r.pollInterval = d
	return r
}

// WithRetryInterval sets how often failed records are checked for
// re-admission.
func (r *Relay) WithRetryInterval(d time.Duration) *Relay {
	r.retryInterval = d
	return r
}

// WithBatchSize sets the maximum records fetched per pass.
func (r *Relay) WithBatchSize(n int) *Relay {
	r.batchSize = n
	return r
}

// WithRetention sets how long published records are kept before the
// cleanup pass deletes them.
func (r *Relay) WithRetention(d time.Duration) *Relay {
	r.retention = d
	return r
}

// WithCleanupInterval sets how often the cleanup pass runs.
func (r *Relay) WithCleanupInterval(d time.Duration) *Relay {
	r.cleanupInterval = d
	return r
}

// WithBackoff sets the exponential backoff base and cap used when
// scheduling failed records for re-admission.
func (r *Relay) WithBackoff(base, cap time.Duration) *Relay {
	r.backoffBase = base
	r.backoffCap = cap
	return r
}

// WithLimiter paces publishing, protecting the broker when a large
// backlog drains after downtime.
func (r *Relay) WithLimiter(l ratelimit.Limiter) *Relay {
	r.limiter = l
	return r
}

// WithLogger sets a custom logger.
func (r *Relay) WithLogger(l *slog.Logger) *Relay {
	r.logger = l
	return r
}

// Start runs the relay loops until the context is cancelled. Blocks;
// run it in its own goroutine. Returns the context's error.
func (r *Relay) Start(ctx context.Context) error {
	poll := time.NewTicker(r.pollInterval)
	defer poll.Stop()
	retry := time.NewTicker(r.retryInterval)
	defer retry.Stop()
	cleanup := time.NewTicker(r.cleanupInterval)
	defer cleanup.Stop()

	// Drain whatever accumulated before startup.
	r.relayPass(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			r.relayPass(ctx)
		case <-r.kick:
			r.relayPass(ctx)
		case <-retry.C:
			r.retryPass(ctx)
		case <-cleanup.C:
			r.cleanupPass(ctx)
		}
	}
}

// PublishOnce runs a single relay pass synchronously. Used by tests and
// admin triggers; Start callers never need it.
func (r *Relay) PublishOnce(ctx context.Context) error {
	r.relayPass(ctx)
	return ctx.Err()
}

// relayPass fetches one batch of pending records and publishes them. A
// failure on one record marks that record and moves on; it never aborts
// the batch.
func (r *Relay) relayPass(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	defer r.running.Store(false)

	records, err := r.store.GetPending(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("fetch pending records", "error", err)
		return
	}

	for _, rec := range records {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}

		if err := r.publish(ctx, rec); err != nil {
			r.failed.Add(ctx, 1)
			r.logger.Error("publish outbox record",
				"id", rec.ID,
				"event_type", rec.EventType,
				"retry_count", rec.RetryCount,
				"error", err)
			if err := r.store.MarkFailed(ctx, rec.ID, err); err != nil {
				r.logger.Error("mark record failed", "id", rec.ID, "error", err)
			}
			continue
		}

		if err := r.store.MarkPublished(ctx, rec.ID); err != nil {
			// The publish went out; a marking failure means the record
			// will be re-published, which downstream idempotency absorbs.
			r.logger.Error("mark record published", "id", rec.ID, "error", err)
			continue
		}

		r.published.Add(ctx, 1)
		r.delay.Record(ctx, time.Since(rec.CreatedAt).Seconds())
		r.logger.Debug("published outbox record",
			"id", rec.ID,
			"event_type", rec.EventType)
	}
}

// publish wraps a record in the event envelope and sends it under its
// event type as routing key.
func (r *Relay) publish(ctx context.Context, rec *Record) error {
	ev := eventflow.Event{
		ID:            rec.ID,
		Type:          rec.EventType,
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		Payload:       rec.Payload,
		Timestamp:     rec.CreatedAt,
	}
	body, err := ev.Encode()
	if err != nil {
		return err
	}

	if err := r.register(ctx, rec.EventType); err != nil {
		return err
	}

	msg := message.New(rec.ID, "outbox", body, nil, trace.SpanContext{})
	return r.transport.Publish(ctx, rec.EventType, msg,
		transport.WithPersistent(true),
		transport.WithTimestamp(rec.CreatedAt))
}

// register declares the topic on first use, caching successes.
func (r *Relay) register(ctx context.Context, topic string) error {
	r.topicsMu.Lock()
	_, ok := r.topics[topic]
	r.topicsMu.Unlock()
	if ok {
		return nil
	}

	err := r.transport.Register(ctx, topic)
	if err != nil && !errors.Is(err, transport.ErrAlreadyRegistered) {
		return err
	}

	r.topicsMu.Lock()
	r.topics[topic] = struct{}{}
	r.topicsMu.Unlock()
	return nil
}

// retryPass re-admits failed records whose backoff has elapsed. Each
// re-admission returns the record to pending with its retry count intact,
// so the attempt history survives across failures. If anything was
// re-admitted the relay pass is kicked immediately.
func (r *Relay) retryPass(ctx context.Context) {
	records, err := r.store.ListRetryable(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("list retryable records", "error", err)
		return
	}

	now := time.Now()
	readmitted := 0
	for _, rec := range records {
		if rec.LastErrorAt != nil {
			wait := eventflow.Backoff(rec.RetryCount, r.backoffBase, r.backoffCap)
			if now.Before(rec.LastErrorAt.Add(wait)) {
				continue
			}
		}
		if err := r.store.Readmit(ctx, rec.ID); err != nil {
			r.logger.Error("readmit record", "id", rec.ID, "error", err)
			continue
		}
		readmitted++
		r.logger.Info("re-admitted failed record",
			"id", rec.ID,
			"event_type", rec.EventType,
			"retry_count", rec.RetryCount)
	}

	if readmitted > 0 {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// cleanupPass deletes published records past the retention window.
func (r *Relay) cleanupPass(ctx context.Context) {
	deleted, err := r.store.DeletePublished(ctx, r.retention)
	if err != nil {
		r.logger.Error("cleanup published records", "error", err)
		return
	}
	if deleted > 0 {
		r.logger.Info("cleaned up published records", "count", deleted)
	}
}
