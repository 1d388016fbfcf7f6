package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Default TTLs. The processed marker must outlive the longest plausible
// redelivery window; the lock only needs to cover one handler execution.
const (
	DefaultProcessedTTL = 24 * time.Hour
	DefaultLockTTL      = 30 * time.Second
)

// Key prefixes in the shared KV.
const (
	processedPrefix = "event:processed:"
	lockPrefix      = "event:processed:lock:"
)

// Result reports what the guard did with an event.
type Result int

const (
	// ResultProcessed means the handler ran (successfully or not).
	ResultProcessed Result = iota

	// ResultDuplicate means the event was already processed and the
	// handler was skipped.
	ResultDuplicate

	// ResultLocked means another replica is processing this event right
	// now. The caller should ack the message and let broker redelivery
	// retry if the other replica fails.
	ResultLocked
)

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r {
	case ResultProcessed:
		return "processed"
	case ResultDuplicate:
		return "duplicate"
	case ResultLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// processedRecord is the marker value, recording when and where an event
// was handled.
type processedRecord struct {
	ProcessedAt time.Time `json:"processedAt"`
	InstanceID  string    `json:"instanceId"`
}

// Guard wraps event handlers with distributed deduplication.
//
// Process runs this sequence:
//
//  1. an event without an ID cannot be deduplicated; run the handler
//     directly and log a warning
//  2. check the processed marker; if present, skip as duplicate
//  3. try to take the lock with SetIfAbsent; if another replica holds it,
//     return ResultLocked without running the handler
//  4. re-check the marker under the lock (the other replica may have
//     finished between steps 2 and 3)
//  5. run the handler
//  6. on success, write the processed marker
//  7. on failure, write nothing so a redelivery can retry
//  8. release the lock either way
//
// KV outages fail open: the handler runs without deduplication rather
// than stalling the consumer, and the outage is logged.
type Guard struct {
	kv           KV
	instanceID   string
	processedTTL time.Duration
	lockTTL      time.Duration
	logger       *slog.Logger
}

// NewGuard creates a guard. instanceID identifies this replica in
// processed markers (typically the hostname or pod name).
func NewGuard(kv KV, instanceID string) *Guard {
	return &Guard{
		kv:           kv,
		instanceID:   instanceID,
		processedTTL: DefaultProcessedTTL,
		lockTTL:      DefaultLockTTL,
		logger:       slog.Default().With("component", "idempotency.guard"),
	}
}

// WithProcessedTTL sets how long processed markers are kept.
func (g *Guard) WithProcessedTTL(ttl time.Duration) *Guard {
	g.processedTTL = ttl
	return g
}

// WithLockTTL sets the processing lock TTL. Must exceed the handler
// timeout, otherwise a slow handler's lock can expire mid-flight.
func (g *Guard) WithLockTTL(ttl time.Duration) *Guard {
	g.lockTTL = ttl
	return g
}

// WithLogger sets a custom logger.
func (g *Guard) WithLogger(l *slog.Logger) *Guard {
	g.logger = l
	return g
}

// Process runs fn at most once per event ID across all replicas sharing
// the KV. The returned error is fn's error when the handler ran; guard
// bookkeeping failures are logged, not returned.
func (g *Guard) Process(ctx context.Context, eventID string, fn func(context.Context) error) (Result, error) {
	if eventID == "" {
		g.logger.Warn("event has no id, processing without deduplication")
		return ResultProcessed, fn(ctx)
	}

	if g.isProcessed(ctx, eventID) {
		g.logger.Debug("skipping duplicate event", "event_id", eventID)
		return ResultDuplicate, nil
	}

	lockKey := lockPrefix + eventID
	acquired, err := g.kv.SetIfAbsent(ctx, lockKey, []byte(g.instanceID), g.lockTTL)
	if err != nil {
		g.logger.Warn("lock acquisition failed, processing without deduplication",
			"event_id", eventID, "error", err)
		return ResultProcessed, fn(ctx)
	}
	if !acquired {
		g.logger.Debug("event locked by another instance", "event_id", eventID)
		return ResultLocked, nil
	}
	defer func() {
		if err := g.kv.Delete(ctx, lockKey); err != nil {
			// The lock TTL bounds the damage to one lockTTL of blocking.
			g.logger.Warn("lock release failed", "event_id", eventID, "error", err)
		}
	}()

	// Another replica may have finished between the first check and the
	// lock.
	if g.isProcessed(ctx, eventID) {
		g.logger.Debug("event processed while acquiring lock", "event_id", eventID)
		return ResultDuplicate, nil
	}

	if err := fn(ctx); err != nil {
		return ResultProcessed, err
	}

	g.markProcessed(ctx, eventID)
	return ResultProcessed, nil
}

func (g *Guard) isProcessed(ctx context.Context, eventID string) bool {
	val, err := g.kv.Get(ctx, processedPrefix+eventID)
	if err != nil {
		g.logger.Warn("processed check failed, assuming not processed",
			"event_id", eventID, "error", err)
		return false
	}
	return val != nil
}

func (g *Guard) markProcessed(ctx context.Context, eventID string) {
	rec := processedRecord{
		ProcessedAt: time.Now().UTC(),
		InstanceID:  g.instanceID,
	}
	val, err := json.Marshal(rec)
	if err != nil {
		g.logger.Warn("marshal processed record", "event_id", eventID, "error", err)
		return
	}
	if err := g.kv.Set(ctx, processedPrefix+eventID, val, g.processedTTL); err != nil {
		// Processing succeeded; worst case the event runs again on
		// redelivery, which handlers must tolerate anyway.
		g.logger.Warn("mark processed failed", "event_id", eventID, "error", err)
	}
}
