// Package outbox implements the transactional outbox pattern: event records
// are written in the same database transaction as the domain mutation they
// describe, then published asynchronously by a background relay.
//
// This closes the dual-write gap. Without the outbox, a crash between the
// database commit and the broker publish silently loses the event:
//
//	// UNSAFE: not atomic
//	if err := insertDevice(ctx, db, dev); err != nil {
//	    return err
//	}
//	// crash here: device exists, "device.created" never fires
//	return transport.Publish(ctx, "device.created", msg)
//
// With the outbox, the event record commits or rolls back together with the
// domain row, and the relay takes over after commit:
//
//	publisher := outbox.NewPostgresPublisher(db)
//	err := withTx(ctx, db, func(tx *sql.Tx) error {
//	    if err := insertDevice(ctx, tx, dev); err != nil {
//	        return err
//	    }
//	    _, err := publisher.WriteEvent(ctx, tx, "device", dev.ID, "device.created", dev)
//	    return err
//	})
//
// # Record lifecycle
//
// Records are created pending, and only the relay and its retry pass mutate
// them afterwards:
//
//	pending --publish ok--> published          (terminal, deleted after retention)
//	pending --publish fail, retries left--> pending     (retried next tick)
//	pending --publish fail, retries exhausted--> failed (terminal until re-admitted)
//	failed  --retry pass, backoff elapsed--> pending    (retryCount kept)
//
// RetryCount is a record of total attempts: it only grows, including across
// re-admissions.
//
// # Stores
//
//   - PostgresStore: production SQL store, FOR UPDATE SKIP LOCKED selection
//   - MongoStore: document store, usable inside Mongo transactions
//   - MemoryStore: in-process store for tests and prototypes
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the delivery state of an outbox record.
type Status string

const (
	// StatusPending marks a record awaiting publication. New records and
	// re-admitted failures are pending.
	StatusPending Status = "pending"

	// StatusPublished marks a successfully published record. Terminal;
	// the janitor deletes published records past the retention window.
	StatusPublished Status = "published"

	// StatusFailed marks a record whose publish attempts are exhausted.
	// Only the retry pass (or an operator) re-admits it.
	StatusFailed Status = "failed"
)

// DefaultMaxRetries is the publish attempt budget for a record unless
// WithMaxRetries overrides it.
const DefaultMaxRetries = 3

// Record is one domain event awaiting delivery.
//
// ID and Payload are immutable once written. PublishedAt is set exactly
// once, on the pending to published transition.
type Record struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	Status        Status
	RetryCount    int
	MaxRetries    int
	ErrorMessage  string
	LastErrorAt   *time.Time
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// Store errors.
var (
	ErrRecordNotFound = errors.New("outbox record not found")
)

// Store is the relay-facing interface over outbox persistence. Writing
// records is backend-specific (it needs the caller's transaction handle) and
// lives on the per-backend publisher types.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// GetPending returns up to limit pending records, oldest first.
	// Oldest-first is a fairness best effort, not an ordering guarantee:
	// re-admitted failures interleave with new records.
	GetPending(ctx context.Context, limit int) ([]*Record, error)

	// MarkPublished transitions a record to published and stamps
	// publishedAt. Called once per record, after a successful publish.
	MarkPublished(ctx context.Context, id string) error

	// MarkFailed records a publish failure: retryCount is incremented,
	// lastErrorAt and errorMessage are set, and the record transitions
	// to failed if the attempt budget is now exhausted; otherwise it
	// stays pending and is retried on the next relay tick.
	MarkFailed(ctx context.Context, id string, cause error) error

	// ListRetryable returns failed records that still have retry budget
	// (retryCount < maxRetries), oldest failure first.
	ListRetryable(ctx context.Context, limit int) ([]*Record, error)

	// Readmit transitions a failed record back to pending. RetryCount is
	// left untouched so it keeps counting total attempts.
	Readmit(ctx context.Context, id string) error

	// DeletePublished removes published records older than the given
	// retention and returns how many were deleted.
	DeletePublished(ctx context.Context, olderThan time.Duration) (int64, error)

	// CountPending returns the current backlog size. Used by the relay's
	// backlog gauge.
	CountPending(ctx context.Context) (int64, error)
}

// WriteOptions configures a single WriteEvent call.
type WriteOptions struct {
	// MaxRetries is the publish attempt budget. Default DefaultMaxRetries.
	MaxRetries int
}

// WriteOption configures WriteEvent.
type WriteOption func(*WriteOptions)

// WithMaxRetries overrides the publish attempt budget for one record.
func WithMaxRetries(n int) WriteOption {
	return func(o *WriteOptions) {
		if n > 0 {
			o.MaxRetries = n
		}
	}
}

// ApplyWriteOptions resolves write options against the defaults.
func ApplyWriteOptions(opts ...WriteOption) *WriteOptions {
	o := &WriteOptions{MaxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// encodePayload marshals an arbitrary payload value to its stored JSON
// form. json.RawMessage and []byte pass through untouched.
func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}
