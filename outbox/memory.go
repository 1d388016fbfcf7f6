package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process outbox store.
//
// It exists for tests and prototypes: it honors the same transactional
// contract as the SQL stores through its own lightweight Tx, so rollback
// semantics (no record survives a rolled-back transaction) can be exercised
// without a database.
//
//	store := outbox.NewMemoryStore()
//	tx := store.Begin()
//	rec, _ := store.WriteEvent(ctx, tx, "device", "d1", "device.created", payload)
//	tx.Rollback() // rec is discarded
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string // insertion order, tie-breaker for equal timestamps
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		clock:   time.Now,
	}
}

// WithClock overrides the store's time source. Tests use it to control
// retention and backoff arithmetic.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Tx is a staged set of writes against a MemoryStore. It mirrors the
// commit/rollback semantics of a database transaction for the records it
// stages; it does not isolate reads.
type Tx struct {
	store  *MemoryStore
	staged []*Record
	done   bool
	mu     sync.Mutex
}

// ErrTxDone is returned when a finished transaction is reused.
var ErrTxDone = errors.New("outbox: transaction already finished")

// Begin starts a new staged transaction.
func (s *MemoryStore) Begin() *Tx {
	return &Tx{store: s}
}

// Commit applies all staged records atomically.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for _, rec := range tx.staged {
		tx.store.records[rec.ID] = rec
		tx.store.order = append(tx.store.order, rec.ID)
	}
	tx.staged = nil
	return nil
}

// Rollback discards all staged records.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.staged = nil
	return nil
}

// WriteEvent stages an outbox record in the transaction. The record becomes
// visible to the relay only after tx.Commit.
func (s *MemoryStore) WriteEvent(ctx context.Context, tx *Tx, aggregateType, aggregateID, eventType string, payload any, opts ...WriteOption) (*Record, error) {
	o := ApplyWriteOptions(opts...)

	encoded, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, ErrTxDone
	}

	rec := &Record{
		ID:            uuid.New().String(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       encoded,
		Status:        StatusPending,
		MaxRetries:    o.MaxRetries,
		CreatedAt:     s.clock(),
	}
	tx.staged = append(tx.staged, rec)
	return rec, nil
}

// Get returns a copy of a record by id. Test helper.
func (s *MemoryStore) Get(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Len returns the number of committed records. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// GetPending returns up to limit pending records, oldest first.
func (s *MemoryStore) GetPending(ctx context.Context, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok || rec.Status != StatusPending {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkPublished transitions a record to published.
func (s *MemoryStore) MarkPublished(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	now := s.clock()
	rec.Status = StatusPublished
	rec.PublishedAt = &now
	return nil
}

// MarkFailed records a publish failure, flipping the record to failed once
// its attempt budget is exhausted.
func (s *MemoryStore) MarkFailed(ctx context.Context, id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	now := s.clock()
	rec.RetryCount++
	rec.ErrorMessage = cause.Error()
	rec.LastErrorAt = &now
	if rec.RetryCount >= rec.MaxRetries {
		rec.Status = StatusFailed
	}
	return nil
}

// ListRetryable returns failed records with remaining retry budget.
func (s *MemoryStore) ListRetryable(ctx context.Context, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok || rec.Status != StatusFailed || rec.RetryCount >= rec.MaxRetries {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := out[i].LastErrorAt, out[j].LastErrorAt
		switch {
		case li == nil:
			return true
		case lj == nil:
			return false
		default:
			return li.Before(*lj)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Readmit transitions a failed record back to pending.
func (s *MemoryStore) Readmit(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Status != StatusFailed {
		return nil
	}
	rec.Status = StatusPending
	return nil
}

// DeletePublished removes published records older than the retention.
func (s *MemoryStore) DeletePublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock().Add(-olderThan)
	var deleted int64
	kept := s.order[:0]
	for _, id := range s.order {
		rec, ok := s.records[id]
		if ok && rec.Status == StatusPublished && rec.PublishedAt != nil && rec.PublishedAt.Before(cutoff) {
			delete(s.records, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return deleted, nil
}

// CountPending returns the pending backlog size.
func (s *MemoryStore) CountPending(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rec := range s.records {
		if rec.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
