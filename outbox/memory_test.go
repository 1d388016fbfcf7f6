package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"syreclabs.com/go/faker"
)

func init() {
	faker.Seed(time.Now().UnixNano())
}

type devicePayload struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
}

func writeCommitted(t *testing.T, s *MemoryStore, eventType string, opts ...WriteOption) *Record {
	t.Helper()
	tx := s.Begin()
	rec, err := s.WriteEvent(context.Background(), tx, "device", faker.Number().Hexadecimal(8), eventType, devicePayload{
		DeviceID: faker.Number().Hexadecimal(8),
		Name:     faker.App().Name(),
	}, opts...)
	if err != nil {
		t.Fatalf("WriteEvent failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return rec
}

func TestMemoryStoreWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("committed record is pending", func(t *testing.T) {
		s := NewMemoryStore()
		rec := writeCommitted(t, s, "device.created")

		got, ok := s.Get(rec.ID)
		if !ok {
			t.Fatal("record not found after commit")
		}
		if got.Status != StatusPending {
			t.Errorf("status = %s, want pending", got.Status)
		}
		if got.MaxRetries != DefaultMaxRetries {
			t.Errorf("maxRetries = %d, want %d", got.MaxRetries, DefaultMaxRetries)
		}
		if got.RetryCount != 0 {
			t.Errorf("retryCount = %d, want 0", got.RetryCount)
		}
	})

	t.Run("rolled back record does not exist", func(t *testing.T) {
		s := NewMemoryStore()
		tx := s.Begin()
		rec, err := s.WriteEvent(ctx, tx, "device", "d-1", "device.created", devicePayload{DeviceID: "d-1"})
		if err != nil {
			t.Fatalf("WriteEvent failed: %v", err)
		}
		if err := tx.Rollback(); err != nil {
			t.Fatalf("Rollback failed: %v", err)
		}

		if _, ok := s.Get(rec.ID); ok {
			t.Error("record survived rollback")
		}
		if s.Len() != 0 {
			t.Errorf("store has %d records after rollback", s.Len())
		}
	})

	t.Run("finished transaction cannot be reused", func(t *testing.T) {
		s := NewMemoryStore()
		tx := s.Begin()
		tx.Commit()

		if _, err := s.WriteEvent(ctx, tx, "device", "d-1", "device.created", nil); !errors.Is(err, ErrTxDone) {
			t.Errorf("expected ErrTxDone, got %v", err)
		}
		if err := tx.Commit(); !errors.Is(err, ErrTxDone) {
			t.Errorf("expected ErrTxDone on double commit, got %v", err)
		}
	})

	t.Run("WithMaxRetries overrides the budget", func(t *testing.T) {
		s := NewMemoryStore()
		rec := writeCommitted(t, s, "device.created", WithMaxRetries(7))
		if rec.MaxRetries != 7 {
			t.Errorf("maxRetries = %d, want 7", rec.MaxRetries)
		}
	})
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("GetPending returns oldest first", func(t *testing.T) {
		now := time.Now()
		s := NewMemoryStore()
		clock := now
		s.WithClock(func() time.Time { return clock })

		var ids []string
		for i := 0; i < 3; i++ {
			clock = now.Add(time.Duration(i) * time.Second)
			ids = append(ids, writeCommitted(t, s, "device.created").ID)
		}

		got, err := s.GetPending(ctx, 10)
		if err != nil {
			t.Fatalf("GetPending failed: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("got %d records, want 3", len(got))
		}
		for i, rec := range got {
			if rec.ID != ids[i] {
				t.Errorf("position %d: got %s, want %s", i, rec.ID, ids[i])
			}
		}

		limited, _ := s.GetPending(ctx, 2)
		if len(limited) != 2 {
			t.Errorf("limit ignored: got %d records", len(limited))
		}
	})

	t.Run("MarkPublished stamps publishedAt", func(t *testing.T) {
		s := NewMemoryStore()
		rec := writeCommitted(t, s, "device.created")

		if err := s.MarkPublished(ctx, rec.ID); err != nil {
			t.Fatalf("MarkPublished failed: %v", err)
		}

		got, _ := s.Get(rec.ID)
		if got.Status != StatusPublished {
			t.Errorf("status = %s, want published", got.Status)
		}
		if got.PublishedAt == nil {
			t.Error("publishedAt not set")
		}

		pending, _ := s.GetPending(ctx, 10)
		if len(pending) != 0 {
			t.Errorf("published record still pending: %d", len(pending))
		}
	})

	t.Run("MarkFailed exhausts the budget", func(t *testing.T) {
		s := NewMemoryStore()
		rec := writeCommitted(t, s, "device.created") // budget 3

		cause := errors.New("broker unavailable")
		for i := 1; i <= 2; i++ {
			if err := s.MarkFailed(ctx, rec.ID, cause); err != nil {
				t.Fatalf("MarkFailed %d failed: %v", i, err)
			}
			got, _ := s.Get(rec.ID)
			if got.Status != StatusPending {
				t.Errorf("attempt %d: status = %s, want pending", i, got.Status)
			}
			if got.RetryCount != i {
				t.Errorf("attempt %d: retryCount = %d", i, got.RetryCount)
			}
		}

		if err := s.MarkFailed(ctx, rec.ID, cause); err != nil {
			t.Fatalf("final MarkFailed failed: %v", err)
		}
		got, _ := s.Get(rec.ID)
		if got.Status != StatusFailed {
			t.Errorf("status = %s, want failed", got.Status)
		}
		if got.RetryCount != 3 {
			t.Errorf("retryCount = %d, want 3", got.RetryCount)
		}
		if got.ErrorMessage != cause.Error() {
			t.Errorf("errorMessage = %q", got.ErrorMessage)
		}
		if got.LastErrorAt == nil {
			t.Error("lastErrorAt not set")
		}
	})

	t.Run("Readmit keeps retryCount", func(t *testing.T) {
		s := NewMemoryStore()
		rec := writeCommitted(t, s, "device.created")
		for i := 0; i < 3; i++ {
			s.MarkFailed(ctx, rec.ID, errors.New("x"))
		}

		if err := s.Readmit(ctx, rec.ID); err != nil {
			t.Fatalf("Readmit failed: %v", err)
		}
		got, _ := s.Get(rec.ID)
		if got.Status != StatusPending {
			t.Errorf("status = %s, want pending", got.Status)
		}
		if got.RetryCount != 3 {
			t.Errorf("retryCount reset: %d", got.RetryCount)
		}
	})

	t.Run("ListRetryable requires remaining budget", func(t *testing.T) {
		s := NewMemoryStore()
		rec := writeCommitted(t, s, "device.created")
		for i := 0; i < 3; i++ {
			s.MarkFailed(ctx, rec.ID, errors.New("x"))
		}

		// Budget fully exhausted: not retryable until an operator raises it.
		got, err := s.ListRetryable(ctx, 10)
		if err != nil {
			t.Fatalf("ListRetryable failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("exhausted record listed as retryable")
		}

		// Operator raises the budget; the record becomes retryable.
		s.mu.Lock()
		s.records[rec.ID].MaxRetries = 5
		s.mu.Unlock()

		got, _ = s.ListRetryable(ctx, 10)
		if len(got) != 1 || got[0].ID != rec.ID {
			t.Errorf("record with raised budget not retryable: %v", got)
		}
	})

	t.Run("unknown ids return ErrRecordNotFound", func(t *testing.T) {
		s := NewMemoryStore()
		if err := s.MarkPublished(ctx, "missing"); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("MarkPublished: %v", err)
		}
		if err := s.MarkFailed(ctx, "missing", errors.New("x")); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("MarkFailed: %v", err)
		}
		if err := s.Readmit(ctx, "missing"); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("Readmit: %v", err)
		}
	})
}

func TestMemoryStoreJanitor(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	s := NewMemoryStore().WithClock(func() time.Time { return clock })

	oldRec := writeCommitted(t, s, "device.created")
	s.MarkPublished(ctx, oldRec.ID)

	clock = now.Add(8 * 24 * time.Hour)
	freshRec := writeCommitted(t, s, "device.deleted")
	s.MarkPublished(ctx, freshRec.ID)
	pendingRec := writeCommitted(t, s, "device.updated")

	deleted, err := s.DeletePublished(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("DeletePublished failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d records, want 1", deleted)
	}
	if _, ok := s.Get(oldRec.ID); ok {
		t.Error("expired published record survived")
	}
	if _, ok := s.Get(freshRec.ID); !ok {
		t.Error("fresh published record deleted")
	}
	if _, ok := s.Get(pendingRec.ID); !ok {
		t.Error("pending record deleted")
	}

	n, _ := s.CountPending(ctx)
	if n != 1 {
		t.Errorf("CountPending = %d, want 1", n)
	}
}
