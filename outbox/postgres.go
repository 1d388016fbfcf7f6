package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore implements Store for PostgreSQL.
//
// Required schema:
//
//	CREATE TABLE event_outbox (
//	    id             UUID PRIMARY KEY,
//	    aggregate_type VARCHAR(255) NOT NULL,
//	    aggregate_id   VARCHAR(255) NOT NULL,
//	    event_type     VARCHAR(255) NOT NULL,
//	    payload        JSONB NOT NULL,
//	    status         VARCHAR(20) NOT NULL DEFAULT 'pending',
//	    retry_count    INT NOT NULL DEFAULT 0,
//	    max_retries    INT NOT NULL DEFAULT 3,
//	    error_message  TEXT,
//	    last_error_at  TIMESTAMPTZ,
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    published_at   TIMESTAMPTZ
//	);
//	CREATE INDEX idx_event_outbox_pending ON event_outbox(status, created_at)
//	    WHERE status = 'pending';
//
// Pending selection uses FOR UPDATE SKIP LOCKED so a poll never blocks
// behind rows another transaction holds locked. The query runs on the pool
// in its own implicit transaction, so the locks end when the SELECT
// returns; they do not span the publish that follows and do not stop a
// second relay process from picking the same rows. Run one relay per
// outbox table; the relay's single-flight flag covers a single process
// only.
type PostgresStore struct {
	db        *sql.DB
	tableName string
}

// NewPostgresStore creates a PostgreSQL outbox store over an open
// connection. The default table name is "event_outbox".
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:        db,
		tableName: "event_outbox",
	}
}

// WithTableName sets a custom table name.
func (s *PostgresStore) WithTableName(name string) *PostgresStore {
	s.tableName = name
	return s
}

// insert writes a record inside the caller's transaction.
func (s *PostgresStore) insert(ctx context.Context, tx *sql.Tx, rec *Record) error {
	query := fmt.Sprintf(`
		INSERT INTO %s
			(id, aggregate_type, aggregate_id, event_type, payload,
			 status, retry_count, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.tableName)

	_, err := tx.ExecContext(ctx, query,
		rec.ID,
		rec.AggregateType,
		rec.AggregateID,
		rec.EventType,
		[]byte(rec.Payload),
		rec.Status,
		rec.RetryCount,
		rec.MaxRetries,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox record: %w", err)
	}
	return nil
}

// GetPending returns up to limit pending records, oldest first, skipping
// rows other transactions hold locked.
func (s *PostgresStore) GetPending(ctx context.Context, limit int) ([]*Record, error) {
	query := fmt.Sprintf(`
		SELECT id, aggregate_type, aggregate_id, event_type, payload,
		       retry_count, max_retries, error_message, last_error_at, created_at
		FROM %s
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows, StatusPending)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkPublished transitions a pending record to published and stamps
// published_at exactly once.
func (s *PostgresStore) MarkPublished(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, published_at = NOW()
		WHERE id = $2 AND status = $3
	`, s.tableName)

	res, err := s.db.ExecContext(ctx, query, StatusPublished, id, StatusPending)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// MarkFailed increments retry_count, stores the error, and flips the record
// to failed once retry_count reaches max_retries. The status decision is
// made in SQL so concurrent relays cannot race it.
func (s *PostgresStore) MarkFailed(ctx context.Context, id string, cause error) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET retry_count   = retry_count + 1,
		    error_message = $2,
		    last_error_at = NOW(),
		    status        = CASE WHEN retry_count + 1 >= max_retries
		                         THEN '%s' ELSE '%s' END
		WHERE id = $1
	`, s.tableName, StatusFailed, StatusPending)

	res, err := s.db.ExecContext(ctx, query, id, cause.Error())
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// ListRetryable returns failed records with remaining retry budget, oldest
// failure first.
func (s *PostgresStore) ListRetryable(ctx context.Context, limit int) ([]*Record, error) {
	query := fmt.Sprintf(`
		SELECT id, aggregate_type, aggregate_id, event_type, payload,
		       retry_count, max_retries, error_message, last_error_at, created_at
		FROM %s
		WHERE status = $1 AND retry_count < max_retries
		ORDER BY last_error_at
		LIMIT $2
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows, StatusFailed)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Readmit transitions a failed record back to pending, leaving retry_count
// as the total-attempt counter.
func (s *PostgresStore) Readmit(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1
		WHERE id = $2 AND status = $3
	`, s.tableName)

	_, err := s.db.ExecContext(ctx, query, StatusPending, id, StatusFailed)
	return err
}

// DeletePublished removes published records older than the retention.
func (s *PostgresStore) DeletePublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE status = $1 AND published_at < $2
	`, s.tableName)

	res, err := s.db.ExecContext(ctx, query, StatusPublished, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountPending returns the pending backlog size.
func (s *PostgresStore) CountPending(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = $1`, s.tableName)

	var n int64
	err := s.db.QueryRowContext(ctx, query, StatusPending).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, status Status) (*Record, error) {
	var rec Record
	var payload []byte
	var errMsg sql.NullString
	var lastErrorAt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.AggregateType,
		&rec.AggregateID,
		&rec.EventType,
		&payload,
		&rec.RetryCount,
		&rec.MaxRetries,
		&errMsg,
		&lastErrorAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Payload = payload
	rec.Status = status
	if errMsg.Valid {
		rec.ErrorMessage = errMsg.String
	}
	if lastErrorAt.Valid {
		t := lastErrorAt.Time
		rec.LastErrorAt = &t
	}
	return &rec, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil // driver without RowsAffected support
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// PostgresPublisher writes outbox records inside the caller's SQL
// transaction.
//
//	publisher := outbox.NewPostgresPublisher(db)
//	err := withTx(ctx, db, func(tx *sql.Tx) error {
//	    if _, err := tx.ExecContext(ctx, "INSERT INTO devices ..."); err != nil {
//	        return err
//	    }
//	    _, err := publisher.WriteEvent(ctx, tx, "device", dev.ID, "device.created", dev)
//	    return err
//	})
type PostgresPublisher struct {
	store *PostgresStore
}

// NewPostgresPublisher creates a publisher over the default store.
func NewPostgresPublisher(db *sql.DB) *PostgresPublisher {
	return &PostgresPublisher{store: NewPostgresStore(db)}
}

// Store returns the underlying store, for wiring the relay.
func (p *PostgresPublisher) Store() *PostgresStore {
	return p.store
}

// WriteEvent writes an outbox record inside the caller's transaction. The
// record commits or rolls back together with the caller's domain writes;
// no network call happens here. The returned record reflects the row as
// inserted (pending, zero retries).
func (p *PostgresPublisher) WriteEvent(ctx context.Context, tx *sql.Tx, aggregateType, aggregateID, eventType string, payload any, opts ...WriteOption) (*Record, error) {
	o := ApplyWriteOptions(opts...)

	encoded, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:            uuid.New().String(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       encoded,
		Status:        StatusPending,
		MaxRetries:    o.MaxRetries,
		CreatedAt:     time.Now().UTC(),
	}

	if err := p.store.insert(ctx, tx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

var _ Store = (*PostgresStore)(nil)
