package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yellowbox/fleetsync/libs/db"
)

// Repository is the Postgres ledger. Attempts live in a JSONB array on
// the record row; appends take a row lock so overlapping writers cannot
// interleave the history.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS delivery_records (
	event_id         text PRIMARY KEY,
	event_type       text NOT NULL,
	record_id        text NOT NULL,
	status           text NOT NULL DEFAULT 'pending',
	envelope         jsonb NOT NULL,
	attempts         jsonb NOT NULL DEFAULT '[]'::jsonb,
	last_error       text NOT NULL DEFAULT '',
	first_attempt_at timestamptz,
	last_attempt_at  timestamptz,
	traceparent      text NOT NULL DEFAULT '',
	tracestate       text NOT NULL DEFAULT '',
	created_at       timestamptz NOT NULL DEFAULT now()
)`, `
CREATE INDEX IF NOT EXISTS delivery_records_status_idx ON delivery_records (status, created_at)`,
}

// EnsureSchema creates the ledger table if it does not exist yet.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) Begin(ctx context.Context, eventID string, meta Meta) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO delivery_records (event_id, event_type, record_id, envelope, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, meta.Type, meta.RecordID, meta.Envelope, meta.Traceparent, meta.Tracestate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status Status
	if err := r.pool.QueryRow(ctx,
		`SELECT status FROM delivery_records WHERE event_id = $1`, eventID,
	).Scan(&status); err != nil {
		return err
	}
	if status != StatusPending {
		return ErrTerminal
	}
	return nil
}

func (r *Repository) Record(ctx context.Context, eventID string, attempt Attempt) error {
	raw, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status Status
	err = tx.QueryRow(ctx,
		`SELECT status FROM delivery_records WHERE event_id = $1 FOR UPDATE`, eventID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != StatusPending {
		return ErrTerminal
	}

	_, err = tx.Exec(ctx, `
		UPDATE delivery_records
		SET attempts = attempts || $2::jsonb,
		    first_attempt_at = COALESCE(first_attempt_at, $3),
		    last_attempt_at = $3
		WHERE event_id = $1
	`, eventID, raw, attempt.AttemptedAt.UTC())
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) Finalize(ctx context.Context, eventID string, status Status, lastError string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE delivery_records
		SET status = $2, last_error = $3
		WHERE event_id = $1 AND status = 'pending'
	`, eventID, status, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current Status
	err = r.pool.QueryRow(ctx,
		`SELECT status FROM delivery_records WHERE event_id = $1`, eventID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrTerminal
}

func (r *Repository) Get(ctx context.Context, eventID string) (DeliveryRecord, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `
		SELECT event_id, event_type, record_id, status, envelope, attempts,
		       last_error, first_attempt_at, last_attempt_at, traceparent, tracestate
		FROM delivery_records WHERE event_id = $1
	`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return DeliveryRecord{}, ErrNotFound
	}
	return rec, err
}

func (r *Repository) ListByStatus(ctx context.Context, status Status, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, event_type, record_id, status, envelope, attempts,
		       last_error, first_attempt_at, last_attempt_at, traceparent, tracestate
		FROM delivery_records
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []DeliveryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) Reopen(ctx context.Context, eventID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE delivery_records
		SET status = 'pending', last_error = ''
		WHERE event_id = $1
	`, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) MarkInterrupted(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE delivery_records
		SET status = 'failed', last_error = $1
		WHERE status = 'pending'
	`, interruptedError)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanRecord(row pgx.Row) (DeliveryRecord, error) {
	var (
		rec      DeliveryRecord
		attempts []byte
		firstAt  *time.Time
		lastAt   *time.Time
	)
	err := row.Scan(&rec.EventID, &rec.Type, &rec.RecordID, &rec.Status, &rec.Envelope,
		&attempts, &rec.LastError, &firstAt, &lastAt, &rec.Traceparent, &rec.Tracestate)
	if err != nil {
		return DeliveryRecord{}, err
	}
	if err := json.Unmarshal(attempts, &rec.Attempts); err != nil {
		return DeliveryRecord{}, fmt.Errorf("decode attempts: %w", err)
	}
	if firstAt != nil {
		rec.FirstAttemptAt = *firstAt
	}
	if lastAt != nil {
		rec.LastAttemptAt = *lastAt
	}
	return rec, nil
}
