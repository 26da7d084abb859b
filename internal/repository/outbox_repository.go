package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OutboxEntry is a pending-sync marker
type OutboxEntry struct {
	Code          string `db:"code"`
	Version       int64  `db:"version"`
	Attempts      int    `db:"attempts"`
	NextAttemptAt int64  `db:"next_attempt_at"`
	LastError     string `db:"last_error"`
	EnqueuedAt    int64  `db:"enqueued_at"`
}

// OutboxRepository handles the pending-sync markers
type OutboxRepository struct{}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{}
}

// Enqueue creates or refreshes the marker for code. Re-enqueueing the same
// version is a no-op; a newer version resets the retry schedule.
func (r *OutboxRepository) Enqueue(ctx context.Context, db DBExecutor, code string, version int64, now time.Time) error {
	query := `
		INSERT INTO sync_outbox (code, version, attempts, next_attempt_at, last_error, enqueued_at)
		VALUES (?, ?, 0, 0, '', ?)
		ON CONFLICT(code) DO UPDATE SET
			attempts = CASE WHEN excluded.version > sync_outbox.version THEN 0 ELSE sync_outbox.attempts END,
			next_attempt_at = CASE WHEN excluded.version > sync_outbox.version THEN 0 ELSE sync_outbox.next_attempt_at END,
			version = MAX(sync_outbox.version, excluded.version)
	`

	if _, err := db.ExecContext(ctx, query, code, version, now.UnixMilli()); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", code, err)
	}
	return nil
}

// Get returns the marker for code, or nil if none exists
func (r *OutboxRepository) Get(ctx context.Context, db DBExecutor, code string) (*OutboxEntry, error) {
	var entry OutboxEntry
	err := db.GetContext(ctx, &entry, `
		SELECT code, version, attempts, next_attempt_at, last_error, enqueued_at
		FROM sync_outbox WHERE code = ?`, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get outbox entry: %w", err)
	}
	return &entry, nil
}

// Due returns markers whose backoff has elapsed, oldest first
func (r *OutboxRepository) Due(ctx context.Context, db DBExecutor, now time.Time, limit int) ([]OutboxEntry, error) {
	query := `
		SELECT code, version, attempts, next_attempt_at, last_error, enqueued_at
		FROM sync_outbox
		WHERE next_attempt_at <= ?
		ORDER BY enqueued_at ASC, code ASC
		LIMIT ?
	`

	var entries []OutboxEntry
	if err := db.SelectContext(ctx, &entries, query, now.UnixMilli(), limit); err != nil {
		return nil, fmt.Errorf("failed to list due outbox entries: %w", err)
	}
	return entries, nil
}

// Ack removes the marker only if it still refers to version
func (r *OutboxRepository) Ack(ctx context.Context, db DBExecutor, code string, version int64) (bool, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM sync_outbox WHERE code = ? AND version = ?`, code, version)
	if err != nil {
		return false, fmt.Errorf("failed to ack %s: %w", code, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// Drop removes the marker regardless of version
func (r *OutboxRepository) Drop(ctx context.Context, db DBExecutor, code string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM sync_outbox WHERE code = ?`, code); err != nil {
		return fmt.Errorf("failed to drop outbox entry %s: %w", code, err)
	}
	return nil
}

// RecordFailure stores the attempt count and the time of the next retry
func (r *OutboxRepository) RecordFailure(ctx context.Context, db DBExecutor, code string, attempts int, next time.Time, lastErr string) error {
	query := `UPDATE sync_outbox SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE code = ?`
	if _, err := db.ExecContext(ctx, query, attempts, next.UnixMilli(), lastErr, code); err != nil {
		return fmt.Errorf("failed to record sync failure for %s: %w", code, err)
	}
	return nil
}

// Count returns the number of pending markers
func (r *OutboxRepository) Count(ctx context.Context, db DBExecutor) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sync_outbox`); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}
