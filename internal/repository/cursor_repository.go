package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CursorRepository stores named sync watermarks
type CursorRepository struct{}

// NewCursorRepository creates a new cursor repository
func NewCursorRepository() *CursorRepository {
	return &CursorRepository{}
}

// Get returns the cursor value, zero if it was never set
func (r *CursorRepository) Get(ctx context.Context, db DBExecutor, name string) (int64, error) {
	var value int64
	err := db.GetContext(ctx, &value, `SELECT value FROM sync_cursor WHERE name = ?`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get cursor %s: %w", name, err)
	}
	return value, nil
}

// Advance moves the cursor forward. It never moves backwards.
func (r *CursorRepository) Advance(ctx context.Context, db DBExecutor, name string, value int64) error {
	query := `
		INSERT INTO sync_cursor (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = MAX(sync_cursor.value, excluded.value)
	`
	if _, err := db.ExecContext(ctx, query, name, value); err != nil {
		return fmt.Errorf("failed to advance cursor %s: %w", name, err)
	}
	return nil
}
