package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kkkkikiki/voucher/internal/model"
)

type auditRow struct {
	ID        string `db:"id"`
	Type      string `db:"type"`
	Code      string `db:"code"`
	Station   string `db:"station"`
	Operator  string `db:"operator"`
	Details   string `db:"details"`
	CreatedAt int64  `db:"created_at"`
}

// AuditRepository persists audit events in the local ledger
type AuditRepository struct{}

// NewAuditRepository creates a new audit repository
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Insert appends one event
func (r *AuditRepository) Insert(ctx context.Context, db DBExecutor, e model.AuditEvent) error {
	details := []byte("{}")
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events (id, type, code, station, operator, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := db.ExecContext(ctx, query,
		e.ID, string(e.Type), e.Code, e.Station, e.Operator, string(details), e.At.UnixMilli()); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListByCode returns the events recorded for one voucher, oldest first
func (r *AuditRepository) ListByCode(ctx context.Context, db DBExecutor, code string) ([]model.AuditEvent, error) {
	query := `
		SELECT id, type, code, station, operator, details, created_at
		FROM audit_events
		WHERE code = ?
		ORDER BY created_at ASC, rowid ASC
	`

	var rows []auditRow
	if err := db.SelectContext(ctx, &rows, query, code); err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}

	events := make([]model.AuditEvent, 0, len(rows))
	for _, row := range rows {
		var details map[string]string
		if err := json.Unmarshal([]byte(row.Details), &details); err != nil {
			return nil, fmt.Errorf("corrupt audit details for %s: %w", row.ID, err)
		}
		events = append(events, model.AuditEvent{
			ID:       row.ID,
			Type:     model.AuditEventType(row.Type),
			Code:     row.Code,
			Station:  row.Station,
			Operator: row.Operator,
			Details:  details,
			At:       time.UnixMilli(row.CreatedAt).UTC(),
		})
	}
	return events, nil
}
