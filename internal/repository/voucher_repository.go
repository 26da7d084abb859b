package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/voucher/internal/model"
)

const voucherColumns = `code, amount, currency, status, issued_at, issuing_station, issuing_operator,
	redeemed_at, redeeming_operator, redeeming_station, closed_at, security_hash, sync_state, version`

// voucherRow is the local SQLite shape of a voucher
type voucherRow struct {
	Code              string        `db:"code"`
	Amount            string        `db:"amount"`
	Currency          string        `db:"currency"`
	Status            string        `db:"status"`
	IssuedAt          int64         `db:"issued_at"`
	IssuingStation    string        `db:"issuing_station"`
	IssuingOperator   string        `db:"issuing_operator"`
	RedeemedAt        sql.NullInt64 `db:"redeemed_at"`
	RedeemingOperator string        `db:"redeeming_operator"`
	RedeemingStation  string        `db:"redeeming_station"`
	ClosedAt          sql.NullInt64 `db:"closed_at"`
	SecurityHash      string        `db:"security_hash"`
	SyncState         string        `db:"sync_state"`
	Version           int64         `db:"version"`
}

func newVoucherRow(v *model.Voucher) voucherRow {
	return voucherRow{
		Code:              v.Code,
		Amount:            v.Amount.StringFixed(2),
		Currency:          string(v.Currency),
		Status:            string(v.Status),
		IssuedAt:          v.IssuedAt.UnixMilli(),
		IssuingStation:    v.IssuingStation,
		IssuingOperator:   v.IssuingOperator,
		RedeemedAt:        nullMillis(v.RedeemedAt),
		RedeemingOperator: v.RedeemingOperator,
		RedeemingStation:  v.RedeemingStation,
		ClosedAt:          nullMillis(v.ClosedAt),
		SecurityHash:      v.SecurityHash,
		SyncState:         string(v.SyncState),
		Version:           v.Version,
	}
}

func (r voucherRow) toModel() (*model.Voucher, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount %q for %s: %w", r.Amount, r.Code, err)
	}
	return &model.Voucher{
		Code:              r.Code,
		Amount:            amount,
		Currency:          model.Currency(r.Currency),
		Status:            model.Status(r.Status),
		IssuedAt:          time.UnixMilli(r.IssuedAt).UTC(),
		IssuingStation:    r.IssuingStation,
		IssuingOperator:   r.IssuingOperator,
		RedeemedAt:        fromNullMillis(r.RedeemedAt),
		RedeemingOperator: r.RedeemingOperator,
		RedeemingStation:  r.RedeemingStation,
		ClosedAt:          fromNullMillis(r.ClosedAt),
		SecurityHash:      r.SecurityHash,
		SyncState:         model.SyncState(r.SyncState),
		Version:           r.Version,
	}, nil
}

// ListFilter narrows a voucher listing. Zero values mean unbounded.
type ListFilter struct {
	Statuses  []model.Status
	SyncState model.SyncState
	From      time.Time
	To        time.Time
	Limit     int
}

// VoucherRepository handles voucher rows in the station's SQLite ledger
type VoucherRepository struct{}

// NewVoucherRepository creates a new voucher repository
func NewVoucherRepository() *VoucherRepository {
	return &VoucherRepository{}
}

// Insert stores a new voucher. A code collision yields model.ErrDuplicateCode.
func (r *VoucherRepository) Insert(ctx context.Context, db DBExecutor, v *model.Voucher) error {
	query := `INSERT INTO vouchers (` + voucherColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	row := newVoucherRow(v)
	_, err := db.ExecContext(ctx, query,
		row.Code, row.Amount, row.Currency, row.Status, row.IssuedAt, row.IssuingStation, row.IssuingOperator,
		row.RedeemedAt, row.RedeemingOperator, row.RedeemingStation, row.ClosedAt, row.SecurityHash, row.SyncState, row.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", model.ErrDuplicateCode, v.Code)
		}
		return fmt.Errorf("failed to insert voucher: %w", err)
	}
	return nil
}

// Get retrieves a voucher by code
func (r *VoucherRepository) Get(ctx context.Context, db DBExecutor, code string) (*model.Voucher, error) {
	var row voucherRow
	err := db.GetContext(ctx, &row, `SELECT `+voucherColumns+` FROM vouchers WHERE code = ?`, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", model.ErrNotFound, code)
		}
		return nil, fmt.Errorf("failed to get voucher: %w", err)
	}
	return row.toModel()
}

// ConditionalUpdateStatus moves a voucher from -> to only if its current
// status still equals from, marking it pending and bumping its version.
// It returns the number of rows changed (0 or 1).
func (r *VoucherRepository) ConditionalUpdateStatus(ctx context.Context, db DBExecutor, code string, from, to model.Status, meta model.TransitionMeta) (int64, error) {
	query := `
		UPDATE vouchers
		SET status = ?, closed_at = ?, redeemed_at = ?, redeeming_operator = ?, redeeming_station = ?,
			sync_state = 'pending', version = version + 1
		WHERE code = ? AND status = ?
	`

	var target model.Voucher
	meta.Apply(&target, to)

	result, err := db.ExecContext(ctx, query,
		string(to), nullMillis(target.ClosedAt), nullMillis(target.RedeemedAt),
		target.RedeemingOperator, target.RedeemingStation, code, string(from))
	if err != nil {
		return 0, fmt.Errorf("failed to update voucher status: %w", err)
	}

	// Check if any row was actually updated
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// AdoptTerminal copies a terminal observation from the remote ledger onto a
// still-active local row. The row is left synced because the remote store
// already holds this state.
func (r *VoucherRepository) AdoptTerminal(ctx context.Context, db DBExecutor, remote *model.Voucher) (int64, error) {
	query := `
		UPDATE vouchers
		SET status = ?, closed_at = ?, redeemed_at = ?, redeeming_operator = ?, redeeming_station = ?,
			sync_state = 'synced', version = version + 1
		WHERE code = ? AND status = 'active'
	`

	result, err := db.ExecContext(ctx, query,
		string(remote.Status), nullMillis(remote.ClosedAt), nullMillis(remote.RedeemedAt),
		remote.RedeemingOperator, remote.RedeemingStation, remote.Code)
	if err != nil {
		return 0, fmt.Errorf("failed to adopt remote status: %w", err)
	}
	return result.RowsAffected()
}

// MarkSyncState sets the sync flag. When version is positive the update
// only applies if the row is still at that version.
func (r *VoucherRepository) MarkSyncState(ctx context.Context, db DBExecutor, code string, state model.SyncState, version int64) (int64, error) {
	query := `UPDATE vouchers SET sync_state = ? WHERE code = ?`
	args := []interface{}{string(state), code}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark sync state: %w", err)
	}
	return result.RowsAffected()
}

// List returns vouchers matching filter, newest first
func (r *VoucherRepository) List(ctx context.Context, db DBExecutor, filter ListFilter) ([]*model.Voucher, error) {
	var (
		where []string
		args  []interface{}
	)

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		clause, inArgs, err := sqlx.In("status IN (?)", statuses)
		if err != nil {
			return nil, fmt.Errorf("failed to build status filter: %w", err)
		}
		where = append(where, clause)
		args = append(args, inArgs...)
	}
	if filter.SyncState != "" {
		where = append(where, "sync_state = ?")
		args = append(args, string(filter.SyncState))
	}
	if !filter.From.IsZero() {
		where = append(where, "issued_at >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		where = append(where, "issued_at < ?")
		args = append(args, filter.To.UnixMilli())
	}

	query := `SELECT ` + voucherColumns + ` FROM vouchers`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY issued_at DESC, code DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	var rows []voucherRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list vouchers: %w", err)
	}
	return toModels(rows)
}

// ListExpirable returns active vouchers issued before cutoff, oldest first
func (r *VoucherRepository) ListExpirable(ctx context.Context, db DBExecutor, cutoff time.Time, limit int) ([]*model.Voucher, error) {
	query := `
		SELECT ` + voucherColumns + `
		FROM vouchers
		WHERE status = 'active' AND issued_at < ?
		ORDER BY issued_at ASC
		LIMIT ?
	`

	var rows []voucherRow
	if err := db.SelectContext(ctx, &rows, query, cutoff.UnixMilli(), limit); err != nil {
		return nil, fmt.Errorf("failed to list expirable vouchers: %w", err)
	}
	return toModels(rows)
}

func toModels(rows []voucherRow) ([]*model.Voucher, error) {
	vouchers := make([]*model.Voucher, 0, len(rows))
	for _, row := range rows {
		v, err := row.toModel()
		if err != nil {
			return nil, err
		}
		vouchers = append(vouchers, v)
	}
	return vouchers, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// ExistingCodes returns which of codes are already stored
func (r *VoucherRepository) ExistingCodes(ctx context.Context, db DBExecutor, codes []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(codes) == 0 {
		return existing, nil
	}

	query, args, err := sqlx.In(`SELECT code FROM vouchers WHERE code IN (?)`, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to build code lookup: %w", err)
	}

	var found []string
	if err := db.SelectContext(ctx, &found, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to look up codes: %w", err)
	}
	for _, code := range found {
		existing[code] = true
	}
	return existing, nil
}

// InsertBatch stores vouchers using a single multi-row INSERT. Callers
// keep batches small enough for SQLite's bound-parameter limit.
func (r *VoucherRepository) InsertBatch(ctx context.Context, db DBExecutor, vouchers []*model.Voucher) error {
	if len(vouchers) == 0 {
		return nil
	}

	const columns = 14
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", columns), ", ") + ")"

	valuesClause := make([]string, len(vouchers))
	args := make([]interface{}, 0, len(vouchers)*columns)
	for i, v := range vouchers {
		valuesClause[i] = placeholder
		row := newVoucherRow(v)
		args = append(args,
			row.Code, row.Amount, row.Currency, row.Status, row.IssuedAt, row.IssuingStation, row.IssuingOperator,
			row.RedeemedAt, row.RedeemingOperator, row.RedeemingStation, row.ClosedAt, row.SecurityHash, row.SyncState, row.Version)
	}

	query := `INSERT INTO vouchers (` + voucherColumns + `) VALUES ` + strings.Join(valuesClause, ", ")
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: batch of %d", model.ErrDuplicateCode, len(vouchers))
		}
		return fmt.Errorf("failed to execute batch insert: %w", err)
	}
	return nil
}
