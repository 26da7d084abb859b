package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/voucher/internal/model"
)

const remoteColumns = `code, amount, currency, status, issued_at, issuing_station, issuing_operator,
	redeemed_at, redeeming_operator, redeeming_station, closed_at, security_hash, change_seq`

type remoteRow struct {
	Code              string       `db:"code"`
	Amount            string       `db:"amount"`
	Currency          string       `db:"currency"`
	Status            string       `db:"status"`
	IssuedAt          time.Time    `db:"issued_at"`
	IssuingStation    string       `db:"issuing_station"`
	IssuingOperator   string       `db:"issuing_operator"`
	RedeemedAt        sql.NullTime `db:"redeemed_at"`
	RedeemingOperator string       `db:"redeeming_operator"`
	RedeemingStation  string       `db:"redeeming_station"`
	ClosedAt          sql.NullTime `db:"closed_at"`
	SecurityHash      string       `db:"security_hash"`
	ChangeSeq         int64        `db:"change_seq"`
}

func (r remoteRow) toRecord() (Record, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return Record{}, fmt.Errorf("corrupt remote amount %q for %s: %w", r.Amount, r.Code, err)
	}
	return Record{
		Voucher: model.Voucher{
			Code:              r.Code,
			Amount:            amount,
			Currency:          model.Currency(r.Currency),
			Status:            model.Status(r.Status),
			IssuedAt:          model.CanonicalTime(r.IssuedAt),
			IssuingStation:    r.IssuingStation,
			IssuingOperator:   r.IssuingOperator,
			RedeemedAt:        fromNullTime(r.RedeemedAt),
			RedeemingOperator: r.RedeemingOperator,
			RedeemingStation:  r.RedeemingStation,
			ClosedAt:          fromNullTime(r.ClosedAt),
			SecurityHash:      r.SecurityHash,
			SyncState:         model.SyncSynced,
		},
		Seq: r.ChangeSeq,
	}, nil
}

func fromNullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := model.CanonicalTime(n.Time)
	return &t
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// PostgresLedger is the shared ledger every station syncs against
type PostgresLedger struct {
	db *sqlx.DB
}

// NewPostgresLedger wraps an opened PostgreSQL pool
func NewPostgresLedger(db *sqlx.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Upsert inserts v, or moves an existing active row to v's terminal status
// when both carry the same signature. It returns the rows changed; zero
// means the remote row was left as it was.
func (l *PostgresLedger) Upsert(ctx context.Context, v *model.Voucher) (int64, error) {
	query := `
		INSERT INTO vouchers (code, amount, currency, status, issued_at, issuing_station, issuing_operator,
			redeemed_at, redeeming_operator, redeeming_station, closed_at, security_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (code) DO UPDATE SET
			status = EXCLUDED.status,
			redeemed_at = EXCLUDED.redeemed_at,
			redeeming_operator = EXCLUDED.redeeming_operator,
			redeeming_station = EXCLUDED.redeeming_station,
			closed_at = EXCLUDED.closed_at,
			change_seq = nextval('voucher_change_seq'),
			updated_at = now()
		WHERE vouchers.security_hash = EXCLUDED.security_hash
			AND vouchers.status = 'active'
			AND EXCLUDED.status <> 'active'
	`

	result, err := l.db.ExecContext(ctx, query,
		v.Code, v.Amount.StringFixed(2), string(v.Currency), string(v.Status), v.IssuedAt,
		v.IssuingStation, v.IssuingOperator, toNullTime(v.RedeemedAt), v.RedeemingOperator,
		v.RedeemingStation, toNullTime(v.ClosedAt), v.SecurityHash)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert voucher %s: %w", v.Code, err)
	}
	return result.RowsAffected()
}

// ConditionalUpdateStatus moves code from expected to next only if its
// current remote status is expected. This is the cross-station arbiter.
func (l *PostgresLedger) ConditionalUpdateStatus(ctx context.Context, code string, expected, next model.Status, meta model.TransitionMeta) (int64, error) {
	query := `
		UPDATE vouchers
		SET status = $1, closed_at = $2, redeemed_at = $3, redeeming_operator = $4, redeeming_station = $5,
			change_seq = nextval('voucher_change_seq'), updated_at = now()
		WHERE code = $6 AND status = $7
	`

	var target model.Voucher
	meta.Apply(&target, next)

	result, err := l.db.ExecContext(ctx, query,
		string(next), toNullTime(target.ClosedAt), toNullTime(target.RedeemedAt),
		target.RedeemingOperator, target.RedeemingStation, code, string(expected))
	if err != nil {
		return 0, fmt.Errorf("failed to update remote status of %s: %w", code, err)
	}
	return result.RowsAffected()
}

// FetchSince returns up to limit records changed after cursor, in change order
func (l *PostgresLedger) FetchSince(ctx context.Context, cursor int64, limit int) ([]Record, error) {
	query := `
		SELECT ` + remoteColumns + `
		FROM vouchers
		WHERE change_seq > $1
		ORDER BY change_seq ASC
		LIMIT $2
	`

	var rows []remoteRow
	if err := l.db.SelectContext(ctx, &rows, query, cursor, limit); err != nil {
		return nil, fmt.Errorf("failed to fetch remote changes: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Get returns the remote record for code or model.ErrNotFound
func (l *PostgresLedger) Get(ctx context.Context, code string) (*Record, error) {
	var row remoteRow
	err := l.db.GetContext(ctx, &row, `SELECT `+remoteColumns+` FROM vouchers WHERE code = $1`, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", model.ErrNotFound, code)
		}
		return nil, fmt.Errorf("failed to get remote voucher: %w", err)
	}

	record, err := row.toRecord()
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Ping checks that the shared ledger is reachable
func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}
