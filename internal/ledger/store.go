package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kkkkikiki/voucher/internal/model"
	"github.com/kkkkikiki/voucher/internal/repository"
)

// pullCursor names the remote change-sequence watermark
const pullCursor = "remote_change_seq"

// Store is the station's single source of immediate truth. It is the only
// writer of the local database; every mutation and its pending-sync marker
// commit in the same transaction.
type Store struct {
	db       *sqlx.DB
	vouchers *repository.VoucherRepository
	outbox   *repository.OutboxRepository
	cursors  *repository.CursorRepository
	audits   *repository.AuditRepository
	now      func() time.Time
}

// New creates a store over an opened local database
func New(db *sqlx.DB) *Store {
	return &Store{
		db:       db,
		vouchers: repository.NewVoucherRepository(),
		outbox:   repository.NewOutboxRepository(),
		cursors:  repository.NewCursorRepository(),
		audits:   repository.NewAuditRepository(),
		now:      time.Now,
	}
}

// Ping checks the local database
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, rolling back on error
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Create stores a freshly issued voucher together with its pending-sync
// marker. Fails with model.ErrDuplicateCode if the code exists.
func (s *Store) Create(ctx context.Context, v *model.Voucher) (*model.Voucher, error) {
	record := *v
	record.Status = model.StatusActive
	record.SyncState = model.SyncPending
	record.Version = 1

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.vouchers.Insert(ctx, tx, &record); err != nil {
			return err
		}
		return s.outbox.Enqueue(ctx, tx, record.Code, record.Version, s.now())
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Lookup returns the voucher for code or model.ErrNotFound
func (s *Store) Lookup(ctx context.Context, code string) (*model.Voucher, error) {
	return s.vouchers.Get(ctx, s.db, model.NormalizeCode(code))
}

// ConditionalTransition atomically moves code from -> to only if its
// current status is from. changed is true only if exactly one row moved.
// Transitions the state machine does not permit return changed=false.
func (s *Store) ConditionalTransition(ctx context.Context, code string, from, to model.Status, meta model.TransitionMeta) (bool, error) {
	if !model.CanTransition(from, to) {
		return false, nil
	}
	code = model.NormalizeCode(code)

	changed := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		n, err := s.vouchers.ConditionalUpdateStatus(ctx, tx, code, from, to, meta)
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}

		current, err := s.vouchers.Get(ctx, tx, code)
		if err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, code, current.Version, s.now()); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// ListPending is the reporting query: vouchers in any of statuses issued
// within [from, to). Empty statuses and zero times mean unbounded.
func (s *Store) ListPending(ctx context.Context, statuses []model.Status, from, to time.Time) ([]*model.Voucher, error) {
	return s.List(ctx, repository.ListFilter{Statuses: statuses, From: from, To: to})
}

// List returns vouchers matching filter, newest first
func (s *Store) List(ctx context.Context, filter repository.ListFilter) ([]*model.Voucher, error) {
	return s.vouchers.List(ctx, s.db, filter)
}

// ListExpirable returns up to limit active vouchers issued before cutoff
func (s *Store) ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]*model.Voucher, error) {
	return s.vouchers.ListExpirable(ctx, s.db, cutoff, limit)
}

// MarkSyncState sets the sync flag of code unconditionally
func (s *Store) MarkSyncState(ctx context.Context, code string, state model.SyncState) error {
	n, err := s.vouchers.MarkSyncState(ctx, s.db, model.NormalizeCode(code), state, 0)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", model.ErrNotFound, code)
	}
	return nil
}

// Enqueue idempotently creates the pending-sync marker for the voucher's
// current version.
func (s *Store) Enqueue(ctx context.Context, code string) error {
	code = model.NormalizeCode(code)
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		v, err := s.vouchers.Get(ctx, tx, code)
		if err != nil {
			return err
		}
		if _, err := s.vouchers.MarkSyncState(ctx, tx, code, model.SyncPending, 0); err != nil {
			return err
		}
		return s.outbox.Enqueue(ctx, tx, code, v.Version, s.now())
	})
}

// DuePending returns markers whose retry time has come
func (s *Store) DuePending(ctx context.Context, now time.Time, limit int) ([]repository.OutboxEntry, error) {
	return s.outbox.Due(ctx, s.db, now, limit)
}

// PendingMarker returns the marker for code, nil if it is synced
func (s *Store) PendingMarker(ctx context.Context, code string) (*repository.OutboxEntry, error) {
	return s.outbox.Get(ctx, s.db, model.NormalizeCode(code))
}

// PendingCount returns the number of codes awaiting acknowledgement
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	return s.outbox.Count(ctx, s.db)
}

// Acknowledge records that the remote store holds code at version. The
// marker is removed and the row marked synced only if no newer local
// mutation happened in the meantime.
func (s *Store) Acknowledge(ctx context.Context, code string, version int64) (bool, error) {
	acked := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		ok, err := s.outbox.Ack(ctx, tx, code, version)
		if err != nil || !ok {
			return err
		}
		if _, err := s.vouchers.MarkSyncState(ctx, tx, code, model.SyncSynced, version); err != nil {
			return err
		}
		acked = true
		return nil
	})
	return acked, err
}

// RecordPushFailure stores the retry schedule of a failed push
func (s *Store) RecordPushFailure(ctx context.Context, code string, attempts int, next time.Time, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.outbox.RecordFailure(ctx, s.db, code, attempts, next, msg)
}

// InsertRemote stores a voucher first seen on the remote ledger. It is
// already synced, so no marker is created.
func (s *Store) InsertRemote(ctx context.Context, remote *model.Voucher) error {
	record := *remote
	record.SyncState = model.SyncSynced
	record.Version = 1
	return s.vouchers.Insert(ctx, s.db, &record)
}

// AdoptRemote applies a remote terminal status over a still-active local
// row and discards any pending push for it.
func (s *Store) AdoptRemote(ctx context.Context, remote *model.Voucher) (bool, error) {
	if !remote.Status.IsTerminal() {
		return false, fmt.Errorf("%w: cannot adopt non-terminal status %s", model.ErrValidation, remote.Status)
	}

	adopted := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		n, err := s.vouchers.AdoptTerminal(ctx, tx, remote)
		if err != nil || n != 1 {
			return err
		}
		if err := s.outbox.Drop(ctx, tx, remote.Code); err != nil {
			return err
		}
		adopted = true
		return nil
	})
	return adopted, err
}

// Cursor returns the last remote change sequence applied locally
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	return s.cursors.Get(ctx, s.db, pullCursor)
}

// AdvanceCursor moves the pull watermark forward
func (s *Store) AdvanceCursor(ctx context.Context, seq int64) error {
	return s.cursors.Advance(ctx, s.db, pullCursor, seq)
}

// RecordAudit appends an audit event
func (s *Store) RecordAudit(ctx context.Context, e model.AuditEvent) error {
	return s.audits.Insert(ctx, s.db, e)
}

// AuditTrail returns the audit events of one voucher
func (s *Store) AuditTrail(ctx context.Context, code string) ([]model.AuditEvent, error) {
	return s.audits.ListByCode(ctx, s.db, model.NormalizeCode(code))
}

// IsNotFound reports whether err means the code is unknown locally
func IsNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
