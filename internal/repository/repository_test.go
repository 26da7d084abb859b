package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/voucher/internal/database"
	"github.com/kkkkikiki/voucher/internal/model"
)

var issued = time.Date(2025, 10, 17, 14, 30, 5, 0, time.UTC)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := database.OpenLocal(context.Background(), filepath.Join(t.TempDir(), "station.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testVoucher(t *testing.T, code string, at time.Time) *model.Voucher {
	t.Helper()
	v, err := model.NewVoucher(code, decimal.RequireFromString("25.50"), model.CurrencyUSD, at, "P01", "ana", "hash-"+code)
	require.NoError(t, err)
	return v
}

func TestVoucherRepository_InsertGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewVoucherRepository()

	v := testVoucher(t, "251017-P01-143005-0001", issued)
	require.NoError(t, repo.Insert(ctx, db, v))

	got, err := repo.Get(ctx, db, v.Code)
	require.NoError(t, err)
	assert.True(t, got.SameIdentity(v))
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, model.SyncPending, got.SyncState)
	assert.Equal(t, int64(1), got.Version)
	assert.Nil(t, got.ClosedAt)

	err = repo.Insert(ctx, db, v)
	assert.ErrorIs(t, err, model.ErrDuplicateCode)

	_, err = repo.Get(ctx, db, "251017-P01-143005-9999")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestVoucherRepository_ConditionalUpdateStatus(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewVoucherRepository()

	v := testVoucher(t, "251017-P01-143005-0002", issued)
	require.NoError(t, repo.Insert(ctx, db, v))
	_, err := repo.MarkSyncState(ctx, db, v.Code, model.SyncSynced, 0)
	require.NoError(t, err)

	meta := model.TransitionMeta{At: issued.Add(time.Hour), Operator: "luis", Station: "P02"}
	n, err := repo.ConditionalUpdateStatus(ctx, db, v.Code, model.StatusActive, model.StatusRedeemed, meta)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.ConditionalUpdateStatus(ctx, db, v.Code, model.StatusActive, model.StatusCancelled, meta)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := repo.Get(ctx, db, v.Code)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRedeemed, got.Status)
	assert.Equal(t, model.SyncPending, got.SyncState)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.RedeemedAt)
	assert.True(t, got.RedeemedAt.Equal(meta.At))
	assert.Equal(t, "luis", got.RedeemingOperator)
	assert.Equal(t, "P02", got.RedeemingStation)
}

func TestVoucherRepository_AdoptTerminal(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewVoucherRepository()

	v := testVoucher(t, "251017-P01-143005-0003", issued)
	require.NoError(t, repo.Insert(ctx, db, v))

	remote := *v
	model.TransitionMeta{At: issued.Add(time.Minute), Operator: "eva", Station: "P02"}.Apply(&remote, model.StatusRedeemed)

	n, err := repo.AdoptTerminal(ctx, db, &remote)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.Get(ctx, db, v.Code)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRedeemed, got.Status)
	assert.Equal(t, model.SyncSynced, got.SyncState)
	assert.Equal(t, "eva", got.RedeemingOperator)

	// a second adoption finds no active row
	cancelled := *v
	model.TransitionMeta{At: issued}.Apply(&cancelled, model.StatusCancelled)
	n, err = repo.AdoptTerminal(ctx, db, &cancelled)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestVoucherRepository_MarkSyncStateVersioned(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewVoucherRepository()

	v := testVoucher(t, "251017-P01-143005-0004", issued)
	require.NoError(t, repo.Insert(ctx, db, v))

	n, err := repo.MarkSyncState(ctx, db, v.Code, model.SyncSynced, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = repo.MarkSyncState(ctx, db, v.Code, model.SyncSynced, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestVoucherRepository_List(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewVoucherRepository()

	for i, code := range []string{"251017-P01-143005-0010", "251017-P01-153005-0011", "251018-P01-143005-0012"} {
		v := testVoucher(t, code, issued.Add(time.Duration(i)*12*time.Hour))
		require.NoError(t, repo.Insert(ctx, db, v))
	}
	meta := model.TransitionMeta{At: issued.Add(48 * time.Hour)}
	_, err := repo.ConditionalUpdateStatus(ctx, db, "251017-P01-153005-0011", model.StatusActive, model.StatusCancelled, meta)
	require.NoError(t, err)

	all, err := repo.List(ctx, db, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "251018-P01-143005-0012", all[0].Code)

	active, err := repo.List(ctx, db, ListFilter{Statuses: []model.Status{model.StatusActive}})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	ranged, err := repo.List(ctx, db, ListFilter{From: issued, To: issued.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, ranged, 2)

	limited, err := repo.List(ctx, db, ListFilter{Limit: 1, Statuses: []model.Status{model.StatusActive, model.StatusCancelled}})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	expirable, err := repo.ListExpirable(ctx, db, issued.Add(13*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expirable, 1)
	assert.Equal(t, "251017-P01-143005-0010", expirable[0].Code)
}

func TestOutboxRepository(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	vouchers := NewVoucherRepository()
	outbox := NewOutboxRepository()

	v := testVoucher(t, "251017-P01-143005-0020", issued)
	require.NoError(t, vouchers.Insert(ctx, db, v))

	now := issued
	require.NoError(t, outbox.Enqueue(ctx, db, v.Code, 1, now))
	require.NoError(t, outbox.Enqueue(ctx, db, v.Code, 1, now))

	count, err := outbox.Count(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, outbox.RecordFailure(ctx, db, v.Code, 3, now.Add(time.Minute), "remote down"))
	due, err := outbox.Due(ctx, db, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// same version keeps the retry schedule
	require.NoError(t, outbox.Enqueue(ctx, db, v.Code, 1, now))
	entry, err := outbox.Get(ctx, db, v.Code)
	require.NoError(t, err)
	assert.Equal(t, 3, entry.Attempts)
	assert.Equal(t, "remote down", entry.LastError)

	// a newer version resets it
	require.NoError(t, outbox.Enqueue(ctx, db, v.Code, 2, now))
	due, err = outbox.Due(ctx, db, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(2), due[0].Version)
	assert.Zero(t, due[0].Attempts)

	acked, err := outbox.Ack(ctx, db, v.Code, 1)
	require.NoError(t, err)
	assert.False(t, acked)

	acked, err = outbox.Ack(ctx, db, v.Code, 2)
	require.NoError(t, err)
	assert.True(t, acked)

	entry, err = outbox.Get(ctx, db, v.Code)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCursorRepository(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	cursors := NewCursorRepository()

	value, err := cursors.Get(ctx, db, "remote")
	require.NoError(t, err)
	assert.Zero(t, value)

	require.NoError(t, cursors.Advance(ctx, db, "remote", 42))
	require.NoError(t, cursors.Advance(ctx, db, "remote", 17))

	value, err = cursors.Get(ctx, db, "remote")
	require.NoError(t, err)
	assert.Equal(t, int64(42), value)
}

func TestAuditRepository(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	audits := NewAuditRepository()

	events := []model.AuditEvent{
		{ID: "a1", Type: model.AuditIssued, Code: "C1", Station: "P01", Operator: "ana", At: issued},
		{ID: "a2", Type: model.AuditSyncConflict, Code: "C1", Details: map[string]string{"remote_status": "cancelled"}, At: issued.Add(time.Second)},
		{ID: "a3", Type: model.AuditIssued, Code: "C2", At: issued},
	}
	for _, e := range events {
		require.NoError(t, audits.Insert(ctx, db, e))
	}

	got, err := audits.ListByCode(ctx, db, "C1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.AuditIssued, got[0].Type)
	assert.Empty(t, got[0].Details)
	assert.Equal(t, "cancelled", got[1].Details["remote_status"])
	assert.True(t, got[1].At.Equal(issued.Add(time.Second)))
}
