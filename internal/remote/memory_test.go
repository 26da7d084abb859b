package remote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/voucher/internal/model"
)

var issued = time.Date(2025, 10, 17, 14, 30, 5, 0, time.UTC)

func activeVoucher(t *testing.T, code string) *model.Voucher {
	t.Helper()
	v, err := model.NewVoucher(code, decimal.NewFromInt(100), model.CurrencyDOP, issued, "P01", "ana", "hash-"+code)
	require.NoError(t, err)
	return v
}

func TestMemoryLedger_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	v := activeVoucher(t, "C1")

	n, err := ledger.Upsert(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = ledger.Upsert(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	redeemed := *v
	model.TransitionMeta{At: issued.Add(time.Hour), Operator: "luis"}.Apply(&redeemed, model.StatusRedeemed)
	n, err = ledger.Upsert(ctx, &redeemed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// a terminal remote row is never overwritten
	cancelled := *v
	model.TransitionMeta{At: issued}.Apply(&cancelled, model.StatusCancelled)
	n, err = ledger.Upsert(ctx, &cancelled)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := ledger.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRedeemed, got.Voucher.Status)
	assert.Equal(t, "luis", got.Voucher.RedeemingOperator)
}

func TestMemoryLedger_UpsertRejectsForeignSignature(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	v := activeVoucher(t, "C1")
	_, err := ledger.Upsert(ctx, v)
	require.NoError(t, err)

	forged := *v
	forged.SecurityHash = "other"
	model.TransitionMeta{At: issued}.Apply(&forged, model.StatusRedeemed)
	n, err := ledger.Upsert(ctx, &forged)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryLedger_ConcurrentConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	_, err := ledger.Upsert(ctx, activeVoucher(t, "C1"))
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		total atomic.Int64
	)
	for _, station := range []string{"P01", "P02"} {
		wg.Add(1)
		go func(station string) {
			defer wg.Done()
			n, err := ledger.ConditionalUpdateStatus(ctx, "C1", model.StatusActive, model.StatusRedeemed,
				model.TransitionMeta{At: issued, Station: station})
			assert.NoError(t, err)
			total.Add(n)
		}(station)
	}
	wg.Wait()

	assert.Equal(t, int64(1), total.Load())
}

func TestMemoryLedger_FetchSince(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	for _, code := range []string{"C1", "C2", "C3"} {
		_, err := ledger.Upsert(ctx, activeVoucher(t, code))
		require.NoError(t, err)
	}
	_, err := ledger.ConditionalUpdateStatus(ctx, "C1", model.StatusActive, model.StatusCancelled, model.TransitionMeta{At: issued})
	require.NoError(t, err)

	records, err := ledger.FetchSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"C2", "C3", "C1"}, []string{records[0].Voucher.Code, records[1].Voucher.Code, records[2].Voucher.Code})
	assert.Equal(t, int64(4), records[2].Seq)

	records, err = ledger.FetchSince(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "C3", records[0].Voucher.Code)
}

func TestMemoryLedger_FailureInjection(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	boom := errors.New("connection reset")

	ledger.FailCode("C1", boom)
	_, err := ledger.Upsert(ctx, activeVoucher(t, "C1"))
	assert.ErrorIs(t, err, boom)
	_, err = ledger.Upsert(ctx, activeVoucher(t, "C2"))
	assert.NoError(t, err)

	ledger.FailCode("C1", nil)
	_, err = ledger.Upsert(ctx, activeVoucher(t, "C1"))
	assert.NoError(t, err)

	ledger.SetOffline(boom)
	assert.ErrorIs(t, ledger.Ping(ctx), boom)
	_, err = ledger.FetchSince(ctx, 0, 10)
	assert.ErrorIs(t, err, boom)

	ledger.SetOffline(nil)
	_, err = ledger.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
