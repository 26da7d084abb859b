package station

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kkkkikiki/voucher/internal/audit"
	"github.com/kkkkikiki/voucher/internal/config"
	"github.com/kkkkikiki/voucher/internal/database"
	"github.com/kkkkikiki/voucher/internal/ledger"
	"github.com/kkkkikiki/voucher/internal/model"
	"github.com/kkkkikiki/voucher/internal/remote"
	"github.com/kkkkikiki/voucher/internal/repository"
	"github.com/kkkkikiki/voucher/internal/syncengine"
	"github.com/kkkkikiki/voucher/internal/token"
)

var (
	clock   = time.Date(2025, 10, 17, 14, 30, 5, 0, time.UTC)
	cashier = Session{OperatorID: "luis", Role: "cashier"}
	table   = Session{OperatorID: "ana", Role: "table"}
)

type recordingPrinter struct {
	printed []model.PublicFields
}

func (p *recordingPrinter) Render(_ context.Context, f model.PublicFields) error {
	p.printed = append(p.printed, f)
	return nil
}

type testStation struct {
	client  *Client
	db      *sqlx.DB
	store   *ledger.Store
	engine  *syncengine.Engine
	printer *recordingPrinter
}

func newTestStation(t *testing.T, id string, shared syncengine.RemoteLedger, opts ...token.Option) *testStation {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	db, err := database.OpenLocal(ctx, filepath.Join(t.TempDir(), "station.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	codec, err := token.NewCodec([]byte("test-signing-key"), opts...)
	require.NoError(t, err)

	syncCfg := config.SyncConfig{
		Interval:         time.Minute,
		BatchSize:        100,
		RemoteTimeout:    time.Second,
		ImmediateTimeout: time.Second,
		BackoffBase:      time.Second,
		BackoffMax:       time.Minute,
		RateLimit:        1000,
	}
	stationCfg := config.StationConfig{ID: id, VoucherTTL: 365 * 24 * time.Hour}

	store := ledger.New(db)
	sink := audit.NewRecorder(store, logger)
	engine := syncengine.New(syncCfg, store, shared, codec, sink, logger)
	printer := &recordingPrinter{}

	client := NewClient(stationCfg, codec, store, engine, sink, printer, logger)
	client.now = func() time.Time { return clock }
	return &testStation{client: client, db: db, store: store, engine: engine, printer: printer}
}

func (s *testStation) payload(v *model.Voucher) string {
	return s.client.codec.Payload(v)
}

// claimHook runs afterWin once the remote has accepted a claim, before the
// station writes it locally.
type claimHook struct {
	*remote.MemoryLedger
	afterWin func()
}

func (h *claimHook) ConditionalUpdateStatus(ctx context.Context, code string, expected, next model.Status, meta model.TransitionMeta) (int64, error) {
	n, err := h.MemoryLedger.ConditionalUpdateStatus(ctx, code, expected, next, meta)
	if err == nil && n == 1 && h.afterWin != nil {
		h.afterWin()
	}
	return n, err
}

func issueSynced(t *testing.T, st *testStation) *model.Voucher {
	t.Helper()
	ctx := context.Background()
	v, err := st.client.Issue(ctx, table, decimal.NewFromInt(40), model.CurrencyUSD)
	require.NoError(t, err)
	_, err = st.engine.PushPending(ctx)
	require.NoError(t, err)
	return v
}

func TestIssueAndRedeem(t *testing.T) {
	ctx := context.Background()
	st := newTestStation(t, "P01", nil)

	v, err := st.client.Issue(ctx, table, decimal.RequireFromString("100.00"), model.CurrencyDOP)
	require.NoError(t, err)
	assert.Regexp(t, token.CodePattern, v.Code)
	assert.True(t, strings.HasPrefix(v.Code, "251017-P01-143005-"))
	assert.Equal(t, model.StatusActive, v.Status)
	assert.Equal(t, model.SyncPending, v.SyncState)
	assert.Equal(t, "ana", v.IssuingOperator)

	require.Len(t, st.printer.printed, 1)
	printed := st.printer.printed[0]
	assert.Equal(t, "100.00", printed.Amount)
	assert.True(t, st.client.codec.Validate(printed.Payload))
	assert.Equal(t, clock.Add(365*24*time.Hour), printed.ExpiresAt)

	redeemed, err := st.client.Redeem(ctx, cashier, printed.Payload)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRedeemed, redeemed.Status)
	require.NotNil(t, redeemed.RedeemedAt)
	assert.Equal(t, "luis", redeemed.RedeemingOperator)
	assert.Equal(t, "P01", redeemed.RedeemingStation)
	firstRedeemedAt := *redeemed.RedeemedAt

	// a second scan an hour later keeps the first redemption
	st.client.now = func() time.Time { return clock.Add(time.Hour) }
	_, err = st.client.Redeem(ctx, cashier, printed.Payload)
	assert.ErrorIs(t, err, model.ErrAlreadyRedeemed)
	assert.Equal(t, OutcomeAlreadyRedeemed, OutcomeOf(err))

	got, err := st.store.Lookup(ctx, v.Code)
	require.NoError(t, err)
	assert.True(t, got.RedeemedAt.Equal(firstRedeemedAt))

	events, err := st.store.AuditTrail(ctx, v.Code)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.AuditIssued, events[0].Type)
	assert.Equal(t, model.AuditRedeemed, events[1].Type)
}

func TestRedeem_TamperedPayload(t *testing.T) {
	ctx := context.Background()
	st := newTestStation(t, "P01", nil)

	v, err := st.client.Issue(ctx, table, decimal.RequireFromString("100.00"), model.CurrencyDOP)
	require.NoError(t, err)

	// raise the amount but keep the original signature
	parts := strings.Split(st.payload(v), "|")
	parts[1] = "1000.00"
	tampered := strings.Join(parts, "|")
	assert.False(t, st.client.codec.Validate(tampered))

	_, err = st.client.Redeem(ctx, cashier, tampered)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, OutcomeInvalidCode, OutcomeOf(err))

	got, err := st.store.Lookup(ctx, v.Code)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func TestRedeem_Malformed(t *testing.T) {
	st := newTestStation(t, "P01", nil)
	for _, payload := range []string{"", "garbage", "a|b|c|d", "a|b|c|d|e|f"} {
		_, err := st.client.Redeem(context.Background(), cashier, payload)
		assert.Equal(t, OutcomeInvalidCode, OutcomeOf(err), payload)
	}
}

func TestRedeem_NotFound(t *testing.T) {
	ctx := context.Background()
	issuer := newTestStation(t, "P01", nil)
	cashierStation := newTestStation(t, "C01", nil)

	v, err := issuer.client.Issue(ctx, table, decimal.NewFromInt(20), model.CurrencyUSD)
	require.NoError(t, err)

	_, err = cashierStation.client.Redeem(ctx, cashier, issuer.payload(v))
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, OutcomeNotFound, OutcomeOf(err))
}

func TestRedeem_PullsFromRemoteOnMiss(t *testing.T) {
	ctx := context.Background()
	shared := remote.NewMemoryLedger()
	issuer := newTestStation(t, "P01", shared)
	cashierStation := newTestStation(t, "C01", shared)

	v, err := issuer.client.Issue(ctx, table, decimal.NewFromInt(20), model.CurrencyUSD)
	require.NoError(t, err)
	_, err = issuer.engine.PushPending(ctx)
	require.NoError(t, err)

	redeemed, err := cashierStation.client.Redeem(ctx, cashier, issuer.payload(v))
	require.NoError(t, err)
	assert.Equal(t, model.StatusRedeemed, redeemed.Status)
	assert.Equal(t, "C01", redeemed.RedeemingStation)

	record, err := shared.Get(ctx, v.Code)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRedeemed, record.Voucher.Status)
}

func TestRedeem_CrossStationArbitration(t *testing.T) {
	ctx := context.Background()
	shared := remote.NewMemoryLedger()
	issuer := newTestStation(t, "P01", shared)
	first := newTestStation(t, "C01", shared)
	second := newTestStation(t, "C02", shared)

	v, err := issuer.client.Issue(ctx, table, decimal.NewFromInt(50), model.CurrencyUSD)
	require.NoError(t, err)
	_, err = issuer.engine.PushPending(ctx)
	require.NoError(t, err)
	for _, st := range []*testStation{first, second} {
		_, err = st.engine.Pull(ctx)
		require.NoError(t, err)
	}

	// both cashiers scan the same ticket; the remote picks the first
	payload := issuer.payload(v)
	_, err = first.client.Redeem(ctx, cashier, payload)
	require.NoError(t, err)

	_, err = second.client.Redeem(ctx, cashier, payload)
	assert.ErrorIs(t, err, model.ErrAlreadyRedeemed)

	got, err := second.store.Lookup(ctx, v.Code)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRedeemed, got.Status)
	assert.Equal(t, "C01", got.RedeemingStation)
}

func TestRedeem_ConcurrentScansOnOneStation(t *testing.T) {
	ctx := context.Background()
	shared := &claimHook{
		MemoryLedger: remote.NewMemoryLedger(),
		afterWin:     func() { time.Sleep(100 * time.Millisecond) },
	}
	st := newTestStation(t, "C01", shared)
	v := issueSynced(t, st)
	payload := st.payload(v)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = st.client.Redeem(ctx, cashier, payload)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, model.ErrAlreadyRedeemed)
	}
	assert.Equal(t, 1, successes)

	got, err := st.store.Lookup(ctx, v.Code)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRedeemed, got.Status)
}

func TestRedeem_OwnClaimAdoptedByPull(t *testing.T) {
	ctx := context.Background()
	shared := &claimHook{MemoryLedger: remote.NewMemoryLedger()}
	st := newTestStation(t, "C01", shared)
	v := issueSynced(t, st)

	var pullErr error
	shared.afterWin = func() { _, pullErr = st.engine.Pull(ctx) }

	redeemed, err := st.client.Redeem(ctx, cashier, st.payload(v))
	require.NoError(t, err)
	require.NoError(t, pullErr)
	assert.Equal(t, model.StatusRedeemed, redeemed.Status)
	assert.Equal(t, "C01", redeemed.RedeemingStation)
	assert.Equal(t, "luis", redeemed.RedeemingOperator)
}

func TestRedeem_LocalFailureAfterClaimStillPays(t *testing.T) {
	ctx := context.Background()
	shared := &claimHook{MemoryLedger: remote.NewMemoryLedger()}
	st := newTestStation(t, "C01", shared)
	v := issueSynced(t, st)

	shared.afterWin = func() { st.db.Close() }

	redeemed, err := st.client.Redeem(ctx, cashier, st.payload(v))
	require.NoError(t, err)
	assert.Equal(t, model.StatusRedeemed, redeemed.Status)
	assert.Equal(t, "C01", redeemed.RedeemingStation)

	record, err := shared.Get(ctx, v.Code)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRedeemed, record.Voucher.Status)
	assert.Equal(t, "C01", record.Voucher.RedeemingStation)
}

func TestValidate_DoesNotRedeem(t *testing.T) {
	ctx := context.Background()
	st := newTestStation(t, "P01", nil)

	v, err := st.client.Issue(ctx, table, decimal.NewFromInt(30), model.CurrencyDOP)
	require.NoError(t, err)
	payload := st.payload(v)

	checked, err := st.client.Validate(ctx, cashier, payload)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, checked.Status)

	got, err := st.store.Lookup(ctx, v.Code)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, int64(1), got.Version)

	_, err = st.client.Redeem(ctx, cashier, payload)
	require.NoError(t, err)
	checked, err = st.client.Validate(ctx, cashier, payload)
	assert.ErrorIs(t, err, model.ErrAlreadyRedeemed)
	require.NotNil(t, checked)
	assert.Equal(t, "luis", checked.RedeemingOperator)

	_, err = st.client.Validate(ctx, cashier, strings.Replace(payload, "|30.00|", "|300.00|", 1))
	assert.Equal(t, OutcomeInvalidCode, OutcomeOf(err))

	events, err := st.client.AuditTrail(ctx, " "+strings.ToLower(v.Code))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.AuditRedeemed, events[1].Type)
}

func TestValidate_ExpiredIsReportedNotSwept(t *testing.T) {
	ctx := context.Background()
	st := newTestStation(t, "P01", nil)

	v, err := st.client.Issue(ctx, table, decimal.NewFromInt(5), model.CurrencyUSD)
	require.NoError(t, err)

	st.client.now = func() time.Time { return clock.Add(366 * 24 * time.Hour) }
	_, err = st.client.Validate(ctx, cashier, st.payload(v))
	assert.ErrorIs(t, err, model.ErrExpired)

	got, err := st.store.Lookup(ctx, v.Code)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
}

func TestIssue_RetriesCodeCollision(t *testing.T) {
	ctx := context.Background()
	// two draws of 0000 then one of 0001
	st := newTestStation(t, "P01", nil, token.WithRandom(bytes.NewReader([]byte{0, 0, 0, 0, 0, 1})))

	first, err := st.client.Issue(ctx, table, decimal.NewFromInt(5), model.CurrencyUSD)
	require.NoError(t, err)
	assert.Equal(t, "251017-P01-143005-0000", first.Code)

	second, err := st.client.Issue(ctx, table, decimal.NewFromInt(5), model.CurrencyUSD)
	require.NoError(t, err)
	assert.Equal(t, "251017-P01-143005-0001", second.Code)
}

func TestIssue_CollisionTwiceFails(t *testing.T) {
	ctx := context.Background()
	st := newTestStation(t, "P01", nil, token.WithRandom(bytes.NewReader(make([]byte, 6))))

	_, err := st.client.Issue(ctx, table, decimal.NewFromInt(5), model.CurrencyUSD)
	require.NoError(t, err)

	_, err = st.client.Issue(ctx, table, decimal.NewFromInt(5), model.CurrencyUSD)
	assert.ErrorIs(t, err, model.ErrDuplicateCode)
}

func TestIssue_Validation(t *testing.T) {
	ctx := context.Background()
	st := newTestStation(t, "P01", nil)

	_, err := st.client.Issue(ctx, table, decimal.Zero, model.CurrencyUSD)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = st.client.Issue(ctx, table, decimal.NewFromInt(5), model.Currency("EUR"))
	assert.ErrorIs(t, err, model.ErrValidation)

	for _, amount := range []string{"0.004", "10.005"} {
		_, err = st.client.Issue(ctx, table, decimal.RequireFromString(amount), model.CurrencyUSD)
		assert.ErrorIs(t, err, model.ErrValidation, amount)
	}
	list, err := st.client.List(ctx, repository.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, st.printer.printed)

	v, err := st.client.Issue(ctx, Session{OperatorID: "ana", Station: "mesa 4"}, decimal.NewFromInt(5), model.CurrencyUSD)
	require.NoError(t, err)
	assert.Equal(t, "M04", v.IssuingStation)
}

func TestCancelAndMonotonicity(t *testing.T) {
	ctx := context.Background()
	st := newTestStation(t, "P01", nil)

	v, err := st.client.Issue(ctx, table, decimal.NewFromInt(5), model.CurrencyUSD)
	require.NoError(t, err)

	cancelled, err := st.client.Cancel(ctx, cashier, v.Code, " printer jam ")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.RedeemedAt)
	require.NotNil(t, cancelled.ClosedAt)

	_, err = st.client.Redeem(ctx, cashier, st.payload(v))
	assert.ErrorIs(t, err, model.ErrAlreadyCancelled)
	_, err = st.client.Cancel(ctx, cashier, v.Code, "")
	assert.ErrorIs(t, err, model.ErrAlreadyCancelled)

	st.client.now = func() time.Time { return clock.Add(2 * 365 * 24 * time.Hour) }
	swept, err := st.client.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	got, err := st.store.Lookup(ctx, v.Code)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	events, err := st.store.AuditTrail(ctx, v.Code)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "printer jam", events[1].Details["reason"])
}

func TestRedeem_ExpiredVoucher(t *testing.T) {
	ctx := context.Background()
	st := newTestStation(t, "P01", nil)

	v, err := st.client.Issue(ctx, table, decimal.NewFromInt(5), model.CurrencyUSD)
	require.NoError(t, err)

	st.client.now = func() time.Time { return clock.Add(366 * 24 * time.Hour) }
	_, err = st.client.Redeem(ctx, cashier, st.payload(v))
	assert.ErrorIs(t, err, model.ErrExpired)
	assert.Equal(t, OutcomeExpired, OutcomeOf(err))

	got, err := st.store.Lookup(ctx, v.Code)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)

	_, err = st.client.Redeem(ctx, cashier, st.payload(v))
	assert.ErrorIs(t, err, model.ErrExpired)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	st := newTestStation(t, "P01", nil)

	old, err := st.client.Issue(ctx, table, decimal.NewFromInt(5), model.CurrencyUSD)
	require.NoError(t, err)

	st.client.now = func() time.Time { return clock.Add(200 * 24 * time.Hour) }
	recent, err := st.client.Issue(ctx, table, decimal.NewFromInt(7), model.CurrencyUSD)
	require.NoError(t, err)

	st.client.now = func() time.Time { return clock.Add(366 * 24 * time.Hour) }
	swept, err := st.client.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := st.store.Lookup(ctx, old.Code)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Equal(t, model.SyncPending, got.SyncState)

	got, err = st.store.Lookup(ctx, recent.Code)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)

	swept, err = st.client.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeSuccess},
		{model.ErrAlreadyRedeemed, OutcomeAlreadyRedeemed},
		{model.ErrAlreadyCancelled, OutcomeAlreadyCancelled},
		{model.ErrExpired, OutcomeExpired},
		{model.ErrNotFound, OutcomeNotFound},
		{model.ErrValidation, OutcomeInvalidCode},
		{context.DeadlineExceeded, OutcomeUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OutcomeOf(tt.err))
	}
}
