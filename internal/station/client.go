package station

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kkkkikiki/voucher/internal/audit"
	"github.com/kkkkikiki/voucher/internal/config"
	"github.com/kkkkikiki/voucher/internal/ledger"
	"github.com/kkkkikiki/voucher/internal/metrics"
	"github.com/kkkkikiki/voucher/internal/model"
	"github.com/kkkkikiki/voucher/internal/repository"
	"github.com/kkkkikiki/voucher/internal/syncengine"
	"github.com/kkkkikiki/voucher/internal/token"
)

const (
	sweepBatch     = 100
	systemOperator = "system"
)

// Client issues and redeems vouchers at one station
type Client struct {
	codec   *token.Codec
	store   *ledger.Store
	sync    *syncengine.Engine
	audit   audit.Sink
	printer Printer
	locks   *codeLocks
	station string
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewClient creates a station client
func NewClient(cfg config.StationConfig, codec *token.Codec, store *ledger.Store, engine *syncengine.Engine, sink audit.Sink, printer Printer, logger *zap.Logger) *Client {
	if printer == nil {
		printer = NopPrinter{}
	}
	return &Client{
		codec:   codec,
		store:   store,
		sync:    engine,
		audit:   sink,
		printer: printer,
		locks:   newCodeLocks(),
		station: cfg.ID,
		ttl:     cfg.VoucherTTL,
		logger:  logger.Named("station"),
		now:     time.Now,
	}
}

// Station returns the canonical id of this station
func (c *Client) Station() string {
	return c.station
}

func (c *Client) stationOf(sess Session) (string, error) {
	if sess.Station == "" {
		return c.station, nil
	}
	return model.NormalizeStation(sess.Station)
}

// Issue creates, stores and prints a new active voucher. A code collision
// is retried once with a freshly generated code.
func (c *Client) Issue(ctx context.Context, sess Session, amount decimal.Decimal, currency model.Currency) (*model.Voucher, error) {
	start := time.Now()
	v, err := c.issue(ctx, sess, amount, currency)

	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.RecordIssueDuration(status, time.Since(start).Seconds())
	return v, err
}

func (c *Client) issue(ctx context.Context, sess Session, amount decimal.Decimal, currency model.Currency) (*model.Voucher, error) {
	if err := model.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if !currency.IsValid() {
		return nil, fmt.Errorf("%w: unsupported currency %q", model.ErrValidation, currency)
	}
	station, err := c.stationOf(sess)
	if err != nil {
		return nil, err
	}

	var created *model.Voucher
	for attempt := 0; attempt < 2; attempt++ {
		issuedAt := model.CanonicalTime(c.now())
		code, err := c.codec.GenerateCode(station, issuedAt)
		if err != nil {
			return nil, err
		}

		v, err := model.NewVoucher(code, amount, currency, issuedAt, station, sess.OperatorID,
			c.codec.Sign(code, amount, currency, issuedAt))
		if err != nil {
			return nil, err
		}

		created, err = c.store.Create(ctx, v)
		if err == nil {
			break
		}
		if !errors.Is(err, model.ErrDuplicateCode) || attempt == 1 {
			return nil, err
		}
		c.logger.Warn("Voucher code collision, regenerating", zap.String("code", code))
	}

	c.sync.OnLocalMutation(ctx, created.Code)
	c.emit(ctx, model.AuditEvent{
		Type:     model.AuditIssued,
		Code:     created.Code,
		Station:  station,
		Operator: sess.OperatorID,
		Details: map[string]string{
			"amount":   created.Amount.StringFixed(2),
			"currency": string(created.Currency),
		},
	})

	if err := c.printer.Render(ctx, c.PublicFields(created)); err != nil {
		c.logger.Error("Failed to print voucher", zap.String("code", created.Code), zap.Error(err))
	}

	c.logger.Info("Voucher issued",
		zap.String("code", created.Code),
		zap.String("amount", created.Amount.StringFixed(2)),
		zap.String("currency", string(created.Currency)),
		zap.String("operator", sess.OperatorID))
	return created, nil
}

// Redeem validates a scanned payload and moves its voucher from active to
// redeemed. A voucher already closed yields the matching status error.
func (c *Client) Redeem(ctx context.Context, sess Session, payload string) (*model.Voucher, error) {
	start := time.Now()
	v, err := c.redeem(ctx, sess, payload)
	metrics.RecordRedeemDuration(string(OutcomeOf(err)), time.Since(start).Seconds())
	return v, err
}

func (c *Client) redeem(ctx context.Context, sess Session, payload string) (*model.Voucher, error) {
	v, err := c.open(ctx, sess, payload)
	if err != nil {
		return nil, err
	}
	return c.transition(ctx, sess, v, model.StatusRedeemed, nil)
}

// Validate checks a scanned payload without redeeming it. The voucher is
// returned alongside the error when it exists but can no longer be paid.
func (c *Client) Validate(ctx context.Context, sess Session, payload string) (*model.Voucher, error) {
	v, err := c.open(ctx, sess, payload)
	if err != nil {
		return nil, err
	}
	if v.Status.IsTerminal() {
		return v, model.StatusError(v.Status)
	}
	if v.IsExpired(c.now(), c.ttl) {
		return v, model.ErrExpired
	}
	return v, nil
}

// open verifies payload and finds the voucher it names
func (c *Client) open(ctx context.Context, sess Session, payload string) (*model.Voucher, error) {
	fields, ok := c.codec.Open(payload)
	if !ok {
		c.logger.Warn("Rejected invalid voucher payload", zap.String("operator", sess.OperatorID))
		return nil, fmt.Errorf("%w: signature check failed", model.ErrValidation)
	}

	v, err := c.Get(ctx, fields.Code)
	if err != nil {
		return nil, err
	}
	if v.SecurityHash != fields.Hash {
		return nil, fmt.Errorf("%w: payload does not match stored voucher", model.ErrValidation)
	}
	return v, nil
}

// Cancel voids an active voucher
func (c *Client) Cancel(ctx context.Context, sess Session, code, reason string) (*model.Voucher, error) {
	v, err := c.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	var details map[string]string
	if reason = strings.TrimSpace(reason); reason != "" {
		details = map[string]string{"reason": reason}
	}
	return c.transition(ctx, sess, v, model.StatusCancelled, details)
}

// Get looks a code up locally, falling back to a one-shot remote pull
func (c *Client) Get(ctx context.Context, code string) (*model.Voucher, error) {
	code = model.NormalizeCode(code)
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", model.ErrValidation)
	}

	v, err := c.store.Lookup(ctx, code)
	if errors.Is(err, model.ErrNotFound) {
		return c.sync.PullOne(ctx, code)
	}
	return v, err
}

// transition closes an active voucher. Transitions of one code are
// serialized so that the remote claim and the local write act as one step.
func (c *Client) transition(ctx context.Context, sess Session, v *model.Voucher, to model.Status, details map[string]string) (*model.Voucher, error) {
	station, err := c.stationOf(sess)
	if err != nil {
		return nil, err
	}

	unlock := c.locks.lock(v.Code)
	defer unlock()

	v, err = c.store.Lookup(ctx, v.Code)
	if err != nil {
		return nil, err
	}
	if v.Status.IsTerminal() {
		return nil, model.StatusError(v.Status)
	}

	now := c.now()
	if v.IsExpired(now, c.ttl) {
		if _, err := c.expireLocked(ctx, v.Code, now); err != nil {
			return nil, err
		}
		return nil, model.ErrExpired
	}

	meta := model.TransitionMeta{At: now, Operator: sess.OperatorID, Station: station}
	claim := c.sync.ClaimRemote(ctx, v, to, meta)
	if claim.Lost != nil {
		c.logger.Info("Voucher already closed at another station",
			zap.String("code", v.Code),
			zap.String("status", string(claim.Lost.Status)),
			zap.String("station", claim.Lost.RedeemingStation))
		return nil, model.StatusError(claim.Lost.Status)
	}

	changed, err := c.store.ConditionalTransition(ctx, v.Code, model.StatusActive, to, meta)
	if err != nil {
		if !claim.Won {
			return nil, err
		}
		// the remote holds this transition and the next pull restores it locally
		c.logger.Error("Local write failed after remote claim",
			zap.String("code", v.Code),
			zap.String("status", string(to)),
			zap.Error(err))
		closed := *v
		meta.Apply(&closed, to)
		c.emitClosed(ctx, sess, station, &closed, details)
		return &closed, nil
	}
	if !changed {
		current, err := c.store.Lookup(ctx, v.Code)
		if err != nil {
			return nil, err
		}
		// a pull may have adopted this station's own claim first
		if !claim.Won || current.Status != to {
			return nil, model.StatusError(current.Status)
		}
	} else {
		c.sync.OnLocalMutation(ctx, v.Code)
	}

	closed, err := c.store.Lookup(ctx, v.Code)
	if err != nil {
		return nil, err
	}
	c.emitClosed(ctx, sess, station, closed, details)
	return closed, nil
}

func (c *Client) emitClosed(ctx context.Context, sess Session, station string, v *model.Voucher, details map[string]string) {
	c.emit(ctx, model.AuditEvent{
		Type:     model.AuditEventFor(v.Status),
		Code:     v.Code,
		Station:  station,
		Operator: sess.OperatorID,
		Details:  details,
	})
	c.logger.Info("Voucher closed",
		zap.String("code", v.Code),
		zap.String("status", string(v.Status)),
		zap.String("operator", sess.OperatorID))
}

func (c *Client) expire(ctx context.Context, code string, now time.Time) (bool, error) {
	unlock := c.locks.lock(code)
	defer unlock()
	return c.expireLocked(ctx, code, now)
}

func (c *Client) expireLocked(ctx context.Context, code string, now time.Time) (bool, error) {
	meta := model.TransitionMeta{At: now, Operator: systemOperator, Station: c.station}
	changed, err := c.store.ConditionalTransition(ctx, code, model.StatusActive, model.StatusExpired, meta)
	if err != nil || !changed {
		return false, err
	}

	c.sync.OnLocalMutation(ctx, code)
	c.emit(ctx, model.AuditEvent{
		Type:     model.AuditExpired,
		Code:     code,
		Station:  c.station,
		Operator: systemOperator,
	})
	return true, nil
}

// SweepExpired moves every active voucher past its time to live to expired
func (c *Client) SweepExpired(ctx context.Context) (int, error) {
	if c.ttl <= 0 {
		return 0, nil
	}

	now := c.now()
	cutoff := now.Add(-c.ttl)
	expired := 0
	for {
		batch, err := c.store.ListExpirable(ctx, cutoff, sweepBatch)
		if err != nil {
			return expired, err
		}
		for _, v := range batch {
			changed, err := c.expire(ctx, v.Code, now)
			if err != nil {
				return expired, err
			}
			if changed {
				expired++
			}
		}
		if len(batch) < sweepBatch {
			break
		}
	}

	if expired > 0 {
		c.logger.Info("Expired vouchers swept", zap.Int("count", expired))
	}
	return expired, nil
}

// RunExpirySweeper sweeps on every tick until ctx is done
func (c *Client) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.SweepExpired(ctx); err != nil {
				c.logger.Error("Expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// List returns local vouchers matching filter
func (c *Client) List(ctx context.Context, filter repository.ListFilter) ([]*model.Voucher, error) {
	return c.store.List(ctx, filter)
}

// Summary aggregates local vouchers issued in [from, to), optionally per
// issuing station
func (c *Client) Summary(ctx context.Context, from, to time.Time, byStation bool) (*ledger.Summary, error) {
	return c.store.Summary(ctx, from, to, byStation)
}

// AuditTrail returns the recorded events of one code, oldest first
func (c *Client) AuditTrail(ctx context.Context, code string) ([]model.AuditEvent, error) {
	code = model.NormalizeCode(code)
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", model.ErrValidation)
	}
	return c.store.AuditTrail(ctx, code)
}

// PublicFields is what the printer may see of v
func (c *Client) PublicFields(v *model.Voucher) model.PublicFields {
	fields := model.PublicFields{
		Code:     v.Code,
		Amount:   v.Amount.StringFixed(2),
		Currency: v.Currency,
		IssuedAt: v.IssuedAt,
		Station:  v.IssuingStation,
		Operator: v.IssuingOperator,
		Payload:  c.codec.Payload(v),
	}
	if c.ttl > 0 {
		fields.ExpiresAt = v.ExpiresAt(c.ttl)
	}
	return fields
}

func (c *Client) emit(ctx context.Context, e model.AuditEvent) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(ctx, e); err != nil {
		c.logger.Error("Failed to record audit event",
			zap.String("type", string(e.Type)),
			zap.String("code", e.Code),
			zap.Error(err))
	}
}
