package syncengine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/voucher/internal/metrics"
	"github.com/kkkkikiki/voucher/internal/model"
	"github.com/kkkkikiki/voucher/internal/repository"
)

// Push results
const (
	pushSynced   = "synced"
	pushAdopted  = "adopted"
	pushConflict = "conflict"
	pushStale    = "stale"
	pushFailed   = "failed"
)

var errIdentityMismatch = errors.New("remote record has a different identity")

// PushResult summarizes one push pass
type PushResult struct {
	Skipped   bool `json:"skipped"`
	Synced    int  `json:"synced"`
	Adopted   int  `json:"adopted"`
	Conflicts int  `json:"conflicts"`
	Failed    int  `json:"failed"`
}

// PushPending sends every due pending mutation to the remote ledger. A
// failure on one code is recorded on its marker and does not stop the rest.
func (e *Engine) PushPending(ctx context.Context) (PushResult, error) {
	var result PushResult
	if e.remote == nil {
		return result, nil
	}
	if !e.pushing.CompareAndSwap(false, true) {
		result.Skipped = true
		return result, nil
	}
	defer e.pushing.Store(false)

	entries, err := e.store.DuePending(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		e.recordPass(true, err)
		return result, err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		switch outcome := e.pushEntry(ctx, entry, e.cfg.RemoteTimeout); outcome {
		case pushSynced:
			result.Synced++
		case pushAdopted:
			result.Adopted++
		case pushConflict:
			result.Conflicts++
		case pushFailed:
			result.Failed++
		}
	}

	if len(entries) > 0 {
		e.logger.Info("Push pass complete",
			zap.Int("due", len(entries)),
			zap.Int("synced", result.Synced),
			zap.Int("adopted", result.Adopted),
			zap.Int("conflicts", result.Conflicts),
			zap.Int("failed", result.Failed))
	}
	e.refreshPendingGauge(ctx)
	e.recordPass(true, ctx.Err())
	return result, nil
}

// pushImmediate is the best-effort push right after a local mutation
func (e *Engine) pushImmediate(ctx context.Context, code string) {
	if !e.pushing.CompareAndSwap(false, true) {
		return
	}
	defer e.pushing.Store(false)

	entry, err := e.store.PendingMarker(ctx, code)
	if err != nil || entry == nil {
		return
	}
	e.pushEntry(ctx, *entry, e.cfg.ImmediateTimeout)
	e.refreshPendingGauge(ctx)
}

// pushEntry pushes one marker and records its outcome locally
func (e *Engine) pushEntry(ctx context.Context, entry repository.OutboxEntry, timeout time.Duration) string {
	logger := e.logger.With(zap.String("code", entry.Code))

	outcome, err := e.pushOne(ctx, entry.Code, timeout)
	if err != nil {
		attempts := entry.Attempts + 1
		delay := e.backoff(attempts)
		if errors.Is(err, errIdentityMismatch) {
			delay = e.cfg.BackoffMax
		}
		if recErr := e.store.RecordPushFailure(ctx, entry.Code, attempts, e.now().Add(delay), err); recErr != nil {
			logger.Error("Failed to record push failure", zap.Error(recErr))
		}
		logger.Warn("Push failed, will retry",
			zap.Int("attempts", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		metrics.RecordPush(pushFailed)
		return pushFailed
	}

	metrics.RecordPush(outcome)
	logger.Debug("Pushed", zap.String("result", outcome))
	return outcome
}

// pushOne makes the remote ledger reflect the current local record. A
// terminal local status goes through the remote conditional update first,
// the same compare-and-swap that arbitrates between stations.
func (e *Engine) pushOne(ctx context.Context, code string, timeout time.Duration) (string, error) {
	local, err := e.store.Lookup(ctx, code)
	if err != nil {
		return "", err
	}

	rctx, cancel, err := e.remoteCall(ctx, timeout)
	if err != nil {
		return "", err
	}
	defer cancel()

	var changed int64
	if local.Status.IsTerminal() {
		changed, err = e.remote.ConditionalUpdateStatus(rctx, local.Code, model.StatusActive, local.Status, metaOf(local))
		if err != nil {
			return "", transient(err)
		}
	}
	if changed == 0 {
		if changed, err = e.remote.Upsert(rctx, local); err != nil {
			return "", transient(err)
		}
	}
	if changed > 0 {
		return e.acknowledge(ctx, local)
	}

	// the remote ledger kept its own row; reconcile against it
	record, err := e.remote.Get(rctx, local.Code)
	if err != nil {
		return "", transient(err)
	}
	return e.reconcilePushed(ctx, local, &record.Voucher)
}

func (e *Engine) acknowledge(ctx context.Context, local *model.Voucher) (string, error) {
	acked, err := e.store.Acknowledge(ctx, local.Code, local.Version)
	if err != nil {
		return "", err
	}
	if !acked {
		// mutated again while in flight; the newer version stays queued
		return pushStale, nil
	}
	return pushSynced, nil
}

func (e *Engine) reconcilePushed(ctx context.Context, local, remoteV *model.Voucher) (string, error) {
	if !local.SameIdentity(remoteV) {
		e.emit(ctx, integrityEvent(local.Code, "remote identity differs from local"))
		return "", errIdentityMismatch
	}

	switch MergeRule(local, remoteV) {
	case DecisionAdoptRemote:
		adopted, err := e.store.AdoptRemote(ctx, remoteV)
		if err != nil {
			return "", err
		}
		if !adopted {
			return pushStale, nil
		}
		e.emit(ctx, adoptedEvent(local, remoteV))
		return pushAdopted, nil
	case DecisionConflict:
		e.recordConflict(ctx, local, remoteV)
		if _, err := e.acknowledge(ctx, local); err != nil {
			return "", err
		}
		return pushConflict, nil
	case DecisionPushLocal:
		// remote is still active although both writes were refused
		return "", transient(errors.New("remote refused terminal update"))
	}
	return e.acknowledge(ctx, local)
}

// Claim is the result of ClaimRemote
type Claim struct {
	// Won is set when the remote accepted this transition
	Won bool
	// Lost is the remote record when another station closed the voucher first
	Lost *model.Voucher
}

// ClaimRemote runs the remote conditional update for a transition the
// station is about to apply locally, so that two online stations cannot
// both redeem one voucher. When another station already closed the
// voucher the remote status is adopted locally and returned in Lost.
// An unreachable remote, or one that has not seen the voucher yet, lets
// the local transition proceed.
func (e *Engine) ClaimRemote(ctx context.Context, local *model.Voucher, to model.Status, meta model.TransitionMeta) Claim {
	if e.remote == nil || local.Status != model.StatusActive {
		return Claim{}
	}
	logger := e.logger.With(zap.String("code", local.Code))

	rctx, cancel := context.WithTimeout(ctx, e.cfg.ImmediateTimeout)
	defer cancel()

	changed, err := e.remote.ConditionalUpdateStatus(rctx, local.Code, model.StatusActive, to, meta)
	if err != nil {
		logger.Warn("Remote claim unavailable, continuing offline", zap.Error(err))
		return Claim{}
	}
	if changed == 1 {
		return Claim{Won: true}
	}

	record, err := e.remote.Get(rctx, local.Code)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			logger.Warn("Remote lookup after refused claim failed", zap.Error(err))
		}
		return Claim{}
	}
	remoteV := &record.Voucher
	if !remoteV.Status.IsTerminal() {
		return Claim{}
	}
	if !local.SameIdentity(remoteV) {
		e.emit(ctx, integrityEvent(local.Code, "remote identity differs from local"))
		return Claim{}
	}

	adopted, err := e.store.AdoptRemote(ctx, remoteV)
	if err != nil {
		logger.Error("Failed to adopt remote status", zap.Error(err))
	} else if adopted {
		e.emit(ctx, adoptedEvent(local, remoteV))
	}
	return Claim{Lost: remoteV}
}

func (e *Engine) recordConflict(ctx context.Context, local, remoteV *model.Voucher) {
	metrics.RecordConflict()
	e.logger.Warn("Sync conflict, keeping local status",
		zap.String("code", local.Code),
		zap.String("local_status", string(local.Status)),
		zap.String("remote_status", string(remoteV.Status)))
	e.emit(ctx, model.AuditEvent{
		Type:    model.AuditSyncConflict,
		Code:    local.Code,
		Station: local.RedeemingStation,
		Details: map[string]string{
			"local_status":  string(local.Status),
			"remote_status": string(remoteV.Status),
			"error":         model.ErrSyncConflict.Error(),
		},
	})
}

func metaOf(v *model.Voucher) model.TransitionMeta {
	at := time.Now()
	if v.ClosedAt != nil {
		at = *v.ClosedAt
	}
	return model.TransitionMeta{At: at, Operator: v.RedeemingOperator, Station: v.RedeemingStation}
}

func adoptedEvent(local, remoteV *model.Voucher) model.AuditEvent {
	return model.AuditEvent{
		Type:     model.AuditAdoptedRemote,
		Code:     local.Code,
		Station:  remoteV.RedeemingStation,
		Operator: remoteV.RedeemingOperator,
		Details: map[string]string{
			"local_status":  string(local.Status),
			"remote_status": string(remoteV.Status),
		},
	}
}

func integrityEvent(code, reason string) model.AuditEvent {
	return model.AuditEvent{
		Type:    model.AuditIntegrityMismatch,
		Code:    code,
		Details: map[string]string{"reason": reason},
	}
}
