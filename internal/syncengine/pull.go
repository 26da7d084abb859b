package syncengine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kkkkikiki/voucher/internal/metrics"
	"github.com/kkkkikiki/voucher/internal/model"
	"github.com/kkkkikiki/voucher/internal/remote"
)

// Pull actions
const (
	pullInserted = "inserted"
	pullAdopted  = "adopted"
	pullPushed   = "pushed"
	pullNoop     = "noop"
	pullConflict = "conflict"
	pullRejected = "rejected"
)

// PullResult summarizes one pull pass
type PullResult struct {
	Skipped  bool  `json:"skipped"`
	Fetched  int   `json:"fetched"`
	Inserted int   `json:"inserted"`
	Adopted  int   `json:"adopted"`
	Rejected int   `json:"rejected"`
	Cursor   int64 `json:"cursor"`
}

// Pull applies remote changes since the stored cursor, re-reading a small
// overlap below it so that sequence numbers committed out of order are not
// missed.
func (e *Engine) Pull(ctx context.Context) (PullResult, error) {
	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return PullResult{}, err
	}
	from := cursor - e.cfg.PullOverlap
	if from < 0 {
		from = 0
	}
	return e.PullRemoteSince(ctx, from)
}

// PullRemoteSince fetches remote records changed after cursor and applies
// each one locally. The stored cursor only advances past records whose
// local apply succeeded.
func (e *Engine) PullRemoteSince(ctx context.Context, cursor int64) (PullResult, error) {
	result := PullResult{Cursor: cursor}
	if e.remote == nil {
		return result, nil
	}
	if !e.pulling.CompareAndSwap(false, true) {
		result.Skipped = true
		return result, nil
	}
	defer e.pulling.Store(false)

	applied, err := e.store.Cursor(ctx)
	if err != nil {
		return result, err
	}

	for ctx.Err() == nil {
		records, err := e.fetch(ctx, cursor)
		if err != nil {
			e.recordPass(false, err)
			return result, err
		}
		result.Fetched += len(records)

		for _, record := range records {
			action, err := e.applyRemote(ctx, &record.Voucher, record.Seq > applied)
			if err != nil {
				e.recordPass(false, err)
				return result, fmt.Errorf("failed to apply remote %s: %w", record.Voucher.Code, err)
			}
			metrics.RecordPulled(action)
			switch action {
			case pullInserted:
				result.Inserted++
			case pullAdopted:
				result.Adopted++
			case pullRejected:
				result.Rejected++
			}

			if record.Seq > applied {
				if err := e.store.AdvanceCursor(ctx, record.Seq); err != nil {
					e.recordPass(false, err)
					return result, err
				}
				applied = record.Seq
			}
			cursor = record.Seq
			result.Cursor = cursor
		}

		if len(records) < e.cfg.BatchSize {
			break
		}
	}

	if result.Inserted+result.Adopted+result.Rejected > 0 {
		e.logger.Info("Pull pass complete",
			zap.Int("fetched", result.Fetched),
			zap.Int("inserted", result.Inserted),
			zap.Int("adopted", result.Adopted),
			zap.Int("rejected", result.Rejected),
			zap.Int64("cursor", applied))
	}
	e.recordPass(false, nil)
	return result, nil
}

func (e *Engine) fetch(ctx context.Context, cursor int64) ([]remote.Record, error) {
	rctx, cancel, err := e.remoteCall(ctx, e.cfg.RemoteTimeout)
	if err != nil {
		return nil, err
	}
	defer cancel()

	records, err := e.remote.FetchSince(rctx, cursor, e.cfg.BatchSize)
	if err != nil {
		return nil, transient(err)
	}
	return records, nil
}

// PullOne fetches a single code from the remote ledger and applies it
// locally. It is the lookup fallback for a voucher issued at another
// station. Any remote failure is reported as model.ErrNotFound.
func (e *Engine) PullOne(ctx context.Context, code string) (*model.Voucher, error) {
	code = model.NormalizeCode(code)
	if e.remote == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, code)
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.ImmediateTimeout)
	defer cancel()

	record, err := e.remote.Get(rctx, code)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			e.logger.Warn("Remote lookup failed", zap.String("code", code), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, code)
	}

	action, err := e.applyRemote(ctx, &record.Voucher, true)
	if err != nil {
		return nil, err
	}
	metrics.RecordPulled(action)
	if action == pullRejected {
		return nil, fmt.Errorf("%w: %s failed integrity check", model.ErrValidation, code)
	}
	return e.store.Lookup(ctx, code)
}

// applyRemote merges one remote record into the local ledger. Applying the
// same record again leaves local state unchanged. fresh is false for
// records re-read from the overlap window, which are not audited twice.
func (e *Engine) applyRemote(ctx context.Context, remoteV *model.Voucher, fresh bool) (string, error) {
	logger := e.logger.With(zap.String("code", remoteV.Code))

	local, err := e.store.Lookup(ctx, remoteV.Code)
	if errors.Is(err, model.ErrNotFound) {
		if e.verifier != nil && !e.verifier.Verify(remoteV) {
			if fresh {
				logger.Warn("Rejected remote voucher with invalid signature")
				e.emit(ctx, integrityEvent(remoteV.Code, "remote signature does not verify"))
			}
			return pullRejected, nil
		}
		err = e.store.InsertRemote(ctx, remoteV)
		if err == nil {
			return pullInserted, nil
		}
		if !errors.Is(err, model.ErrDuplicateCode) {
			return "", err
		}
		// issued locally between lookup and insert
		local, err = e.store.Lookup(ctx, remoteV.Code)
	}
	if err != nil {
		return "", err
	}

	if !local.SameIdentity(remoteV) {
		if fresh {
			logger.Warn("Rejected remote voucher with different identity")
			e.emit(ctx, integrityEvent(remoteV.Code, "remote identity differs from local"))
		}
		return pullRejected, nil
	}

	switch MergeRule(local, remoteV) {
	case DecisionAdoptRemote:
		adopted, err := e.store.AdoptRemote(ctx, remoteV)
		if err != nil {
			return "", err
		}
		if !adopted {
			return pullNoop, nil
		}
		e.emit(ctx, adoptedEvent(local, remoteV))
		return pullAdopted, nil
	case DecisionPushLocal:
		if err := e.store.Enqueue(ctx, local.Code); err != nil {
			return "", err
		}
		return pullPushed, nil
	case DecisionConflict:
		if fresh {
			e.recordConflict(ctx, local, remoteV)
		}
		return pullConflict, nil
	}
	return pullNoop, nil
}
