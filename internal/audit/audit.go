package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kkkkikiki/voucher/internal/model"
)

// Sink receives one event per lifecycle transition and per sync conflict
type Sink interface {
	Record(ctx context.Context, e model.AuditEvent) error
}

// EventStore persists audit events
type EventStore interface {
	RecordAudit(ctx context.Context, e model.AuditEvent) error
}

// Recorder persists events to the local ledger and mirrors them to the log
type Recorder struct {
	store  EventStore
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates an audit recorder. store may be nil for a log-only sink.
func NewRecorder(store EventStore, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.Named("audit"),
		now:    time.Now,
	}
}

// Record assigns an id and timestamp if missing, then stores and logs e
func (r *Recorder) Record(ctx context.Context, e model.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = r.now()
	}
	e.At = model.CanonicalTime(e.At)

	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("code", e.Code),
		zap.String("station", e.Station),
		zap.String("operator", e.Operator),
	}
	for k, v := range e.Details {
		fields = append(fields, zap.String(k, v))
	}

	switch e.Type {
	case model.AuditSyncConflict, model.AuditIntegrityMismatch:
		r.logger.Warn("Audit event", fields...)
	default:
		r.logger.Info("Audit event", fields...)
	}

	if r.store == nil {
		return nil
	}
	return r.store.RecordAudit(ctx, e)
}
