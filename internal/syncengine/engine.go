package syncengine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kkkkikiki/voucher/internal/audit"
	"github.com/kkkkikiki/voucher/internal/config"
	"github.com/kkkkikiki/voucher/internal/ledger"
	"github.com/kkkkikiki/voucher/internal/metrics"
	"github.com/kkkkikiki/voucher/internal/model"
	"github.com/kkkkikiki/voucher/internal/remote"
)

// RemoteLedger is the shared store all stations reconcile against
type RemoteLedger interface {
	Upsert(ctx context.Context, v *model.Voucher) (int64, error)
	ConditionalUpdateStatus(ctx context.Context, code string, expected, next model.Status, meta model.TransitionMeta) (int64, error)
	FetchSince(ctx context.Context, cursor int64, limit int) ([]remote.Record, error)
	Get(ctx context.Context, code string) (*remote.Record, error)
}

// Verifier recomputes a voucher's signature
type Verifier interface {
	Verify(v *model.Voucher) bool
}

// Status is a snapshot of the engine for health and reporting
type Status struct {
	Enabled    bool      `json:"enabled"`
	Pending    int       `json:"pending"`
	Cursor     int64     `json:"cursor"`
	LastPushAt time.Time `json:"last_push_at"`
	LastPullAt time.Time `json:"last_pull_at"`
	LastError  string    `json:"last_error,omitempty"`
	Pushing    bool      `json:"pushing"`
	Pulling    bool      `json:"pulling"`
}

// Engine reconciles the local ledger with the remote one in the background.
// Remote failures are retried and never returned to request handlers.
type Engine struct {
	cfg      config.SyncConfig
	store    *ledger.Store
	remote   RemoteLedger
	verifier Verifier
	audit    audit.Sink
	logger   *zap.Logger
	limiter  *rate.Limiter
	now      func() time.Time

	kick    chan string
	pushing atomic.Bool
	pulling atomic.Bool

	mu         sync.Mutex
	lastPushAt time.Time
	lastPullAt time.Time
	lastError  string
}

// New creates a sync engine. A nil remote makes an offline station: local
// mutations stay pending and lookups never leave the station.
func New(cfg config.SyncConfig, store *ledger.Store, remoteLedger RemoteLedger, verifier Verifier, sink audit.Sink, logger *zap.Logger) *Engine {
	burst := int(math.Ceil(cfg.RateLimit))
	if burst < 1 {
		burst = 1
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		remote:   remoteLedger,
		verifier: verifier,
		audit:    sink,
		logger:   logger.Named("sync"),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), burst),
		now:      time.Now,
		kick:     make(chan string, 256),
	}
}

// Enabled reports whether a remote ledger is configured
func (e *Engine) Enabled() bool {
	return e.remote != nil
}

// OnLocalMutation makes sure code is queued for push and asks the run loop
// for an immediate best-effort attempt. It never blocks the caller on the
// remote ledger.
func (e *Engine) OnLocalMutation(ctx context.Context, code string) {
	if err := e.store.Enqueue(ctx, code); err != nil {
		e.logger.Error("Failed to enqueue local mutation", zap.String("code", code), zap.Error(err))
		return
	}
	if e.remote == nil {
		return
	}

	select {
	case e.kick <- code:
	default:
		e.logger.Debug("Immediate push queue full, leaving to periodic pass", zap.String("code", code))
	}
}

// Run drives periodic push and pull passes until ctx is done
func (e *Engine) Run(ctx context.Context) {
	if e.remote == nil {
		e.logger.Info("Sync engine disabled")
		return
	}

	e.logger.Info("Sync engine started",
		zap.Duration("interval", e.cfg.Interval),
		zap.Int("batch_size", e.cfg.BatchSize))

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Sync engine stopped")
			return
		case code := <-e.kick:
			e.pushImmediate(ctx, code)
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce performs one push pass followed by one pull pass
func (e *Engine) RunOnce(ctx context.Context) (PushResult, PullResult) {
	pushed, err := e.PushPending(ctx)
	if err != nil {
		e.logger.Warn("Push pass failed", zap.Error(err))
	}

	pulled, err := e.Pull(ctx)
	if err != nil {
		e.logger.Warn("Pull pass failed", zap.Error(err))
	}
	return pushed, pulled
}

// Status returns a snapshot of the engine state
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return Status{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Enabled:    e.remote != nil,
		Pending:    pending,
		Cursor:     cursor,
		LastPushAt: e.lastPushAt,
		LastPullAt: e.lastPullAt,
		LastError:  e.lastError,
		Pushing:    e.pushing.Load(),
		Pulling:    e.pulling.Load(),
	}, nil
}

func (e *Engine) recordPass(push bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if push {
		e.lastPushAt = e.now()
	} else {
		e.lastPullAt = e.now()
	}
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
}

// backoff returns the delay before retry number attempts
func (e *Engine) backoff(attempts int) time.Duration {
	delay := e.cfg.BackoffBase
	if delay <= 0 || delay >= e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}
	for i := 1; i < attempts; i++ {
		if delay >= e.cfg.BackoffMax/2 {
			return e.cfg.BackoffMax
		}
		delay *= 2
	}
	return delay
}

// remoteCall bounds one remote round trip with the configured timeout
// after waiting for the rate limiter.
func (e *Engine) remoteCall(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	if timeout <= 0 || timeout > e.cfg.RemoteTimeout {
		timeout = e.cfg.RemoteTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	return rctx, cancel, nil
}

func transient(err error) error {
	return fmt.Errorf("%w: %v", model.ErrSyncTransient, err)
}

func (e *Engine) emit(ctx context.Context, event model.AuditEvent) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, event); err != nil {
		e.logger.Error("Failed to record audit event",
			zap.String("type", string(event.Type)),
			zap.String("code", event.Code),
			zap.Error(err))
	}
}

func (e *Engine) refreshPendingGauge(ctx context.Context) {
	if n, err := e.store.PendingCount(ctx); err == nil {
		metrics.SetPending(n)
	}
}
