package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kkkkikiki/voucher/internal/model"
)

// MemoryLedger is an in-process shared ledger with the same conditional
// semantics as PostgresLedger. Stations in one process may share it.
type MemoryLedger struct {
	mu       sync.Mutex
	records  map[string]*Record
	seq      int64
	failures map[string]error
	offline  error
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records:  make(map[string]*Record),
		failures: make(map[string]error),
	}
}

// FailCode makes every call touching code fail with err until cleared with nil
func (l *MemoryLedger) FailCode(code string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failures, code)
		return
	}
	l.failures[code] = err
}

// SetOffline makes every call fail with err; nil brings the ledger back
func (l *MemoryLedger) SetOffline(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offline = err
}

func (l *MemoryLedger) check(code string) error {
	if l.offline != nil {
		return l.offline
	}
	if code != "" {
		if err := l.failures[code]; err != nil {
			return err
		}
	}
	return nil
}

func (l *MemoryLedger) bump(r *Record) {
	l.seq++
	r.Seq = l.seq
}

// Upsert mirrors PostgresLedger.Upsert
func (l *MemoryLedger) Upsert(ctx context.Context, v *model.Voucher) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(v.Code); err != nil {
		return 0, err
	}

	existing, ok := l.records[v.Code]
	if !ok {
		record := &Record{Voucher: *v}
		record.Voucher.SyncState = model.SyncSynced
		l.bump(record)
		l.records[v.Code] = record
		return 1, nil
	}

	if existing.Voucher.SecurityHash != v.SecurityHash ||
		existing.Voucher.Status != model.StatusActive ||
		!v.Status.IsTerminal() {
		return 0, nil
	}
	existing.Voucher.Status = v.Status
	existing.Voucher.RedeemedAt = v.RedeemedAt
	existing.Voucher.RedeemingOperator = v.RedeemingOperator
	existing.Voucher.RedeemingStation = v.RedeemingStation
	existing.Voucher.ClosedAt = v.ClosedAt
	l.bump(existing)
	return 1, nil
}

// ConditionalUpdateStatus mirrors PostgresLedger.ConditionalUpdateStatus
func (l *MemoryLedger) ConditionalUpdateStatus(ctx context.Context, code string, expected, next model.Status, meta model.TransitionMeta) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(code); err != nil {
		return 0, err
	}

	existing, ok := l.records[code]
	if !ok || existing.Voucher.Status != expected {
		return 0, nil
	}
	meta.Apply(&existing.Voucher, next)
	l.bump(existing)
	return 1, nil
}

// FetchSince mirrors PostgresLedger.FetchSince
func (l *MemoryLedger) FetchSince(ctx context.Context, cursor int64, limit int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(""); err != nil {
		return nil, err
	}

	var out []Record
	for _, r := range l.records {
		if r.Seq > cursor {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get mirrors PostgresLedger.Get
func (l *MemoryLedger) Get(ctx context.Context, code string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(code); err != nil {
		return nil, err
	}

	r, ok := l.records[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, code)
	}
	out := *r
	return &out, nil
}

// Ping fails while the ledger is offline
func (l *MemoryLedger) Ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check("")
}
