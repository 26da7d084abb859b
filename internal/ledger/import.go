package ledger

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kkkkikiki/voucher/internal/model"
)

// 14 bound parameters per row stays under SQLite's 999 limit
const importBatchSize = 50

// ImportResult counts what an import did
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Pending  int `json:"pending"`
}

// Import stores vouchers brought over from another system, one
// transaction per batch. Codes already present are skipped. Records not
// yet synchronized get a pending-sync marker.
func (s *Store) Import(ctx context.Context, vouchers []*model.Voucher) (ImportResult, error) {
	var result ImportResult

	for i := 0; i < len(vouchers); i += importBatchSize {
		end := i + importBatchSize
		if end > len(vouchers) {
			end = len(vouchers)
		}

		batch, err := s.importBatch(ctx, vouchers[i:end])
		if err != nil {
			return result, fmt.Errorf("failed to import batch at %d: %w", i, err)
		}
		result.Imported += batch.Imported
		result.Skipped += batch.Skipped
		result.Pending += batch.Pending
	}
	return result, nil
}

func (s *Store) importBatch(ctx context.Context, batch []*model.Voucher) (ImportResult, error) {
	var result ImportResult

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		codes := make([]string, len(batch))
		for i, v := range batch {
			codes[i] = v.Code
		}
		existing, err := s.vouchers.ExistingCodes(ctx, tx, codes)
		if err != nil {
			return err
		}

		fresh := make([]*model.Voucher, 0, len(batch))
		for _, v := range batch {
			if existing[v.Code] {
				result.Skipped++
				continue
			}
			// a code repeated inside the input counts once
			existing[v.Code] = true

			record := *v
			record.Version = 1
			if record.SyncState != model.SyncSynced {
				record.SyncState = model.SyncPending
			}
			fresh = append(fresh, &record)
		}

		if err := s.vouchers.InsertBatch(ctx, tx, fresh); err != nil {
			return err
		}
		for _, v := range fresh {
			if v.SyncState != model.SyncPending {
				continue
			}
			if err := s.outbox.Enqueue(ctx, tx, v.Code, v.Version, s.now()); err != nil {
				return err
			}
			result.Pending++
		}
		result.Imported = len(fresh)
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	return result, nil
}
