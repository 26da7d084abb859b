package remote

import "github.com/kkkkikiki/voucher/internal/model"

// Record is a voucher as held by the shared ledger, tagged with the change
// sequence assigned on its last insert or update.
type Record struct {
	Voucher model.Voucher
	Seq     int64
}
