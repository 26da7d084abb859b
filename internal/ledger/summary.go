package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kkkkikiki/voucher/internal/model"
	"github.com/kkkkikiki/voucher/internal/repository"
)

// SummaryLine aggregates vouchers sharing a status and currency, and the
// issuing station when the summary is broken down by station
type SummaryLine struct {
	Station  string
	Status   model.Status
	Currency model.Currency
	Count    int
	Amount   decimal.Decimal
}

// Summary is the per-status, per-currency breakdown for a date range
type Summary struct {
	From      time.Time
	To        time.Time
	ByStation bool
	Total     int
	Lines     []SummaryLine
}

var statusOrder = map[model.Status]int{
	model.StatusActive:    0,
	model.StatusRedeemed:  1,
	model.StatusCancelled: 2,
	model.StatusExpired:   3,
}

// Summary aggregates the vouchers issued in [from, to)
func (s *Store) Summary(ctx context.Context, from, to time.Time, byStation bool) (*Summary, error) {
	vouchers, err := s.List(ctx, repository.ListFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}
	return Summarize(from, to, vouchers, byStation), nil
}

// Summarize folds vouchers into summary lines ordered by station, then
// status, then currency
func Summarize(from, to time.Time, vouchers []*model.Voucher, byStation bool) *Summary {
	type key struct {
		station  string
		status   model.Status
		currency model.Currency
	}
	totals := make(map[key]*SummaryLine)
	for _, v := range vouchers {
		k := key{status: v.Status, currency: v.Currency}
		if byStation {
			k.station = v.IssuingStation
		}
		line, ok := totals[k]
		if !ok {
			line = &SummaryLine{Station: k.station, Status: v.Status, Currency: v.Currency, Amount: decimal.Zero}
			totals[k] = line
		}
		line.Count++
		line.Amount = line.Amount.Add(v.Amount)
	}

	summary := &Summary{From: from, To: to, ByStation: byStation, Total: len(vouchers)}
	for _, line := range totals {
		summary.Lines = append(summary.Lines, *line)
	}
	sort.Slice(summary.Lines, func(i, j int) bool {
		a, b := summary.Lines[i], summary.Lines[j]
		if a.Station != b.Station {
			return a.Station < b.Station
		}
		if a.Status != b.Status {
			return statusOrder[a.Status] < statusOrder[b.Status]
		}
		return a.Currency < b.Currency
	})
	return summary
}
