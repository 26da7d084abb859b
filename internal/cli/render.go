package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/kkkkikiki/voucher/internal/api"
)

// writeJSON prints v as indented JSON
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(ts *api.Timestamp) string {
	if ts == nil {
		return "-"
	}
	return ts.AsTime().UTC().Format(time.RFC3339)
}

// RenderVoucher prints one voucher as aligned key/value lines
func RenderVoucher(w io.Writer, v *api.Voucher) error {
	if v == nil {
		_, err := fmt.Fprintln(w, "no voucher")
		return err
	}

	rows := [][2]string{
		{"code", v.Code},
		{"amount", v.Amount + " " + v.Currency},
		{"status", v.Status},
		{"issued", formatTime(v.IssuedAt) + " by " + v.IssuingOperator + " at " + v.IssuingStation},
	}
	if v.RedeemedAt != nil {
		rows = append(rows, [2]string{"redeemed", formatTime(v.RedeemedAt) + " by " + v.RedeemingOperator + " at " + v.RedeemingStation})
	}
	if v.ClosedAt != nil && v.RedeemedAt == nil {
		rows = append(rows, [2]string{"closed", formatTime(v.ClosedAt)})
	}
	rows = append(rows, [2]string{"sync", v.SyncState})

	for _, row := range rows {
		if _, err := fmt.Fprintf(w, "%-9s %s\n", row[0]+":", row[1]); err != nil {
			return err
		}
	}
	return nil
}

// RenderVoucherList prints one line per voucher
func RenderVoucherList(w io.Writer, vouchers []*api.Voucher) error {
	for _, v := range vouchers {
		if _, err := fmt.Fprintf(w, "%-22s %-9s %12s %-3s %s\n", v.Code, v.Status, v.Amount, v.Currency, formatTime(v.IssuedAt)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d voucher(s)\n", len(vouchers))
	return err
}

// RenderOutcome prints the answer to a redeem or validate call
func RenderOutcome(w io.Writer, outcome, message string, v *api.Voucher) error {
	if _, err := fmt.Fprintf(w, "outcome:  %s\n", outcome); err != nil {
		return err
	}
	if message != "" {
		if _, err := fmt.Fprintf(w, "message:  %s\n", message); err != nil {
			return err
		}
	}
	if v == nil {
		return nil
	}
	return RenderVoucher(w, v)
}

// RenderAuditTrail prints one line per event, oldest first
func RenderAuditTrail(w io.Writer, events []*api.AuditEvent) error {
	for _, e := range events {
		who := e.Operator
		if who == "" {
			who = "-"
		}
		if _, err := fmt.Fprintf(w, "%s  %-24s %-6s %s", formatTime(e.At), e.Type, e.Station, who); err != nil {
			return err
		}
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, " %s=%q", k, e.Details[k]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d event(s)\n", len(events))
	return err
}

// RenderSummary prints the reconciliation report
func RenderSummary(w io.Writer, s *api.SummaryResponse) error {
	period := "all"
	if s.From != nil || s.To != nil {
		period = formatTime(s.From) + " .. " + formatTime(s.To)
	}
	if _, err := fmt.Fprintf(w, "period: %s\n", period); err != nil {
		return err
	}

	if s.ByStation {
		if _, err := fmt.Fprintf(w, "%-8s ", "STATION"); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "%-10s %-8s %6s %14s\n", "STATUS", "CURRENCY", "COUNT", "AMOUNT"); err != nil {
		return err
	}
	for _, line := range s.Lines {
		if s.ByStation {
			if _, err := fmt.Fprintf(w, "%-8s ", line.Station); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%-10s %-8s %6d %14s\n", line.Status, line.Currency, line.Count, line.Amount); err != nil {
			return err
		}
	}
	if s.ByStation {
		if _, err := fmt.Fprintf(w, "%-8s ", ""); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%-10s %-8s %6d\n", "total", "", s.Total)
	return err
}

// RenderSync prints the result of a sync pass
func RenderSync(w io.Writer, res *api.SyncNowResponse) error {
	if _, err := fmt.Fprintf(w, "pushed %d, pulled %d, adopted %d, conflicts %d, failed %d\n",
		res.Pushed, res.Pulled, res.Adopted, res.Conflicts, res.Failed); err != nil {
		return err
	}
	if st := res.Status; st != nil {
		if _, err := fmt.Fprintf(w, "enabled=%t pending=%d cursor=%d\n", st.Enabled, st.Pending, st.Cursor); err != nil {
			return err
		}
		if st.LastError != "" {
			if _, err := fmt.Fprintf(w, "last error: %s\n", st.LastError); err != nil {
				return err
			}
		}
	}
	return nil
}
