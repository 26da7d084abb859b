package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kkkkikiki/voucher/internal/api"
)

// output writes v as JSON or with the text renderer
func output(opts *RootOptions, w io.Writer, v any, text func(io.Writer) error) error {
	if opts.Format == "json" {
		return writeJSON(w, v)
	}
	return text(w)
}

func (o *RootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.Conn.Timeout)
}

// NewIssueCommand creates the issue command.
func NewIssueCommand(opts *RootOptions) *cobra.Command {
	var currency string

	cmd := &cobra.Command{
		Use:   "issue <amount>",
		Short: "Issue a new voucher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.Conn.Client().Issue(ctx, newRequest(&opts.Conn, &api.IssueRequest{
				Amount:   args[0],
				Currency: currency,
				Station:  opts.Conn.Station,
			}))
			if err != nil {
				return fmt.Errorf("issue: %w", err)
			}
			return output(opts, cmd.OutOrStdout(), res.Msg, func(w io.Writer) error {
				if err := RenderVoucher(w, res.Msg.Voucher); err != nil {
					return err
				}
				_, err := fmt.Fprintf(w, "payload:  %s\n", res.Msg.Payload)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&currency, "currency", "c", "USD", "currency (USD|DOP)")
	return cmd
}

// NewRedeemCommand creates the redeem command. The payload is the scanned
// text, e.g. from a QR reader acting as a keyboard.
func NewRedeemCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "redeem <payload>",
		Short: "Redeem a scanned voucher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.Conn.Client().Redeem(ctx, newRequest(&opts.Conn, &api.RedeemRequest{Payload: args[0]}))
			if err != nil {
				return fmt.Errorf("redeem: %w", err)
			}
			if err := output(opts, cmd.OutOrStdout(), res.Msg, func(w io.Writer) error {
				return RenderOutcome(w, res.Msg.Outcome, res.Msg.Message, res.Msg.Voucher)
			}); err != nil {
				return err
			}
			if res.Msg.Outcome != "success" {
				return NewExitError(ExitFailure, "voucher refused: "+res.Msg.Outcome)
			}
			return nil
		},
	}
}

// NewValidateCommand creates the validate command. It reports what redeem
// would answer without closing the voucher.
func NewValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <payload>",
		Short: "Check a scanned voucher without redeeming it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.Conn.Client().Validate(ctx, newRequest(&opts.Conn, &api.ValidateRequest{Payload: args[0]}))
			if err != nil {
				return fmt.Errorf("validate: %w", err)
			}
			if err := output(opts, cmd.OutOrStdout(), res.Msg, func(w io.Writer) error {
				return RenderOutcome(w, res.Msg.Outcome, res.Msg.Message, res.Msg.Voucher)
			}); err != nil {
				return err
			}
			if res.Msg.Outcome != "success" {
				return NewExitError(ExitFailure, "voucher not payable: "+res.Msg.Outcome)
			}
			return nil
		},
	}
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <code>",
		Short: "Show the recorded history of a voucher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.Conn.Client().AuditTrail(ctx, newRequest(&opts.Conn, &api.AuditTrailRequest{Code: args[0]}))
			if err != nil {
				return fmt.Errorf("audit: %w", err)
			}
			return output(opts, cmd.OutOrStdout(), res.Msg, func(w io.Writer) error {
				return RenderAuditTrail(w, res.Msg.Events)
			})
		},
	}
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(opts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <code>",
		Short: "Cancel an active voucher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.Conn.Client().Cancel(ctx, newRequest(&opts.Conn, &api.CancelRequest{Code: args[0], Reason: reason}))
			if err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			return output(opts, cmd.OutOrStdout(), res.Msg, func(w io.Writer) error {
				return RenderVoucher(w, res.Msg.Voucher)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the voucher is voided")
	return cmd
}

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <code>",
		Short: "Show one voucher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.Conn.Client().GetVoucher(ctx, newRequest(&opts.Conn, &api.GetVoucherRequest{Code: args[0]}))
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}
			return output(opts, cmd.OutOrStdout(), res.Msg, func(w io.Writer) error {
				return RenderVoucher(w, res.Msg.Voucher)
			})
		},
	}
}

// period parses --from/--to as dates or RFC 3339 times
type period struct {
	from, to string
}

func (p *period) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.from, "from", "", "start of the period (2006-01-02 or RFC 3339)")
	cmd.Flags().StringVar(&p.to, "to", "", "end of the period, exclusive")
}

func (p *period) request() (*api.SummaryRequest, error) {
	from, err := parseWhen(p.from)
	if err != nil {
		return nil, fmt.Errorf("--from: %w", err)
	}
	to, err := parseWhen(p.to)
	if err != nil {
		return nil, fmt.Errorf("--to: %w", err)
	}
	return &api.SummaryRequest{From: api.NewTimestamp(from), To: api.NewTimestamp(to)}, nil
}

func parseWhen(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, s, time.Local)
}

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	var (
		statuses  []string
		syncState string
		limit     int32
		when      period
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List vouchers on this station",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := when.request()
			if err != nil {
				return err
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.Conn.Client().ListVouchers(ctx, newRequest(&opts.Conn, &api.ListVouchersRequest{
				Statuses:  statuses,
				SyncState: syncState,
				From:      window.From,
				To:        window.To,
				Limit:     limit,
			}))
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			return output(opts, cmd.OutOrStdout(), res.Msg, func(w io.Writer) error {
				return RenderVoucherList(w, res.Msg.Vouchers)
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "only these statuses")
	cmd.Flags().StringVar(&syncState, "sync", "", "only pending or synced vouchers")
	cmd.Flags().Int32Var(&limit, "limit", 100, "maximum number of vouchers")
	when.bind(cmd)
	return cmd
}

// NewSummaryCommand creates the summary command.
func NewSummaryCommand(opts *RootOptions) *cobra.Command {
	var (
		when      period
		byStation bool
	)

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Count and total vouchers per status and currency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := when.request()
			if err != nil {
				return err
			}
			req.ByStation = byStation

			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.Conn.Client().Summary(ctx, newRequest(&opts.Conn, req))
			if err != nil {
				return fmt.Errorf("summary: %w", err)
			}
			return output(opts, cmd.OutOrStdout(), res.Msg, func(w io.Writer) error {
				return RenderSummary(w, res.Msg)
			})
		},
	}

	when.bind(cmd)
	cmd.Flags().BoolVar(&byStation, "by-station", false, "break totals down per issuing station")
	return cmd
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push pending changes and pull remote ones now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			res, err := opts.Conn.Client().SyncNow(ctx, newRequest(&opts.Conn, &api.SyncNowRequest{}))
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			return output(opts, cmd.OutOrStdout(), res.Msg, func(w io.Writer) error {
				return RenderSync(w, res.Msg)
			})
		},
	}
}
