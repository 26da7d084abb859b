package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/subosito/gotenv"
	"github.com/tidwall/jsonc"

	"github.com/kkkkikiki/voucher/internal/config"
	"github.com/kkkkikiki/voucher/internal/database"
	"github.com/kkkkikiki/voucher/internal/ledger"
	"github.com/kkkkikiki/voucher/internal/model"
	"github.com/kkkkikiki/voucher/internal/token"
)

// ImportReport is the outcome of a legacy import
type ImportReport struct {
	ledger.ImportResult
	Rejected []string `json:"rejected,omitempty"`
}

const healthProbeTimeout = 2 * time.Second

// NewImportCommand creates the import command. It works on the station's
// local ledger file directly, so it runs on the station host with the
// server's environment while the server is stopped; the server is the
// ledger's only writer.
func NewImportCommand(opts *RootOptions) *cobra.Command {
	var (
		dbPath string
		resign bool
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "import <tickets.json>",
		Short: "Import tickets exported by the legacy station software",
		Long: "Import tickets exported by the legacy station software into the local ledger file.\n" +
			"Stop the station server first: import writes the file directly and refuses to run\n" +
			"while the server at --server answers its health check.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tickets, err := ReadLegacyTickets(args[0])
			if err != nil {
				return err
			}

			if !force && stationRunning(cmd.Context(), opts.Conn.Server) {
				return fmt.Errorf("station server at %s is running; stop it before importing", opts.Conn.Server)
			}

			_ = gotenv.Load()
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.Local.Path
			}

			db, err := database.OpenLocal(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			codec, err := token.NewCodec([]byte(cfg.Station.SigningKey))
			if err != nil {
				return err
			}

			report, err := ImportLegacy(cmd.Context(), ledger.New(db), codec, tickets, resign)
			if err != nil {
				return err
			}
			return output(opts, cmd.OutOrStdout(), report, func(w io.Writer) error {
				for _, reason := range report.Rejected {
					if _, err := fmt.Fprintf(w, "rejected: %s\n", reason); err != nil {
						return err
					}
				}
				_, err := fmt.Fprintf(w, "imported %d, skipped %d, rejected %d, queued for sync %d\n",
					report.Imported, report.Skipped, len(report.Rejected), report.Pending)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "local ledger path (default LOCAL_PATH)")
	cmd.Flags().BoolVar(&resign, "resign", false, "replace legacy hashes with this station's signature")
	cmd.Flags().BoolVar(&force, "force", false, "skip the running-server check")
	return cmd
}

// stationRunning reports whether a station server answers /health at server
func stationRunning(ctx context.Context, server string) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(server, "/")+"/health", nil)
	if err != nil {
		return false
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK
}

// ReadLegacyTickets reads a JSON array of legacy tickets. Comments and
// trailing commas are allowed.
func ReadLegacyTickets(path string) ([]model.LegacyTicket, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var tickets []model.LegacyTicket
	if err := json.Unmarshal(jsonc.ToJSON(data), &tickets); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return tickets, nil
}

// ImportLegacy converts and stores legacy tickets. Tickets that fail
// normalization, or whose hash is not this ledger's signature, are
// rejected unless resign is set.
func ImportLegacy(ctx context.Context, store *ledger.Store, codec *token.Codec, tickets []model.LegacyTicket, resign bool) (*ImportReport, error) {
	report := &ImportReport{}

	vouchers := make([]*model.Voucher, 0, len(tickets))
	for _, t := range tickets {
		v, err := model.FromLegacy(t)
		if err != nil {
			report.Rejected = append(report.Rejected, err.Error())
			continue
		}
		if resign {
			v.SecurityHash = codec.SignVoucher(v)
		} else if !codec.Verify(v) {
			report.Rejected = append(report.Rejected, fmt.Sprintf("ticket %q: signature mismatch", v.Code))
			continue
		}
		vouchers = append(vouchers, v)
	}

	result, err := store.Import(ctx, vouchers)
	report.ImportResult = result
	if err != nil {
		return report, err
	}
	return report, nil
}
