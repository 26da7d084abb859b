package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/kkkkikiki/voucher/internal/api"
)

// LoadOptions configures a load run
type LoadOptions struct {
	RPS      int
	Workers  int
	Duration time.Duration
	Amount   string
	Currency string
	Redeem   bool
}

// LoadResult gathers aggregated metrics for the run. Counters are atomic;
// latencies are in nanoseconds.
type LoadResult struct {
	TotalRequests int64
	Issued        int64
	Redeemed      int64
	ErrorCount    int64
	LatencySum    int64

	mu      sync.Mutex
	samples []time.Duration
}

const maxSamples = 10000

func (r *LoadResult) observe(latency time.Duration) {
	atomic.AddInt64(&r.LatencySum, latency.Nanoseconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) < maxSamples {
		r.samples = append(r.samples, latency)
	}
}

// Percentile returns the p-th percentile (0..1) of the sampled latencies
func (r *LoadResult) Percentile(p float64) time.Duration {
	r.mu.Lock()
	sorted := append([]time.Duration(nil), r.samples...)
	r.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// NewLoadCommand creates the load command.
func NewLoadCommand(opts *RootOptions) *cobra.Command {
	load := LoadOptions{}

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Issue vouchers at a fixed rate and check the ledger afterwards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if load.RPS < 1 || load.Workers < 1 {
				return NewExitError(ExitCommandError, "--rps and --workers must be positive")
			}
			return RunLoad(cmd.Context(), &opts.Conn, load, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&load.RPS, "rps", 50, "target requests per second")
	cmd.Flags().IntVar(&load.Workers, "workers", 10, "concurrent workers")
	cmd.Flags().DurationVar(&load.Duration, "duration", 10*time.Second, "test duration")
	cmd.Flags().StringVar(&load.Amount, "amount", "1.00", "amount of each voucher")
	cmd.Flags().StringVarP(&load.Currency, "currency", "c", "USD", "currency of each voucher")
	cmd.Flags().BoolVar(&load.Redeem, "redeem", false, "redeem each voucher right after issuing it")
	return cmd
}

// RunLoad drives the station and reports throughput, latency and whether
// the station's summary grew by exactly the number of issued vouchers.
func RunLoad(ctx context.Context, conn *Connection, load LoadOptions, w io.Writer) error {
	transport := &http.Transport{
		MaxIdleConns:        load.Workers * 4,
		MaxIdleConnsPerHost: load.Workers * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	client := api.NewStationServiceClient(&http.Client{Transport: transport, Timeout: conn.Timeout}, conn.Server)

	before, err := countVouchers(ctx, conn, client)
	if err != nil {
		return fmt.Errorf("reading summary before load: %w", err)
	}

	fmt.Fprintf(w, "target %d rps with %d workers for %v\n", load.RPS, load.Workers, load.Duration)

	burst := load.RPS / load.Workers
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(load.RPS), burst)

	runCtx, cancel := context.WithTimeout(ctx, load.Duration)
	defer cancel()

	result := &LoadResult{}
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < load.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(runCtx); err != nil {
					return
				}
				doIssue(ctx, conn, client, load, result)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	var avg time.Duration
	if result.Issued > 0 {
		avg = time.Duration(result.LatencySum / result.Issued)
	}
	fmt.Fprintf(w, "duration   %.2fs\n", elapsed.Seconds())
	fmt.Fprintf(w, "requests   %d\n", result.TotalRequests)
	fmt.Fprintf(w, "issued     %d\n", result.Issued)
	if load.Redeem {
		fmt.Fprintf(w, "redeemed   %d\n", result.Redeemed)
	}
	fmt.Fprintf(w, "errors     %d\n", result.ErrorCount)
	fmt.Fprintf(w, "rps        %.2f\n", float64(result.Issued)/elapsed.Seconds())
	fmt.Fprintf(w, "avg        %v\n", avg)
	fmt.Fprintf(w, "p95        %v\n", result.Percentile(0.95))

	after, err := countVouchers(ctx, conn, client)
	if err != nil {
		return fmt.Errorf("reading summary after load: %w", err)
	}
	if grew := after - before; grew != result.Issued {
		return NewExitError(ExitFailure, fmt.Sprintf("ledger mismatch: summary grew by %d, issued %d", grew, result.Issued))
	}
	fmt.Fprintln(w, "ledger consistent")
	return nil
}

// doIssue performs one Issue (and optionally Redeem) on an independent
// context so the end of the run does not cancel requests in flight.
func doIssue(parent context.Context, conn *Connection, client *api.StationServiceClient, load LoadOptions, result *LoadResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), conn.Timeout)
	defer cancel()

	atomic.AddInt64(&result.TotalRequests, 1)
	start := time.Now()
	res, err := client.Issue(ctx, newRequest(conn, &api.IssueRequest{Amount: load.Amount, Currency: load.Currency, Station: conn.Station}))
	latency := time.Since(start)
	if err != nil || res.Msg.Voucher == nil {
		atomic.AddInt64(&result.ErrorCount, 1)
		return
	}
	atomic.AddInt64(&result.Issued, 1)
	result.observe(latency)

	if !load.Redeem {
		return
	}
	redeemed, err := client.Redeem(ctx, newRequest(conn, &api.RedeemRequest{Payload: res.Msg.Payload}))
	if err != nil || redeemed.Msg.Outcome != "success" {
		atomic.AddInt64(&result.ErrorCount, 1)
		return
	}
	atomic.AddInt64(&result.Redeemed, 1)
}

func countVouchers(ctx context.Context, conn *Connection, client *api.StationServiceClient) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, conn.Timeout)
	defer cancel()

	res, err := client.Summary(ctx, newRequest(conn, &api.SummaryRequest{}))
	if err != nil {
		return 0, err
	}
	return int64(res.Msg.Total), nil
}
