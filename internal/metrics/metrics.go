package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{
	0.001, // 1ms
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
}

var (
	// IssueDuration tracks the latency of voucher issuance
	IssueDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voucher_issue_duration_seconds",
			Help:    "Duration of voucher issuance requests in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"status"}, // success or failure
	)

	// RedeemDuration tracks redemption latency per user-visible outcome
	RedeemDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voucher_redeem_duration_seconds",
			Help:    "Duration of voucher redemption requests in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"outcome"},
	)

	// SyncPushTotal counts push attempts per result
	SyncPushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voucher_sync_push_total",
			Help: "Number of voucher push attempts to the remote ledger",
		},
		[]string{"result"}, // synced, adopted, conflict, failed, stale
	)

	// SyncPullRecordsTotal counts pulled records per local action
	SyncPullRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voucher_sync_pull_records_total",
			Help: "Number of remote records applied by the pull pass",
		},
		[]string{"action"}, // inserted, adopted, pushed, noop, conflict, rejected
	)

	// SyncPending is the number of vouchers awaiting remote acknowledgement
	SyncPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voucher_sync_pending",
			Help: "Number of local mutations not yet acknowledged by the remote ledger",
		},
	)

	// SyncConflicts counts divergent terminal observations
	SyncConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voucher_sync_conflicts_total",
			Help: "Number of terminal-vs-terminal sync conflicts",
		},
	)
)

// RecordIssueDuration records the duration of a voucher issuance request
func RecordIssueDuration(status string, duration float64) {
	IssueDuration.WithLabelValues(status).Observe(duration)
}

// RecordRedeemDuration records the duration of a redemption by outcome
func RecordRedeemDuration(outcome string, duration float64) {
	RedeemDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordPush counts one push result
func RecordPush(result string) {
	SyncPushTotal.WithLabelValues(result).Inc()
}

// RecordPulled counts one applied remote record
func RecordPulled(action string) {
	SyncPullRecordsTotal.WithLabelValues(action).Inc()
}

// SetPending updates the pending gauge
func SetPending(n int) {
	SyncPending.Set(float64(n))
}

// RecordConflict counts a sync conflict
func RecordConflict() {
	SyncConflicts.Inc()
}
