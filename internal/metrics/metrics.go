package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_job_transitions_total",
			Help: "Total number of job status transitions",
		},
		[]string{"from", "to"},
	)

	JobRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_job_rejections_total",
			Help: "Total number of job operations rejected by kind",
		},
		[]string{"operation", "kind"},
	)

	SettlementCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_settlement_calls_total",
			Help: "Total number of settlement layer calls",
		},
		[]string{"op", "result"}, // result: ok, unavailable, unknown, error
	)

	// Buckets: 5ms to ~80s
	SettlementCallSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_settlement_call_seconds",
			Help:    "Settlement layer call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
		},
		[]string{"op"},
	)

	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_transactions_total",
			Help: "Total number of ledger transactions written by type and status",
		},
		[]string{"type", "status"},
	)

	FlaggedTransactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_flagged_transactions_total",
			Help: "Total number of transactions flagged for manual review",
		},
	)

	ReputationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_reputation_events_total",
			Help: "Total number of reputation events by type and final status",
		},
		[]string{"type", "status"},
	)

	SettlementFailedJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_settlement_failed_jobs",
			Help: "Jobs currently parked in settlement_failed",
		},
	)
)

// ObserveSettlementCall records one settlement call outcome.
func ObserveSettlementCall(op, result string, started time.Time) {
	SettlementCallsTotal.WithLabelValues(op, result).Inc()
	SettlementCallSeconds.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
