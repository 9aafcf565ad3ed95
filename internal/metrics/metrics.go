// Package metrics holds the prometheus collectors for ledger, pipeline and
// bootstrap activity. The tool runs as short-lived processes, so collectors
// are exported through the node-exporter textfile format instead of /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	LedgerAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelforge",
			Subsystem: "ledger",
			Name:      "appends_total",
			Help:      "Total number of records appended to artifact ledgers",
		},
		[]string{"operation", "result"},
	)

	LedgerLockWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "modelforge",
			Subsystem: "ledger",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for an artifact ledger lock",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
	)

	LedgerStaleLocksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "modelforge",
			Subsystem: "ledger",
			Name:      "stale_locks_reclaimed_total",
			Help:      "Ledger locks reclaimed after exceeding the staleness window",
		},
	)

	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelforge",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by pipeline and outcome",
		},
		[]string{"pipeline", "outcome"},
	)

	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelforge",
			Subsystem: "bootstrap",
			Name:      "registrations_total",
			Help:      "Bootstrap registration attempts by outcome (created, existing, failed, timeout)",
		},
		[]string{"outcome"},
	)

	RegistrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "modelforge",
			Subsystem: "bootstrap",
			Name:      "registration_duration_seconds",
			Help:      "Duration of a single bootstrap registration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerAppendsTotal,
		LedgerLockWaitSeconds,
		LedgerStaleLocksTotal,
		PipelineRunsTotal,
		RegistrationsTotal,
		RegistrationDuration,
	)
}

// WriteTextfile dumps the default registry to path for the node-exporter
// textfile collector. An empty path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
