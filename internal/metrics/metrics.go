package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scan progress metrics
	IndicatorsScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatscan_indicators_scanned_total",
			Help: "Total number of indicators examined",
		},
	)

	EventMatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatscan_event_matches_total",
			Help: "Total number of new event matches observed",
		},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatscan_runs_total",
			Help: "Total number of scan runs by result",
		},
		[]string{"result"},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threatscan_scan_duration_seconds",
			Help:    "Duration of scan runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// Backend interaction metrics
	InflightCounts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threatscan_inflight_counts",
			Help: "Event count requests currently in flight",
		},
	)

	BulkFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatscan_bulk_failures_total",
			Help: "Total number of failed bulk detection updates",
		},
	)

	IndicatorErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threatscan_indicator_errors_total",
			Help: "Total number of per-indicator match failures",
		},
	)
)

// Run result label values.
const (
	ResultCompleted = "completed"
	ResultPaused    = "paused"
	ResultFailed    = "failed"
)
