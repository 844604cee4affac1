// Package metrics defines the Prometheus collectors exported by the alerter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evaluation metrics
	PassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockalert_evaluation_passes_total",
			Help: "Total number of evaluation passes",
		},
		[]string{"status"}, // status: ok, no_observation, error, cancelled
	)

	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stockalert_evaluation_pass_duration_seconds",
			Help:    "Evaluation pass latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	TriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockalert_triggers_total",
			Help: "Total number of alert triggers recorded",
		},
		[]string{"kind"},
	)

	AlertsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockalert_alerts_skipped_total",
			Help: "Alerts skipped during evaluation",
		},
		[]string{"reason"},
	)

	// Dispatch metrics
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockalert_dispatch_total",
			Help: "Notification dispatch attempts",
		},
		[]string{"status"}, // status: delivered, failed, panic
	)

	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockalert_panics_recovered_total",
			Help: "Panics recovered in isolated components",
		},
		[]string{"component"},
	)

	// Feed metrics
	ObservationsRecordedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stockalert_observations_recorded_total",
			Help: "Total number of price observations recorded",
		},
	)

	FeedFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockalert_feed_fetch_errors_total",
			Help: "Price fetch failures by source",
		},
		[]string{"source"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stockalert_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// Digest metrics
	DigestsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockalert_digests_sent_total",
			Help: "Price digests sent to users",
		},
		[]string{"status"},
	)
)
