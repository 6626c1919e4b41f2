// Package metrics holds the prometheus collectors for the resource pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes.
const (
	OutcomeReal          = "real"
	OutcomeFake          = "fake"
	OutcomeIndeterminate = "indeterminate"
	OutcomeFailed        = "failed"
	OutcomeDropped       = "dropped"
)

type Metrics struct {
	recordsCreated      *prometheus.CounterVec
	dispatchOutcomes    *prometheus.CounterVec
	dispatchDuration    prometheus.Histogram
	dispatchInFlight    prometheus.Gauge
	blobCleanupFailures *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recordsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deepsentinel_records_created_total",
				Help: "Records created, by kind",
			},
			[]string{"kind"},
		),
		dispatchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deepsentinel_dispatch_outcomes_total",
				Help: "Finished analysis dispatches, by outcome",
			},
			[]string{"outcome"},
		),
		dispatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "deepsentinel_dispatch_duration_seconds",
				Help:    "Time from dispatch to reconciliation",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60, 90},
			},
		),
		dispatchInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "deepsentinel_dispatch_in_flight",
				Help: "Analysis dispatches currently running",
			},
		),
		blobCleanupFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deepsentinel_blob_cleanup_failures_total",
				Help: "Blob deletions that failed, by operation",
			},
			[]string{"op"},
		),
	}
	reg.MustRegister(
		m.recordsCreated,
		m.dispatchOutcomes,
		m.dispatchDuration,
		m.dispatchInFlight,
		m.blobCleanupFailures,
	)
	return m
}

func (m *Metrics) RecordCreated(kind string) {
	if m == nil {
		return
	}
	m.recordsCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) DispatchStarted() {
	if m == nil {
		return
	}
	m.dispatchInFlight.Inc()
}

func (m *Metrics) DispatchFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchInFlight.Dec()
	m.dispatchOutcomes.WithLabelValues(outcome).Inc()
	m.dispatchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) BlobCleanupFailed(op string) {
	if m == nil {
		return
	}
	m.blobCleanupFailures.WithLabelValues(op).Inc()
}
