package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsRecordsNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCreated("analysis")
		m.DispatchStarted()
		m.DispatchFinished(OutcomeFake, time.Second)
		m.BlobCleanupFailed("delete")
	})
}

func TestDispatchAccounting(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordCreated("analysis")
	m.RecordCreated("analysis")
	m.RecordCreated("report")
	m.DispatchStarted()
	m.DispatchStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatchInFlight))

	m.DispatchFinished(OutcomeReal, 3*time.Second)
	m.DispatchFinished(OutcomeFailed, 60*time.Second)
	m.BlobCleanupFailed("create")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.dispatchInFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.recordsCreated.WithLabelValues("analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recordsCreated.WithLabelValues("report")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchOutcomes.WithLabelValues(OutcomeReal)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchOutcomes.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blobCleanupFailures.WithLabelValues("create")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.dispatchDuration))
}
