package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestManagerRecordsPredictions(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewManager(WithPrometheusRegistry(registry), WithNamespace("test"))

	m.RecordPrediction("points", "model")
	m.RecordPrediction("points", "model")
	m.RecordPrediction("points", "fallback")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.predictions.WithLabelValues("points", "model")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.predictions.WithLabelValues("points", "fallback")))
}

func TestManagerTrainingMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewManager(WithPrometheusRegistry(registry))

	m.RecordTrainingRun("rebounds", "success", 3*time.Second)
	m.SetValidationRMSE("rebounds", 2.5)
	m.RecordBatchErrors(0)
	m.RecordBatchErrors(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.trainingRuns.WithLabelValues("rebounds", "success")))
	assert.Equal(t, 2.5, testutil.ToFloat64(m.trainingValidationRM.WithLabelValues("rebounds")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.batchItemErrors))
}

func TestNilManagerIsNoop(t *testing.T) {
	var m *Manager
	assert.NotPanics(t, func() {
		m.RecordPrediction("points", "model")
		m.RecordCacheLookup("hit")
		m.RecordTrainingRun("points", "failed", time.Second)
		m.SetModelsLoaded(2)
		m.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)
	})
}
