// Package metrics exposes Prometheus collectors for the prediction pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every collector used by the server and the trainer.
// A nil *Manager is valid and records nothing.
type Manager struct {
	namespace string
	subsystem string
	buckets   []float64
	registry  prometheus.Registerer

	predictions          *prometheus.CounterVec
	predictionLatency    prometheus.Histogram
	featureBuildErrors   prometheus.Counter
	batchItemErrors      prometheus.Counter
	cacheLookups         *prometheus.CounterVec
	trainingRuns         *prometheus.CounterVec
	trainingDuration     *prometheus.HistogramVec
	trainingValidationRM *prometheus.GaugeVec
	modelsLoaded         prometheus.Gauge
	httpRequests         *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
}

// Option configures a Manager.
type Option func(*Manager)

// WithNamespace sets the metric namespace.
func WithNamespace(namespace string) Option {
	return func(m *Manager) { m.namespace = namespace }
}

// WithSubsystem sets the metric subsystem.
func WithSubsystem(subsystem string) Option {
	return func(m *Manager) { m.subsystem = subsystem }
}

// WithHistogramBuckets overrides latency buckets.
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) { m.buckets = buckets }
}

// WithPrometheusRegistry registers collectors on a custom registry.
func WithPrometheusRegistry(registry prometheus.Registerer) Option {
	return func(m *Manager) { m.registry = registry }
}

// NewManager creates a metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "hoops",
		subsystem: "projections",
		buckets:   prometheus.DefBuckets,
		registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.predictions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "predictions_total",
		Help:      "Predictions served, by stat and source (model, fallback, cache)",
	}, []string{"stat_type", "source"})

	m.predictionLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "prediction_duration_seconds",
		Help:      "End-to-end latency of a single player prediction request",
		Buckets:   m.buckets,
	})

	m.featureBuildErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "feature_build_errors_total",
		Help:      "Feature sub-builder failures that were skipped",
	})

	m.batchItemErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "batch_item_errors_total",
		Help:      "Per-player failures inside batch feature building or prediction",
	})

	m.cacheLookups = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "prediction_cache_lookups_total",
		Help:      "Prediction cache lookups by result (hit, miss, error)",
	}, []string{"result"})

	m.trainingRuns = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "training_runs_total",
		Help:      "Training runs by stat and outcome",
	}, []string{"stat_type", "status"})

	m.trainingDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "training_duration_seconds",
		Help:      "Wall time of a full training run",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"stat_type"})

	m.trainingValidationRM = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "validation_rmse",
		Help:      "Validation RMSE of the most recently trained model per stat",
	}, []string{"stat_type"})

	m.modelsLoaded = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "models_loaded",
		Help:      "Models held in the serving process model cache",
	})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status",
	}, []string{"method", "route", "status"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   m.buckets,
	}, []string{"method", "route"})
}

// RecordPrediction counts a served prediction.
func (m *Manager) RecordPrediction(statType, source string) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(statType, source).Inc()
}

// ObservePredictionLatency records request latency.
func (m *Manager) ObservePredictionLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.predictionLatency.Observe(d.Seconds())
}

// RecordFeatureBuildError counts a skipped sub-builder failure.
func (m *Manager) RecordFeatureBuildError() {
	if m == nil {
		return
	}
	m.featureBuildErrors.Inc()
}

// RecordBatchErrors adds n per-item batch failures.
func (m *Manager) RecordBatchErrors(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.batchItemErrors.Add(float64(n))
}

// RecordCacheLookup counts a cache lookup outcome.
func (m *Manager) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordTrainingRun records the outcome and duration of a training run.
func (m *Manager) RecordTrainingRun(statType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.trainingRuns.WithLabelValues(statType, status).Inc()
	m.trainingDuration.WithLabelValues(statType).Observe(d.Seconds())
}

// SetValidationRMSE publishes the latest validation RMSE for a stat.
func (m *Manager) SetValidationRMSE(statType string, rmse float64) {
	if m == nil {
		return
	}
	m.trainingValidationRM.WithLabelValues(statType).Set(rmse)
}

// SetModelsLoaded publishes the size of the serving model cache.
func (m *Manager) SetModelsLoaded(n int) {
	if m == nil {
		return
	}
	m.modelsLoaded.Set(float64(n))
}

// RecordHTTPRequest records one HTTP request.
func (m *Manager) RecordHTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
