// Package models holds the per-stat regressors, the weighted ensemble built
// from them, and their serialized form.
package models

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/stitts-dev/hoops-projections/internal/ml/dataset"
	"github.com/stitts-dev/hoops-projections/internal/ml/features"
)

var (
	ErrNotFitted        = errors.New("model has not been fitted")
	ErrInsufficientData = errors.New("insufficient training data")
	ErrInvalidWeights   = errors.New("ensemble weights must sum to 1")
	ErrSchemaMismatch   = errors.New("model was trained on a different feature schema")
)

const (
	DefaultMinSamples         = 100
	DefaultValidationFraction = 0.2
	LowerQuantile             = 0.1
	UpperQuantile             = 0.9
)

// UncertaintyConfig holds the interval heuristics. Z scales a spread into a
// two-sided interval; the fractions are relative spreads used when no
// quantile learners exist.
type UncertaintyConfig struct {
	Z                float64 `msgpack:"z" json:"z"`
	FallbackFraction float64 `msgpack:"fallback_fraction" json:"fallback_fraction"`
	BaseFraction     float64 `msgpack:"base_fraction" json:"base_fraction"`
}

func DefaultUncertainty() UncertaintyConfig {
	return UncertaintyConfig{Z: 1.645, FallbackFraction: 0.2, BaseFraction: 0.15}
}

// Interval is a point estimate with bounds, 0 <= Lower <= Point <= Upper.
type Interval struct {
	Point float64
	Lower float64
	Upper float64
}

// Metadata is fixed when a model is fitted.
type Metadata struct {
	Family          string    `msgpack:"family" json:"family"`
	Stat            string    `msgpack:"stat" json:"stat"`
	Version         string    `msgpack:"version" json:"version"`
	TrainedAt       time.Time `msgpack:"trained_at" json:"trained_at"`
	TrainingSamples int       `msgpack:"training_samples" json:"training_samples"`
	FeatureCount    int       `msgpack:"feature_count" json:"feature_count"`
	SchemaVersion   int       `msgpack:"schema_version" json:"schema_version"`
	Metrics         Metrics   `msgpack:"metrics" json:"metrics"`
	Params          Params    `msgpack:"params" json:"params"`
}

// Predictor is what the registry stores and the prediction service serves.
type Predictor interface {
	Stat() string
	Metadata() Metadata
	FeatureNames() []string
	Predict(v *features.Vector) (float64, error)
	PredictWithUncertainty(v *features.Vector) (Interval, error)
	FeatureImportance() map[string]float64
	PredictPlayer(v *features.Vector, playerID uint, asOf time.Time) (*PredictionResult, error)
	MarshalBinary() ([]byte, error)
}

type settings struct {
	params             Params
	memberParams       map[string]Params
	quantiles          bool
	optimizeWeights    bool
	minSamples         int
	validationFraction float64
	uncertainty        UncertaintyConfig
}

type Option func(*settings)

func defaultSettings() settings {
	return settings{
		quantiles:          true,
		optimizeWeights:    true,
		minSamples:         DefaultMinSamples,
		validationFraction: DefaultValidationFraction,
		uncertainty:        DefaultUncertainty(),
		memberParams:       map[string]Params{},
	}
}

// WithParams overrides family hyperparameters of a single model.
func WithParams(p Params) Option {
	return func(s *settings) { s.params = p }
}

// WithMemberParams overrides hyperparameters of one ensemble member.
func WithMemberParams(member string, p Params) Option {
	return func(s *settings) { s.memberParams[member] = p }
}

func WithoutQuantiles() Option {
	return func(s *settings) { s.quantiles = false }
}

func WithOptimizeWeights(enabled bool) Option {
	return func(s *settings) { s.optimizeWeights = enabled }
}

func WithMinSamples(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.minSamples = n
		}
	}
}

func WithValidationFraction(f float64) Option {
	return func(s *settings) {
		if f > 0 && f < 1 {
			s.validationFraction = f
		}
	}
}

func WithUncertainty(u UncertaintyConfig) Option {
	return func(s *settings) { s.uncertainty = u }
}

// StatModel predicts one target stat with a point learner and, when the
// family supports pinball loss, 10th and 90th percentile learners.
type StatModel struct {
	family      Family
	stat        string
	params      Params
	cfg         settings
	point       Regressor
	lower       Regressor
	upper       Regressor
	names       []string
	meta        Metadata
	fitted      bool
	uncertainty UncertaintyConfig
}

func NewStatModel(family, stat string, opts ...Option) (*StatModel, error) {
	fam, err := LookupFamily(family)
	if err != nil {
		return nil, err
	}
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &StatModel{
		family:      fam,
		stat:        stat,
		params:      fam.Defaults.merge(cfg.params),
		cfg:         cfg,
		uncertainty: cfg.uncertainty,
	}, nil
}

// Fit trains on ds, holding out the last validation fraction by index.
func (m *StatModel) Fit(ds *dataset.Dataset) error {
	names := ds.FeatureNames()
	return m.FitMatrix(names, Design(ds.Vectors(), names), ds.Targets())
}

func (m *StatModel) FitMatrix(names []string, x [][]float64, y []float64) error {
	if len(x) < m.cfg.minSamples {
		return fmt.Errorf("%w: %d samples, need %d", ErrInsufficientData, len(x), m.cfg.minSamples)
	}
	cut := splitIndex(len(x), m.cfg.validationFraction)
	return m.fitSplit(names, x[:cut], y[:cut], x[cut:], y[cut:])
}

func (m *StatModel) fitSplit(names []string, trainX [][]float64, trainY []float64, valX [][]float64, valY []float64) error {
	point := m.family.New(m.params, SquaredLoss)
	if err := point.Fit(trainX, trainY, valX, valY); err != nil {
		return fmt.Errorf("failed to fit %s point model: %w", m.family.Name, err)
	}
	m.point = point

	if m.cfg.quantiles && m.family.SupportsQuantile {
		lower := m.family.New(m.params, QuantileLoss(LowerQuantile))
		if err := lower.Fit(trainX, trainY, valX, valY); err != nil {
			return fmt.Errorf("failed to fit %s lower quantile model: %w", m.family.Name, err)
		}
		upper := m.family.New(m.params, QuantileLoss(UpperQuantile))
		if err := upper.Fit(trainX, trainY, valX, valY); err != nil {
			return fmt.Errorf("failed to fit %s upper quantile model: %w", m.family.Name, err)
		}
		m.lower, m.upper = lower, upper
	}

	m.names = append([]string(nil), names...)
	m.fitted = true

	pred := make([]float64, len(valX))
	for i, row := range valX {
		pred[i] = clip(m.point.Predict(row))
	}
	now := time.Now().UTC()
	m.meta = Metadata{
		Family:          m.family.Name,
		Stat:            m.stat,
		Version:         now.Format(VersionLayout),
		TrainedAt:       now,
		TrainingSamples: len(trainX),
		FeatureCount:    len(names),
		SchemaVersion:   features.SchemaVersion,
		Metrics:         Evaluate(valY, pred),
		Params:          m.params,
	}
	return nil
}

func (m *StatModel) Stat() string           { return m.stat }
func (m *StatModel) Metadata() Metadata     { return m.meta }
func (m *StatModel) FeatureNames() []string { return append([]string(nil), m.names...) }
func (m *StatModel) HasQuantiles() bool     { return m.lower != nil && m.upper != nil }

func (m *StatModel) Predict(v *features.Vector) (float64, error) {
	if !m.fitted {
		return 0, ErrNotFitted
	}
	return clip(m.point.Predict(v.Project(m.names))), nil
}

func (m *StatModel) PredictWithUncertainty(v *features.Vector) (Interval, error) {
	if !m.fitted {
		return Interval{}, ErrNotFitted
	}
	row := v.Project(m.names)
	point := clip(m.point.Predict(row))
	if m.HasQuantiles() {
		return bounded(point, m.lower.Predict(row), m.upper.Predict(row)), nil
	}
	spread := m.uncertainty.Z * m.uncertainty.FallbackFraction * point
	return bounded(point, point-spread, point+spread), nil
}

// FeatureImportance is the point learner's importance normalized to sum 1.
func (m *StatModel) FeatureImportance() map[string]float64 {
	if !m.fitted {
		return map[string]float64{}
	}
	return normalizeImportance(m.names, m.point.Importance())
}

func (m *StatModel) PredictPlayer(v *features.Vector, playerID uint, asOf time.Time) (*PredictionResult, error) {
	return predictPlayer(m, v, playerID, asOf)
}

func (m *StatModel) MarshalBinary() ([]byte, error) {
	if !m.fitted {
		return nil, ErrNotFitted
	}
	return encodeEnvelope(KindModel, m.state)
}

// Design projects every vector onto names, zero-filling absent features.
func Design(vectors []*features.Vector, names []string) [][]float64 {
	out := make([][]float64, len(vectors))
	for i, v := range vectors {
		out[i] = v.Project(names)
	}
	return out
}

func splitIndex(n int, validationFraction float64) int {
	cut := int(math.Round(float64(n) * (1 - validationFraction)))
	if cut < 1 {
		cut = 1
	}
	if cut > n {
		cut = n
	}
	return cut
}

func clip(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

// bounded orders an interval around point and clips it at 0.
func bounded(point, lower, upper float64) Interval {
	point = clip(point)
	lower = math.Min(clip(lower), point)
	upper = math.Max(upper, point)
	return Interval{Point: point, Lower: lower, Upper: upper}
}

func normalizeImportance(names []string, raw []float64) map[string]float64 {
	out := make(map[string]float64, len(names))
	var total float64
	for i := range names {
		if i < len(raw) {
			total += raw[i]
		}
	}
	for i, name := range names {
		if i >= len(raw) || total <= 0 {
			out[name] = 0
			continue
		}
		out[name] = raw[i] / total
	}
	return out
}
