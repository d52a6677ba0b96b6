package models

import (
	"fmt"
	"math"
	"time"

	"github.com/stitts-dev/hoops-projections/internal/ml/dataset"
	"github.com/stitts-dev/hoops-projections/internal/ml/features"
)

const (
	FamilyEnsemble   = "ensemble"
	weightTolerance  = 0.01
	simplexLattice   = 10
	pairWeightMin    = 6  // 0.30 in 0.05 steps
	pairWeightMax    = 15 // 0.75 in 0.05 steps
	pairWeightStride = 0.05
)

// DefaultMembers are the families an ensemble uses when none are named.
var DefaultMembers = []string{FamilyGBDT, FamilyGBDTLeafwise}

// Ensemble is a weighted average of point-only StatModels for one stat.
type Ensemble struct {
	stat    string
	names   []string
	members map[string]*StatModel
	weights map[string]float64
	cfg     settings
	fnames  []string
	meta    Metadata
	fitted  bool
}

// NewEnsemble builds an unfitted ensemble with one member per family. Nil
// weights mean equal weights.
func NewEnsemble(stat string, families []string, weights map[string]float64, opts ...Option) (*Ensemble, error) {
	if len(families) < 2 {
		return nil, fmt.Errorf("ensemble needs at least 2 members, got %d", len(families))
	}
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Ensemble{stat: stat, members: map[string]*StatModel{}, cfg: cfg}
	for _, fam := range families {
		if _, dup := e.members[fam]; dup {
			return nil, fmt.Errorf("duplicate ensemble member %q", fam)
		}
		m, err := NewStatModel(fam, stat,
			WithParams(cfg.memberParams[fam]),
			WithoutQuantiles(),
			WithMinSamples(cfg.minSamples),
			WithValidationFraction(cfg.validationFraction),
			WithUncertainty(cfg.uncertainty))
		if err != nil {
			return nil, err
		}
		e.names = append(e.names, fam)
		e.members[fam] = m
	}

	if weights == nil {
		weights = make(map[string]float64, len(e.names))
		for _, n := range e.names {
			weights[n] = 1 / float64(len(e.names))
		}
	}
	if err := e.SetWeights(weights); err != nil {
		return nil, err
	}
	return e, nil
}

// SetWeights replaces the member weights after validating them.
func (e *Ensemble) SetWeights(weights map[string]float64) error {
	if err := validateWeights(e.names, weights); err != nil {
		return err
	}
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	e.weights = w
	return nil
}

func validateWeights(names []string, weights map[string]float64) error {
	if len(weights) != len(names) {
		return fmt.Errorf("%w: got %d weights for %d members", ErrInvalidWeights, len(weights), len(names))
	}
	var total float64
	for _, n := range names {
		w, ok := weights[n]
		if !ok {
			return fmt.Errorf("%w: missing weight for %q", ErrInvalidWeights, n)
		}
		if w < 0 {
			return fmt.Errorf("%w: negative weight for %q", ErrInvalidWeights, n)
		}
		total += w
	}
	if math.Abs(total-1) > weightTolerance {
		return fmt.Errorf("%w: sum is %.4f", ErrInvalidWeights, total)
	}
	return nil
}

func (e *Ensemble) Weights() map[string]float64 {
	out := make(map[string]float64, len(e.weights))
	for k, v := range e.weights {
		out[k] = v
	}
	return out
}

func (e *Ensemble) Members() []string { return append([]string(nil), e.names...) }

// Member returns a fitted or unfitted member by name.
func (e *Ensemble) Member(name string) (*StatModel, bool) {
	m, ok := e.members[name]
	return m, ok
}

func (e *Ensemble) Fit(ds *dataset.Dataset) error {
	names := ds.FeatureNames()
	return e.FitMatrix(names, Design(ds.Vectors(), names), ds.Targets())
}

// FitMatrix fits every member on the same index split, then optionally
// grid-searches weights on the held-out slice.
func (e *Ensemble) FitMatrix(names []string, x [][]float64, y []float64) error {
	if len(x) < e.cfg.minSamples {
		return fmt.Errorf("%w: %d samples, need %d", ErrInsufficientData, len(x), e.cfg.minSamples)
	}
	cut := splitIndex(len(x), e.cfg.validationFraction)
	trainX, trainY, valX, valY := x[:cut], y[:cut], x[cut:], y[cut:]

	for _, n := range e.names {
		if err := e.members[n].fitSplit(names, trainX, trainY, valX, valY); err != nil {
			return fmt.Errorf("ensemble member %s: %w", n, err)
		}
	}
	e.fnames = append([]string(nil), names...)
	e.fitted = true

	memberPreds := e.memberPredictions(valX)
	if e.cfg.optimizeWeights && len(valY) > 0 {
		if err := e.SetWeights(e.searchWeights(memberPreds, valY)); err != nil {
			return err
		}
	}

	params := Params{}
	for n, w := range e.weights {
		params["weight_"+n] = w
	}
	now := time.Now().UTC()
	e.meta = Metadata{
		Family:          FamilyEnsemble,
		Stat:            e.stat,
		Version:         now.Format(VersionLayout),
		TrainedAt:       now,
		TrainingSamples: len(trainX),
		FeatureCount:    len(names),
		SchemaVersion:   features.SchemaVersion,
		Metrics:         Evaluate(valY, e.combine(memberPreds, e.weights)),
		Params:          params,
	}
	return nil
}

// memberPredictions returns clipped point predictions indexed [member][row].
func (e *Ensemble) memberPredictions(rows [][]float64) [][]float64 {
	out := make([][]float64, len(e.names))
	for j, n := range e.names {
		m := e.members[n]
		out[j] = make([]float64, len(rows))
		for i, row := range rows {
			out[j][i] = clip(m.point.Predict(row))
		}
	}
	return out
}

func (e *Ensemble) combine(memberPreds [][]float64, weights map[string]float64) []float64 {
	if len(memberPreds) == 0 {
		return nil
	}
	out := make([]float64, len(memberPreds[0]))
	for j, n := range e.names {
		w := weights[n]
		for i, p := range memberPreds[j] {
			out[i] += w * p
		}
	}
	for i := range out {
		out[i] = clip(out[i])
	}
	return out
}

// searchWeights picks the RMSE-minimizing weights. Two members sweep the
// first weight over [0.30, 0.75]; more members walk a 0.1 simplex lattice.
func (e *Ensemble) searchWeights(memberPreds [][]float64, y []float64) map[string]float64 {
	var candidates []map[string]float64
	if len(e.names) == 2 {
		for i := pairWeightMin; i <= pairWeightMax; i++ {
			w := math.Round(float64(i)*pairWeightStride*100) / 100
			candidates = append(candidates, map[string]float64{
				e.names[0]: w,
				e.names[1]: math.Round((1-w)*100) / 100,
			})
		}
	} else {
		for _, parts := range compositions(simplexLattice, len(e.names)) {
			w := make(map[string]float64, len(parts))
			for j, p := range parts {
				w[e.names[j]] = float64(p) / simplexLattice
			}
			candidates = append(candidates, w)
		}
	}

	best := e.weights
	bestScore := rmse(y, e.combine(memberPreds, e.weights))
	for _, w := range candidates {
		if score := rmse(y, e.combine(memberPreds, w)); score < bestScore {
			best, bestScore = w, score
		}
	}
	return best
}

// compositions enumerates every way to write total as k ordered
// non-negative parts.
func compositions(total, k int) [][]int {
	if k == 1 {
		return [][]int{{total}}
	}
	var out [][]int
	for first := 0; first <= total; first++ {
		for _, rest := range compositions(total-first, k-1) {
			out = append(out, append([]int{first}, rest...))
		}
	}
	return out
}

func (e *Ensemble) Stat() string           { return e.stat }
func (e *Ensemble) Metadata() Metadata     { return e.meta }
func (e *Ensemble) FeatureNames() []string { return append([]string(nil), e.fnames...) }

func (e *Ensemble) Predict(v *features.Vector) (float64, error) {
	if !e.fitted {
		return 0, ErrNotFitted
	}
	return e.combine(e.memberPredictions([][]float64{v.Project(e.fnames)}), e.weights)[0], nil
}

// PredictWithUncertainty widens a relative base spread by member
// disagreement, combined in quadrature.
func (e *Ensemble) PredictWithUncertainty(v *features.Vector) (Interval, error) {
	if !e.fitted {
		return Interval{}, ErrNotFitted
	}
	preds := e.memberPredictions([][]float64{v.Project(e.fnames)})
	point := e.combine(preds, e.weights)[0]

	lo, hi := math.Inf(1), math.Inf(-1)
	for j := range preds {
		lo = math.Min(lo, preds[j][0])
		hi = math.Max(hi, preds[j][0])
	}
	disagreement := (hi - lo) / 2
	base := e.cfg.uncertainty.BaseFraction * point
	spread := e.cfg.uncertainty.Z * math.Hypot(disagreement, base)
	return bounded(point, point-spread, point+spread), nil
}

// FeatureImportance is the weight-averaged member importance.
func (e *Ensemble) FeatureImportance() map[string]float64 {
	out := map[string]float64{}
	if !e.fitted {
		return out
	}
	for _, n := range e.names {
		w := e.weights[n]
		for f, imp := range e.members[n].FeatureImportance() {
			out[f] += w * imp
		}
	}
	return out
}

func (e *Ensemble) PredictPlayer(v *features.Vector, playerID uint, asOf time.Time) (*PredictionResult, error) {
	return predictPlayer(e, v, playerID, asOf)
}

func (e *Ensemble) MarshalBinary() ([]byte, error) {
	if !e.fitted {
		return nil, ErrNotFitted
	}
	return encodeEnvelope(KindEnsemble, e.state)
}
