package models

import (
	"fmt"
	"sort"
	"sync"
)

// Objective selects the loss a learner minimizes.
type Objective struct {
	Kind  string  `msgpack:"kind" json:"kind"` // "squared" or "quantile"
	Alpha float64 `msgpack:"alpha,omitempty" json:"alpha,omitempty"`
}

var (
	SquaredLoss = Objective{Kind: "squared"}
)

func QuantileLoss(alpha float64) Objective {
	return Objective{Kind: "quantile", Alpha: alpha}
}

// Params are numeric hyperparameters keyed by name.
type Params map[string]float64

func (p Params) get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func (p Params) merge(overrides Params) Params {
	out := Params{}
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Regressor is a single-output learner over dense, already reindexed rows.
type Regressor interface {
	Fit(x [][]float64, y []float64, valX [][]float64, valY []float64) error
	Predict(row []float64) float64
	// Importance is an unnormalized per-column score.
	Importance() []float64
	MarshalState() ([]byte, error)
}

// Family describes a learner backend. Families are looked up by name for
// both construction and deserialization.
type Family struct {
	Name             string
	SupportsQuantile bool
	Defaults         Params
	New              func(params Params, objective Objective) Regressor
	Decode           func(state []byte) (Regressor, error)
}

var (
	familiesMu sync.RWMutex
	families   = map[string]Family{}
)

// RegisterFamily makes a learner backend available by name.
func RegisterFamily(f Family) {
	familiesMu.Lock()
	defer familiesMu.Unlock()
	families[f.Name] = f
}

func LookupFamily(name string) (Family, error) {
	familiesMu.RLock()
	defer familiesMu.RUnlock()
	f, ok := families[name]
	if !ok {
		return Family{}, fmt.Errorf("unknown model family %q", name)
	}
	return f, nil
}

// FamilyNames lists registered families in sorted order.
func FamilyNames() []string {
	familiesMu.RLock()
	defer familiesMu.RUnlock()
	names := make([]string, 0, len(families))
	for n := range families {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
