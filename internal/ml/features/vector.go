// Package features turns box-score history into fixed-shape feature vectors.
package features

import (
	"encoding/json"
	"math"
)

// SchemaVersion identifies the feature naming scheme. Bump it when a feature
// changes meaning so models trained on the old scheme can be detected.
const SchemaVersion = 1

// Vector is an ordered feature record. Names keep insertion order, which is
// the authoritative column order for anything trained from it.
type Vector struct {
	names  []string
	values []float64
	index  map[string]int
}

func NewVector(capacity int) *Vector {
	return &Vector{
		names:  make([]string, 0, capacity),
		values: make([]float64, 0, capacity),
		index:  make(map[string]int, capacity),
	}
}

// Set stores a numeric feature. Non-finite values are stored as 0.
func (v *Vector) Set(name string, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		value = 0
	}
	if i, ok := v.index[name]; ok {
		v.values[i] = value
		return
	}
	v.index[name] = len(v.names)
	v.names = append(v.names, name)
	v.values = append(v.values, value)
}

// SetBool stores a boolean feature as 0 or 1.
func (v *Vector) SetBool(name string, b bool) {
	if b {
		v.Set(name, 1)
		return
	}
	v.Set(name, 0)
}

func (v *Vector) Get(name string) (float64, bool) {
	i, ok := v.index[name]
	if !ok {
		return 0, false
	}
	return v.values[i], true
}

// Value returns the feature or 0 when absent.
func (v *Vector) Value(name string) float64 {
	val, _ := v.Get(name)
	return val
}

func (v *Vector) Has(name string) bool {
	_, ok := v.index[name]
	return ok
}

func (v *Vector) Len() int {
	return len(v.names)
}

// Names returns a copy of the feature names in column order.
func (v *Vector) Names() []string {
	out := make([]string, len(v.names))
	copy(out, v.names)
	return out
}

// Merge appends other's features, overwriting any name already present.
func (v *Vector) Merge(other *Vector) {
	if other == nil {
		return
	}
	for i, name := range other.names {
		v.Set(name, other.values[i])
	}
}

// Project reindexes the vector to names, zero-filling absent features.
func (v *Vector) Project(names []string) []float64 {
	out := make([]float64, len(names))
	for i, name := range names {
		if j, ok := v.index[name]; ok {
			out[i] = v.values[j]
		}
	}
	return out
}

// Equal reports bit-identical names, order and values.
func (v *Vector) Equal(other *Vector) bool {
	if other == nil || len(v.names) != len(other.names) {
		return false
	}
	for i := range v.names {
		if v.names[i] != other.names[i] || math.Float64bits(v.values[i]) != math.Float64bits(other.values[i]) {
			return false
		}
	}
	return true
}

func (v *Vector) Map() map[string]float64 {
	out := make(map[string]float64, len(v.names))
	for i, name := range v.names {
		out[name] = v.values[i]
	}
	return out
}

func (v *Vector) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Map())
}
