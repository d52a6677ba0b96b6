// Package dataset assembles labeled, time-ordered training data from
// historical box scores.
package dataset

import (
	"time"

	"github.com/stitts-dev/hoops-projections/internal/ml/features"
)

// Example is one labeled feature vector.
type Example struct {
	Features *features.Vector
	Target   float64
	PlayerID uint
	AsOf     time.Time
}

// Dataset is ordered by AsOf ascending, then PlayerID.
type Dataset struct {
	Stat     string
	Examples []Example
}

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Examples)
}

func (d *Dataset) Vectors() []*features.Vector {
	out := make([]*features.Vector, len(d.Examples))
	for i := range d.Examples {
		out[i] = d.Examples[i].Features
	}
	return out
}

func (d *Dataset) Targets() []float64 {
	out := make([]float64, len(d.Examples))
	for i := range d.Examples {
		out[i] = d.Examples[i].Target
	}
	return out
}

func (d *Dataset) Dates() []time.Time {
	out := make([]time.Time, len(d.Examples))
	for i := range d.Examples {
		out[i] = d.Examples[i].AsOf
	}
	return out
}

// FeatureNames is the union of feature names in first-seen order.
func (d *Dataset) FeatureNames() []string {
	seen := map[string]bool{}
	var names []string
	for i := range d.Examples {
		for _, n := range d.Examples[i].Features.Names() {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	return names
}

// Subset returns the examples at idx, in idx order.
func (d *Dataset) Subset(idx []int) *Dataset {
	out := &Dataset{Stat: d.Stat, Examples: make([]Example, len(idx))}
	for i, j := range idx {
		out.Examples[i] = d.Examples[j]
	}
	return out
}

// DateRange returns the first and last example dates.
func (d *Dataset) DateRange() (time.Time, time.Time) {
	if d.Len() == 0 {
		return time.Time{}, time.Time{}
	}
	return d.Examples[0].AsOf, d.Examples[len(d.Examples)-1].AsOf
}
