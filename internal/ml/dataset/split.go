package dataset

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var ErrTooFewSamples = errors.New("too few samples for requested splits")

// Fold is one time-series cross-validation split as example indices.
type Fold struct {
	Train []int
	Test  []int
}

// TimeSeriesSplits produces expanding-window folds over a date-ordered
// dataset. Fold boundaries are moved forward to the next date change, so
// every training date is strictly earlier than every test date. Folds that
// collapse to an empty test set are dropped.
func TimeSeriesSplits(ds *Dataset, nSplits int) ([]Fold, error) {
	n := ds.Len()
	if nSplits < 2 {
		return nil, fmt.Errorf("need at least 2 splits, got %d", nSplits)
	}
	testSize := n / (nSplits + 1)
	if testSize == 0 {
		return nil, fmt.Errorf("%w: %d samples, %d splits", ErrTooFewSamples, n, nSplits)
	}

	dates := ds.Dates()
	for i := 1; i < n; i++ {
		if dates[i].Before(dates[i-1]) {
			return nil, fmt.Errorf("dataset is not ordered by date at index %d", i)
		}
	}

	snap := func(b int) int {
		for b > 0 && b < n && dates[b].Equal(dates[b-1]) {
			b++
		}
		return b
	}

	var folds []Fold
	for i := 0; i < nSplits; i++ {
		trainEnd := snap(n - (nSplits-i)*testSize)
		testEnd := n
		if i < nSplits-1 {
			testEnd = snap(trainEnd + testSize)
		}
		if trainEnd == 0 || trainEnd >= testEnd {
			continue
		}
		folds = append(folds, Fold{Train: indexRange(0, trainEnd), Test: indexRange(trainEnd, testEnd)})
	}
	if len(folds) == 0 {
		return nil, fmt.Errorf("%w: all folds collapsed onto shared dates", ErrTooFewSamples)
	}
	return folds, nil
}

func indexRange(lo, hi int) []int {
	out := make([]int, hi-lo)
	for i := range out {
		out[i] = lo + i
	}
	return out
}

// FeatureStat summarizes one feature column.
type FeatureStat struct {
	Mean        float64 `json:"mean"`
	Std         float64 `json:"std"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	ZeroPercent float64 `json:"zero_pct"`
}

// FeatureStatistics describes every feature column, zero-filling examples
// that lack a feature.
func FeatureStatistics(ds *Dataset) map[string]FeatureStat {
	names := ds.FeatureNames()
	out := make(map[string]FeatureStat, len(names))
	if ds.Len() == 0 {
		return out
	}

	cols := make([][]float64, len(names))
	for i := range cols {
		cols[i] = make([]float64, ds.Len())
	}
	for r := range ds.Examples {
		row := ds.Examples[r].Features.Project(names)
		for c := range names {
			cols[c][r] = row[c]
		}
	}

	for c, name := range names {
		col := cols[c]
		zeros := 0
		for _, x := range col {
			if x == 0 {
				zeros++
			}
		}
		fs := FeatureStat{
			Mean:        stat.Mean(col, nil),
			Min:         floats.Min(col),
			Max:         floats.Max(col),
			ZeroPercent: 100 * float64(zeros) / float64(len(col)),
		}
		if len(col) > 1 {
			fs.Std = math.Sqrt(stat.Variance(col, nil))
		}
		out[name] = fs
	}
	return out
}
