package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

func sum(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return floats.Sum(data)
}

// popStdDev is the population (divide by n) standard deviation.
func popStdDev(data []float64) float64 {
	n := len(data)
	if n < 2 {
		return 0
	}
	variance := stat.Variance(data, nil) * float64(n-1) / float64(n)
	return math.Sqrt(variance)
}

// percentile takes p in [0,1] over an unsorted sample.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// relativeChange is (recent-base)/base, 0 when base is not positive.
func relativeChange(recent, base float64) float64 {
	if base <= 0 {
		return 0
	}
	return (recent - base) / base
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
