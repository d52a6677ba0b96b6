package models

import (
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const FamilyRidge = "ridge"

var ridgeDefaults = Params{"alpha": 1}

func init() {
	RegisterFamily(Family{
		Name:     FamilyRidge,
		Defaults: ridgeDefaults,
		New: func(p Params, _ Objective) Regressor {
			return &Ridge{Alpha: ridgeDefaults.merge(p).get("alpha", 1)}
		},
		Decode: func(state []byte) (Regressor, error) {
			var r Ridge
			if err := msgpack.Unmarshal(state, &r); err != nil {
				return nil, fmt.Errorf("failed to decode ridge state: %w", err)
			}
			return &r, nil
		},
	})
}

// Ridge is L2-regularized least squares on standardized features.
type Ridge struct {
	Alpha     float64   `msgpack:"alpha"`
	Means     []float64 `msgpack:"means"`
	Scales    []float64 `msgpack:"scales"`
	Coef      []float64 `msgpack:"coef"`
	Intercept float64   `msgpack:"intercept"`
}

func (r *Ridge) Fit(x [][]float64, y []float64, _ [][]float64, _ []float64) error {
	if len(x) == 0 || len(x) != len(y) {
		return fmt.Errorf("ridge: %d rows for %d targets", len(x), len(y))
	}
	n, nf := len(x), len(x[0])
	r.Means, r.Scales = columnScaling(x)

	design := mat.NewDense(n, nf, nil)
	for i, row := range x {
		design.SetRow(i, standardizeRow(row, r.Means, r.Scales))
	}
	r.Intercept = stat.Mean(y, nil)
	centered := make([]float64, n)
	for i, v := range y {
		centered[i] = v - r.Intercept
	}

	var gram mat.SymDense
	gram.SymOuterK(1, design.T())
	for i := 0; i < nf; i++ {
		gram.SetSym(i, i, gram.At(i, i)+r.Alpha)
	}
	var rhs mat.VecDense
	rhs.MulVec(design.T(), mat.NewVecDense(n, centered))

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return errors.New("ridge: normal equations are not positive definite")
	}
	var coef mat.VecDense
	if err := chol.SolveVecTo(&coef, &rhs); err != nil {
		return fmt.Errorf("ridge: solve failed: %w", err)
	}
	r.Coef = make([]float64, nf)
	for i := range r.Coef {
		r.Coef[i] = coef.AtVec(i)
	}
	return nil
}

func (r *Ridge) Predict(row []float64) float64 {
	return r.Intercept + floats.Dot(r.Coef, standardizeRow(row, r.Means, r.Scales))
}

// Importance is the absolute standardized coefficient.
func (r *Ridge) Importance() []float64 {
	out := make([]float64, len(r.Coef))
	for i, c := range r.Coef {
		out[i] = math.Abs(c)
	}
	return out
}

func (r *Ridge) MarshalState() ([]byte, error) {
	return msgpack.Marshal(r)
}

// columnScaling returns per-column mean and std, with unit scale for
// constant columns.
func columnScaling(x [][]float64) ([]float64, []float64) {
	nf := len(x[0])
	means := make([]float64, nf)
	scales := make([]float64, nf)
	col := make([]float64, len(x))
	for f := 0; f < nf; f++ {
		for i := range x {
			col[i] = x[i][f]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		means[f], scales[f] = mean, std
	}
	return means, scales
}

// standardizeRow scales row to len(means); missing trailing columns are 0.
func standardizeRow(row, means, scales []float64) []float64 {
	out := make([]float64, len(means))
	for i := range means {
		var v float64
		if i < len(row) {
			v = row[i]
		}
		out[i] = (v - means[i]) / scales[i]
	}
	return out
}
