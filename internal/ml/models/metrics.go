package models

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Metrics are regression scores on a held-out slice.
type Metrics struct {
	RMSE float64 `msgpack:"rmse" json:"rmse"`
	MAE  float64 `msgpack:"mae" json:"mae"`
	R2   float64 `msgpack:"r2" json:"r2"`
	MAPE float64 `msgpack:"mape" json:"mape"`
}

// Evaluate scores pred against y. MAPE ignores zero targets and is a
// percentage.
func Evaluate(y, pred []float64) Metrics {
	if len(y) == 0 || len(y) != len(pred) {
		return Metrics{}
	}
	return Metrics{
		RMSE: rmse(y, pred),
		MAE:  mae(y, pred),
		R2:   r2(y, pred),
		MAPE: mape(y, pred),
	}
}

func rmse(y, pred []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	var ss float64
	for i := range y {
		d := pred[i] - y[i]
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(y)))
}

func mae(y, pred []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	var s float64
	for i := range y {
		s += math.Abs(pred[i] - y[i])
	}
	return s / float64(len(y))
}

func r2(y, pred []float64) float64 {
	v := stat.RSquaredFrom(pred, y, nil)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func mape(y, pred []float64) float64 {
	var s float64
	var n int
	for i := range y {
		if y[i] == 0 {
			continue
		}
		s += math.Abs((y[i] - pred[i]) / y[i])
		n++
	}
	if n == 0 {
		return 0
	}
	return s / float64(n) * 100
}

func pinball(y, pred []float64, alpha float64) float64 {
	if len(y) == 0 {
		return 0
	}
	var s float64
	for i := range y {
		d := y[i] - pred[i]
		if d >= 0 {
			s += alpha * d
		} else {
			s += (alpha - 1) * d
		}
	}
	return s / float64(len(y))
}
