package models

import (
	"math"
	"sort"
	"time"

	"github.com/stitts-dev/hoops-projections/internal/ml/features"
)

const (
	TopFactorCount     = 5
	minFactorStrength  = 0.01
	factorDecimalScale = 1e4
)

// PredictionResult is one stat projection for one player and date.
type PredictionResult struct {
	PlayerID   uint               `json:"player_id"`
	Stat       string             `json:"stat_type"`
	Prediction float64            `json:"prediction"`
	Lower      float64            `json:"lower_bound"`
	Upper      float64            `json:"upper_bound"`
	Confidence float64            `json:"confidence"`
	Factors    map[string]float64 `json:"factors"`
	AsOf       time.Time          `json:"as_of_date"`
	ModelID    string             `json:"model_id,omitempty"`
	IsFallback bool               `json:"is_fallback"`
}

// Confidence maps relative interval width to [0, 1]; a band of +-20% around
// the point gives 0.8.
func Confidence(point, lower, upper float64) float64 {
	c := 1 - (upper-lower)/(2*(point+1e-6))
	return math.Max(0, math.Min(1, c))
}

// TopFactors ranks features by importance times absolute value and keeps
// the k strongest above a small floor.
func TopFactors(importance map[string]float64, v *features.Vector, k int) map[string]float64 {
	type factor struct {
		name  string
		score float64
	}
	var ranked []factor
	for name, imp := range importance {
		score := imp * math.Abs(v.Value(name))
		if score > minFactorStrength {
			ranked = append(ranked, factor{name, score})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].name < ranked[j].name
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make(map[string]float64, len(ranked))
	for _, f := range ranked {
		out[f.name] = math.Round(f.score*factorDecimalScale) / factorDecimalScale
	}
	return out
}

func predictPlayer(p Predictor, v *features.Vector, playerID uint, asOf time.Time) (*PredictionResult, error) {
	iv, err := p.PredictWithUncertainty(v)
	if err != nil {
		return nil, err
	}
	return &PredictionResult{
		PlayerID:   playerID,
		Stat:       p.Stat(),
		Prediction: iv.Point,
		Lower:      iv.Lower,
		Upper:      iv.Upper,
		Confidence: Confidence(iv.Point, iv.Lower, iv.Upper),
		Factors:    TopFactors(p.FeatureImportance(), v, TopFactorCount),
		AsOf:       asOf,
	}, nil
}
