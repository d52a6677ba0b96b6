package dataset

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitts-dev/hoops-projections/internal/ml/features"
	"github.com/stitts-dev/hoops-projections/internal/stats"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func seededStore() *stats.MemoryStore {
	store := stats.NewMemoryStore()
	for id := uint(1); id <= 3; id++ {
		store.AddPlayer(stats.PlayerInfo{ID: id, Position: "SF", TeamID: 7, IsActive: true})
	}
	// Players 1 and 2 play every day for 12 days, player 3 only twice
	for d := 0; d < 12; d++ {
		for id := uint(1); id <= 2; id++ {
			pts := float64(10*int(id) + d)
			store.AddRecords(stats.StatRecord{
				PlayerID: id, GameDate: start.AddDate(0, 0, d), TeamID: 7, OpponentTeamID: 9,
				Minutes: 30, Points: pts, FantasyPoints: pts,
			})
		}
	}
	store.AddRecords(
		stats.StatRecord{PlayerID: 3, GameDate: start, Points: 5, FantasyPoints: 5},
		stats.StatRecord{PlayerID: 3, GameDate: start.AddDate(0, 0, 4), Points: 5, FantasyPoints: 5},
	)
	return store
}

func newLoader(store stats.Store) *Loader {
	logger := logrus.NewEntry(logrus.New())
	return NewLoader(store, features.NewPipeline(store, 90, features.WithLogger(logger)), 3, logger)
}

func TestLoadOrdersByDateAndAvoidsLeakage(t *testing.T) {
	store := seededStore()
	loader := newLoader(store)

	ds, excluded, err := loader.Load(context.Background(), start, start.AddDate(0, 0, 11), stats.Points, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, excluded)
	require.Equal(t, 24, ds.Len(), "player 3 is below min games")

	for i := 1; i < ds.Len(); i++ {
		prev, cur := ds.Examples[i-1], ds.Examples[i]
		assert.False(t, cur.AsOf.Before(prev.AsOf))
		if cur.AsOf.Equal(prev.AsOf) {
			assert.Less(t, prev.PlayerID, cur.PlayerID)
		}
	}

	// On day d the player has exactly d prior games and the label is that day's points
	ex := ds.Examples[10] // day 5, player 1
	assert.Equal(t, uint(1), ex.PlayerID)
	assert.Equal(t, start.AddDate(0, 0, 5), ex.AsOf)
	assert.Equal(t, 15.0, ex.Target)
	assert.Equal(t, 5.0, ex.Features.Value("games_played"))
	assert.Equal(t, 13.0, ex.Features.Value(features.AvgName(stats.Points, 3)))
	assert.Equal(t, 5.0, ex.Features.Value("vs_opponent_games"), "matchup history uses prior games only")
}

func TestLoadRejectsUnknownStat(t *testing.T) {
	_, _, err := newLoader(seededStore()).Load(context.Background(), start, start, "dunks", 1)
	assert.Error(t, err)
}

func TestLoadForDate(t *testing.T) {
	ds, _, err := newLoader(seededStore()).LoadForDate(context.Background(), start.AddDate(0, 0, 4), stats.FantasyPointsStat)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
}

func syntheticDataset(days, perDay int) *Dataset {
	ds := &Dataset{Stat: stats.Points}
	for d := 0; d < days; d++ {
		for p := 0; p < perDay; p++ {
			v := features.NewVector(1)
			v.Set("x", float64(d))
			ds.Examples = append(ds.Examples, Example{
				Features: v, Target: float64(d), PlayerID: uint(p), AsOf: start.AddDate(0, 0, d),
			})
		}
	}
	return ds
}

func TestServedVectorsMatchTrainingVectors(t *testing.T) {
	store := seededStore()
	defRating, pace := 104.0, 95.0
	store.AddTeam(stats.TeamRatings{TeamID: 9, DefensiveRating: &defRating, Pace: &pace})
	home := true
	for id := uint(1); id <= 2; id++ {
		store.AddRecords(stats.StatRecord{
			PlayerID: id, GameDate: start.AddDate(0, 0, 12), TeamID: 7, OpponentTeamID: 9, IsHome: &home,
			Minutes: 30, Points: 20, FantasyPoints: 20,
		})
	}
	logger := logrus.NewEntry(logrus.New())
	pipeline := features.NewPipeline(store, 90, features.WithLogger(logger))
	loader := NewLoader(store, pipeline, 2, logger)
	ctx := context.Background()
	day := start.AddDate(0, 0, 12)

	ds, _, err := loader.LoadForDate(ctx, day, stats.Points)
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())
	trained := ds.Examples[0].Features
	assert.Equal(t, 104.0, trained.Value("opp_def_rating"))
	assert.Equal(t, 95.0, trained.Value("opp_pace"))
	assert.Equal(t, 12.0, trained.Value("vs_opponent_games"))
	assert.Equal(t, 1.0, trained.Value("is_home_game"))

	served, err := pipeline.Build(ctx, features.Request{PlayerID: 1, AsOf: day, IncludeInjury: true})
	require.NoError(t, err)
	assert.True(t, trained.Equal(served), "single build diverges from training example")

	batch, err := pipeline.BuildBatch(ctx, []uint{1, 2}, day, true)
	require.NoError(t, err)
	assert.True(t, trained.Equal(batch.Vectors[1]), "batch build diverges from training example")
	assert.True(t, ds.Examples[1].Features.Equal(batch.Vectors[2]))

	// No stored game row: matchup features stay at their defaults.
	unknown, err := pipeline.Build(ctx, features.Request{PlayerID: 1, AsOf: day.AddDate(0, 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, features.DefaultDefRating, unknown.Value("opp_def_rating"))
	assert.False(t, unknown.Has("vs_opponent_games"))
}

func TestTimeSeriesSplitsNeverTrainOnTestDates(t *testing.T) {
	for _, perDay := range []int{1, 3, 7} {
		ds := syntheticDataset(40, perDay)
		folds, err := TimeSeriesSplits(ds, 5)
		require.NoError(t, err)
		require.NotEmpty(t, folds)

		for _, f := range folds {
			require.NotEmpty(t, f.Train)
			require.NotEmpty(t, f.Test)
			maxTrain := ds.Examples[f.Train[len(f.Train)-1]].AsOf
			minTest := ds.Examples[f.Test[0]].AsOf
			assert.True(t, maxTrain.Before(minTest), "per-day=%d", perDay)
		}
	}
}

func TestTimeSeriesSplitsErrors(t *testing.T) {
	_, err := TimeSeriesSplits(syntheticDataset(3, 1), 5)
	assert.ErrorIs(t, err, ErrTooFewSamples)

	ds := syntheticDataset(10, 1)
	ds.Examples[0], ds.Examples[9] = ds.Examples[9], ds.Examples[0]
	_, err = TimeSeriesSplits(ds, 3)
	assert.Error(t, err)
}

func TestFeatureStatistics(t *testing.T) {
	summary := FeatureStatistics(syntheticDataset(5, 1))
	require.Contains(t, summary, "x")
	assert.Equal(t, 2.0, summary["x"].Mean)
	assert.Equal(t, 0.0, summary["x"].Min)
	assert.Equal(t, 4.0, summary["x"].Max)
	assert.Equal(t, 20.0, summary["x"].ZeroPercent)
}
