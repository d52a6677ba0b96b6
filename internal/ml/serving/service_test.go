package serving

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stitts-dev/hoops-projections/internal/ml/features"
	"github.com/stitts-dev/hoops-projections/internal/ml/models"
	"github.com/stitts-dev/hoops-projections/internal/ml/registry"
	dbmodels "github.com/stitts-dev/hoops-projections/internal/models"
	"github.com/stitts-dev/hoops-projections/internal/stats"
)

var gameDay = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// countingBuilder records how often features are built.
type countingBuilder struct {
	inner  FeatureBuilder
	builds int64
	batch  int64
}

func (c *countingBuilder) Build(ctx context.Context, req features.Request) (*features.Vector, error) {
	atomic.AddInt64(&c.builds, 1)
	return c.inner.Build(ctx, req)
}

func (c *countingBuilder) BuildBatch(ctx context.Context, ids []uint, asOf time.Time, includeInjury bool) (*features.BatchResult, error) {
	atomic.AddInt64(&c.batch, 1)
	return c.inner.BuildBatch(ctx, ids, asOf, includeInjury)
}

// scaledModel predicts factor times the player's 10-game average with a
// fixed relative band.
type scaledModel struct {
	stat   string
	factor float64
	band   float64
	err    error
}

func (m *scaledModel) Stat() string { return m.stat }
func (m *scaledModel) Metadata() models.Metadata {
	return models.Metadata{Family: "stub", Stat: m.stat}
}
func (m *scaledModel) FeatureNames() []string         { return []string{features.AvgName(m.stat, 10)} }
func (m *scaledModel) MarshalBinary() ([]byte, error) { return nil, errors.New("not serializable") }
func (m *scaledModel) FeatureImportance() map[string]float64 {
	return map[string]float64{features.AvgName(m.stat, 10): 1}
}

func (m *scaledModel) Predict(v *features.Vector) (float64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.factor * v.Value(features.AvgName(m.stat, 10)), nil
}

func (m *scaledModel) PredictWithUncertainty(v *features.Vector) (models.Interval, error) {
	p, err := m.Predict(v)
	if err != nil {
		return models.Interval{}, err
	}
	return models.Interval{Point: p, Lower: p * (1 - m.band), Upper: p * (1 + m.band)}, nil
}

func (m *scaledModel) PredictPlayer(v *features.Vector, playerID uint, asOf time.Time) (*models.PredictionResult, error) {
	iv, err := m.PredictWithUncertainty(v)
	if err != nil {
		return nil, err
	}
	return &models.PredictionResult{
		PlayerID:   playerID,
		Stat:       m.stat,
		Prediction: iv.Point,
		Lower:      iv.Lower,
		Upper:      iv.Upper,
		Confidence: models.Confidence(iv.Point, iv.Lower, iv.Upper),
		Factors:    models.TopFactors(m.FeatureImportance(), v, models.TopFactorCount),
		AsOf:       asOf,
	}, nil
}

type stubSource struct {
	models map[string]models.Predictor
	calls  int64
}

func (s *stubSource) ActiveModel(stat string) (registry.Entry, models.Predictor, bool) {
	atomic.AddInt64(&s.calls, 1)
	p, ok := s.models[stat]
	if !ok {
		return registry.Entry{}, nil, false
	}
	return registry.Entry{ModelID: stat + "_stub_v1", Stat: stat}, p, true
}

// seedPlayers gives player i twenty games at a constant points level of
// 10*i, with alternating rebounds.
func seedPlayers(n int) *stats.MemoryStore {
	store := stats.NewMemoryStore()
	for i := 1; i <= n; i++ {
		pos := "PG"
		if i%2 == 0 {
			pos = "C"
		}
		store.AddPlayer(stats.PlayerInfo{ID: uint(i), Position: pos, TeamID: 1, IsActive: true, InjuryStatus: "healthy"})
		for g := 0; g < 20; g++ {
			r := stats.StatRecord{
				PlayerID: uint(i),
				GameDate: gameDay.AddDate(0, 0, -2*(g+1)),
				TeamID:   1,
				Minutes:  30,
				Points:   float64(10 * i),
				Rebounds: float64(4 + g%2*2),
				Assists:  3,
			}
			r.FantasyPoints = stats.FantasyPoints(r.Points, r.Rebounds, r.Assists, 0, 0, 0)
			store.AddRecords(r)
		}
	}
	return store
}

func newTestService(store *stats.MemoryStore, source ModelSource, cache PredictionCache) (*Service, *countingBuilder) {
	cb := &countingBuilder{inner: features.NewPipeline(store, 90)}
	return NewService(cb, source, store, cache), cb
}

func TestPredictCacheHitSkipsFeatureBuilding(t *testing.T) {
	store := seedPlayers(2)
	src := &stubSource{models: map[string]models.Predictor{"points": &scaledModel{stat: "points", factor: 1.1, band: 0.2}}}
	svc, cb := newTestService(store, src, NewMemoryCache(4*time.Hour))
	ctx := context.Background()

	first, err := svc.Predict(ctx, 1, gameDay, []string{"points", "rebounds"}, false)
	require.NoError(t, err)
	second, err := svc.Predict(ctx, 1, gameDay.Add(3*time.Hour), []string{"points", "rebounds"}, false)
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&cb.builds))
	assert.Equal(t, first, second)

	// A stat not yet cached is a miss for the whole request.
	_, err = svc.Predict(ctx, 1, gameDay, []string{"points", "assists"}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&cb.builds))

	_, err = svc.Predict(ctx, 1, gameDay, []string{"points"}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), atomic.LoadInt64(&cb.builds))
}

func TestPredictUsesActiveModel(t *testing.T) {
	store := seedPlayers(1)
	src := &stubSource{models: map[string]models.Predictor{"points": &scaledModel{stat: "points", factor: 1.1, band: 0.2}}}
	svc, _ := newTestService(store, src, nil)

	results, err := svc.Predict(context.Background(), 1, gameDay, []string{"points"}, false)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.False(t, r.IsFallback)
	assert.Equal(t, "points_stub_v1", r.ModelID)
	assert.InDelta(t, 11, r.Prediction, 1e-9)
	assert.InDelta(t, 0.8, r.Confidence, 1e-6)
	assert.Contains(t, r.Factors, "points_avg_10g")
	assert.Equal(t, gameDay, r.AsOf)
}

func TestPredictFallsBackWithoutModel(t *testing.T) {
	store := seedPlayers(1)
	svc, _ := newTestService(store, &stubSource{}, nil)

	results, err := svc.Predict(context.Background(), 1, gameDay, []string{"points", "rebounds"}, false)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Constant points: std is 0 so the band is a fraction of the average.
	pts := results[0]
	assert.True(t, pts.IsFallback)
	assert.Equal(t, 0.5, pts.Confidence)
	assert.InDelta(t, 10, pts.Prediction, 1e-9)
	assert.InDelta(t, 10-1.645*0.2*10, pts.Lower, 1e-9)
	assert.InDelta(t, 10+1.645*0.2*10, pts.Upper, 1e-9)
	assert.Equal(t, map[string]float64{"recent_average": 10}, pts.Factors)

	// Alternating 4/6 rebounds: population std is 1.
	reb := results[1]
	assert.InDelta(t, 5, reb.Prediction, 1e-9)
	assert.InDelta(t, 5-1.645, reb.Lower, 1e-9)
	assert.InDelta(t, 5+1.645, reb.Upper, 1e-9)
}

func TestPredictFallsBackWhenModelErrors(t *testing.T) {
	store := seedPlayers(1)
	src := &stubSource{models: map[string]models.Predictor{"points": &scaledModel{stat: "points", err: errors.New("boom")}}}
	svc, _ := newTestService(store, src, nil)

	results, err := svc.Predict(context.Background(), 1, gameDay, []string{"points"}, false)
	require.NoError(t, err)
	assert.True(t, results[0].IsFallback)
}

func TestColdStartPlayerGetsFallback(t *testing.T) {
	store := stats.NewMemoryStore()
	store.AddPlayer(stats.PlayerInfo{ID: 7, Position: "SF", IsActive: true})
	svc, _ := newTestService(store, &stubSource{}, nil)

	results, err := svc.Predict(context.Background(), 7, gameDay, nil, false)
	require.NoError(t, err)
	require.Len(t, results, len(DefaultStats))
	for _, r := range results {
		assert.True(t, r.IsFallback)
		assert.Equal(t, 0.0, r.Prediction)
		assert.Equal(t, 0.0, r.Lower)
		assert.Equal(t, 0.0, r.Upper)
	}
}

func TestPredictUnknownPlayer(t *testing.T) {
	svc, _ := newTestService(seedPlayers(1), &stubSource{}, nil)
	_, err := svc.Predict(context.Background(), 42, gameDay, nil, false)
	assert.ErrorIs(t, err, stats.ErrPlayerNotFound)
}

func TestModelsLoadLazilyUntilReload(t *testing.T) {
	store := seedPlayers(2)
	src := &stubSource{models: map[string]models.Predictor{"points": &scaledModel{stat: "points", factor: 1, band: 0.1}}}
	svc, _ := newTestService(store, src, nil)
	ctx := context.Background()

	for _, id := range []uint{1, 2} {
		_, err := svc.Predict(ctx, id, gameDay, []string{"points", "assists"}, false)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), atomic.LoadInt64(&src.calls), "one lookup per stat, including the missing one")
	assert.Equal(t, map[string]string{"points": "points_stub_v1"}, svc.LoadedModels())

	src.models["assists"] = &scaledModel{stat: "assists", factor: 1, band: 0.1}
	results, err := svc.Predict(ctx, 1, gameDay, []string{"assists"}, true)
	require.NoError(t, err)
	assert.True(t, results[0].IsFallback, "absence is cached until reload")

	assert.Equal(t, 2, svc.ReloadModels("points", "assists"))
	results, err = svc.Predict(ctx, 1, gameDay, []string{"assists"}, true)
	require.NoError(t, err)
	assert.False(t, results[0].IsFallback)
}

func TestPredictBatchCountsFailures(t *testing.T) {
	store := seedPlayers(3)
	svc, cb := newTestService(store, &stubSource{}, NewMemoryCache(time.Hour))
	before := store.QueryCount()

	batch, err := svc.PredictBatch(context.Background(), []uint{3, 1, 99, 2}, gameDay, "points")
	require.NoError(t, err)

	assert.Equal(t, 1, batch.Errors)
	require.Len(t, batch.Results, 3)
	for i, r := range batch.Results {
		assert.Equal(t, uint(i+1), r.PlayerID)
		assert.InDelta(t, float64(10*(i+1)), r.Prediction, 1e-9)
	}
	assert.Equal(t, int64(1), store.QueryCount()-before, "one history query for the whole batch")
	assert.Equal(t, int64(0), atomic.LoadInt64(&cb.builds))
}

func TestTopPredictions(t *testing.T) {
	store := seedPlayers(4)
	svc, _ := newTestService(store, &stubSource{}, nil)
	ctx := context.Background()

	top, err := svc.TopPredictions(ctx, gameDay, "points", "", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, uint(4), top[0].PlayerID)
	assert.Equal(t, uint(3), top[1].PlayerID)

	centers, err := svc.TopPredictions(ctx, gameDay, "points", "C", 0)
	require.NoError(t, err)
	require.Len(t, centers, 2)
	assert.Equal(t, uint(4), centers[0].PlayerID)
	assert.Equal(t, uint(2), centers[1].PlayerID)
}

func TestBreakoutCandidates(t *testing.T) {
	store := seedPlayers(3)
	src := &stubSource{models: map[string]models.Predictor{"points": &scaledModel{stat: "points", factor: 1, band: 0.3}}}
	svc, _ := newTestService(store, src, nil)
	ctx := context.Background()

	out, err := svc.BreakoutCandidates(ctx, gameDay, "points", 0, 0)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, b := range out {
		assert.InDelta(t, 0.3, b.Upside, 1e-9)
		assert.InDelta(t, float64(10*b.PlayerID), b.RecentAverage, 1e-9)
	}

	none, err := svc.BreakoutCandidates(ctx, gameDay, "points", 0.5, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	now := gameDay
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, &models.PredictionResult{PlayerID: 1, Stat: "points", Prediction: 20, AsOf: gameDay}))
	r, ok, err := c.Get(ctx, 1, gameDay.Add(5*time.Hour), "points")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 20.0, r.Prediction)

	now = now.Add(2 * time.Hour)
	_, ok, err = c.Get(ctx, 1, gameDay, "points")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheIsolatesFactors(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	ctx := context.Background()

	in := &models.PredictionResult{
		PlayerID: 1,
		Stat:     "points",
		AsOf:     gameDay,
		Factors:  map[string]float64{"points_avg_10g": 4.2},
	}
	require.NoError(t, c.Set(ctx, in))
	in.Factors["points_avg_10g"] = -1

	first, ok, err := c.Get(ctx, 1, gameDay, "points")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4.2, first.Factors["points_avg_10g"])

	first.Factors["points_avg_10g"] = 99
	first.Factors["usage_rate"] = 1

	second, ok, err := c.Get(ctx, 1, gameDay, "points")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]float64{"points_avg_10g": 4.2}, second.Factors)
}

func TestRunPurgerSweepsExpiredEntries(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	now := gameDay
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, &models.PredictionResult{PlayerID: 1, Stat: "points", AsOf: gameDay}))
	now = now.Add(30 * time.Minute)
	require.NoError(t, c.Set(ctx, &models.PredictionResult{PlayerID: 2, Stat: "points", AsOf: gameDay}))
	now = now.Add(45 * time.Minute)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	RunPurger(cancelled, c, time.Hour, logrus.NewEntry(logrus.New()))

	c.mu.Lock()
	remaining := len(c.entries)
	c.mu.Unlock()
	assert.Equal(t, 1, remaining)

	_, ok, err := c.Get(ctx, 2, gameDay, "points")
	require.NoError(t, err)
	assert.True(t, ok)
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&dbmodels.PredictionCacheEntry{}))
	return db
}

func TestDBCache(t *testing.T) {
	db := setupTestDB(t)
	c := NewDBCache(db, 4*time.Hour)
	now := gameDay.Add(10 * time.Hour)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, ok, err := c.Get(ctx, 1, gameDay, "points")
	require.NoError(t, err)
	assert.False(t, ok)

	in := &models.PredictionResult{
		PlayerID:   1,
		Stat:       "points",
		Prediction: 21.5,
		Lower:      17,
		Upper:      26,
		Confidence: 0.79,
		Factors:    map[string]float64{"points_avg_10g": 4.2},
		AsOf:       gameDay,
		ModelID:    "points_ensemble_v1",
	}
	require.NoError(t, c.Set(ctx, in))

	out, ok, err := c.Get(ctx, 1, gameDay, "points")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.Prediction, out.Prediction)
	assert.Equal(t, in.Factors, out.Factors)
	assert.Equal(t, in.ModelID, out.ModelID)
	assert.Equal(t, gameDay, out.AsOf)

	_, ok, err = c.Get(ctx, 1, gameDay, "rebounds")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(5 * time.Hour)
	_, ok, err = c.Get(ctx, 1, gameDay, "points")
	require.NoError(t, err)
	assert.False(t, ok, "entries older than the TTL are stale")

	purged, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}
