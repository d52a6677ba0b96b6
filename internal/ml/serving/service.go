// Package serving answers projection requests from cached results, active
// registry models, or a recent-average fallback.
package serving

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stitts-dev/hoops-projections/internal/ml/features"
	"github.com/stitts-dev/hoops-projections/internal/ml/models"
	"github.com/stitts-dev/hoops-projections/internal/ml/registry"
	"github.com/stitts-dev/hoops-projections/internal/stats"
	"github.com/stitts-dev/hoops-projections/pkg/metrics"
)

const (
	DefaultMinUpside    = 0.2
	fallbackConfidence  = 0.5
	fallbackWindow      = 10
	breakoutWindow      = 30
	recentAverageFactor = "recent_average"
	sourceModel         = "model"
	sourceFallback      = "fallback"
	sourceCache         = "cache"
)

// DefaultStats are predicted when a request names none.
var DefaultStats = []string{stats.FantasyPointsStat, stats.Points, stats.Rebounds, stats.Assists}

// FeatureBuilder is the slice of features.Pipeline the service uses.
type FeatureBuilder interface {
	Build(ctx context.Context, req features.Request) (*features.Vector, error)
	BuildBatch(ctx context.Context, playerIDs []uint, asOf time.Time, includeInjury bool) (*features.BatchResult, error)
}

// ModelSource resolves the model to serve for a stat.
type ModelSource interface {
	ActiveModel(stat string) (registry.Entry, models.Predictor, bool)
}

// BatchPrediction is the outcome of PredictBatch. Errors counts players that
// could not be predicted.
type BatchPrediction struct {
	Results []*models.PredictionResult `json:"predictions"`
	Errors  int                        `json:"errors"`
}

// Breakout is a player whose upper bound is well above their 30-game average.
type Breakout struct {
	*models.PredictionResult
	RecentAverage float64 `json:"recent_average"`
	Upside        float64 `json:"upside"`
}

type loadedModel struct {
	id        string
	predictor models.Predictor
}

type Service struct {
	features     FeatureBuilder
	models       ModelSource
	players      stats.PlayerDirectory
	cache        PredictionCache
	metrics      *metrics.Manager
	logger       *logrus.Entry
	uncertainty  models.UncertaintyConfig
	defaultStats []string
	workers      int

	// loaded is filled lazily per stat, absent models included, and only
	// cleared by ReloadModels.
	mu     sync.RWMutex
	loaded map[string]loadedModel
}

type Option func(*Service)

func WithMetrics(m *metrics.Manager) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *logrus.Entry) Option {
	return func(s *Service) { s.logger = logger }
}

func WithUncertainty(u models.UncertaintyConfig) Option {
	return func(s *Service) { s.uncertainty = u }
}

func WithDefaultStats(statTypes []string) Option {
	return func(s *Service) {
		if len(statTypes) > 0 {
			s.defaultStats = statTypes
		}
	}
}

func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

func NewService(fb FeatureBuilder, source ModelSource, players stats.PlayerDirectory, cache PredictionCache, opts ...Option) *Service {
	s := &Service{
		features:     fb,
		models:       source,
		players:      players,
		cache:        cache,
		logger:       logrus.NewEntry(logrus.StandardLogger()),
		uncertainty:  models.DefaultUncertainty(),
		defaultStats: DefaultStats,
		workers:      8,
		loaded:       map[string]loadedModel{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Predict returns one result per stat for playerID on date. When every stat
// is cached and forceRefresh is false, features are not built.
func (s *Service) Predict(ctx context.Context, playerID uint, date time.Time, statTypes []string, forceRefresh bool) ([]*models.PredictionResult, error) {
	start := time.Now()
	defer func() { s.metrics.ObservePredictionLatency(time.Since(start)) }()

	if len(statTypes) == 0 {
		statTypes = s.defaultStats
	}
	date = stats.Day(date)

	if !forceRefresh {
		if cached, ok := s.cachedAll(ctx, playerID, date, statTypes); ok {
			for _, r := range cached {
				s.metrics.RecordPrediction(r.Stat, sourceCache)
			}
			return cached, nil
		}
	}

	v, err := s.features.Build(ctx, features.Request{
		PlayerID:      playerID,
		AsOf:          date,
		IncludeInjury: true,
	})
	if err != nil {
		s.metrics.RecordFeatureBuildError()
		return nil, fmt.Errorf("failed to build features for player %d: %w", playerID, err)
	}

	results := make([]*models.PredictionResult, 0, len(statTypes))
	for _, stat := range statTypes {
		r := s.predictStat(v, playerID, date, stat)
		s.store(ctx, r)
		results = append(results, r)
	}
	return results, nil
}

func (s *Service) cachedAll(ctx context.Context, playerID uint, date time.Time, statTypes []string) ([]*models.PredictionResult, bool) {
	if s.cache == nil {
		return nil, false
	}
	out := make([]*models.PredictionResult, 0, len(statTypes))
	for _, stat := range statTypes {
		r, ok, err := s.cache.Get(ctx, playerID, date, stat)
		if err != nil {
			s.metrics.RecordCacheLookup("error")
			s.logger.WithError(err).WithField("player_id", playerID).Warn("Prediction cache lookup failed")
			return nil, false
		}
		if !ok {
			s.metrics.RecordCacheLookup("miss")
			return nil, false
		}
		out = append(out, r)
	}
	s.metrics.RecordCacheLookup("hit")
	return out, true
}

func (s *Service) store(ctx context.Context, r *models.PredictionResult) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, r); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"player_id": r.PlayerID,
			"stat_type": r.Stat,
		}).Warn("Failed to cache prediction")
	}
}

// predictStat scores v with the active model for stat, falling back to the
// recent average when no usable model exists.
func (s *Service) predictStat(v *features.Vector, playerID uint, date time.Time, stat string) *models.PredictionResult {
	lm := s.model(stat)
	if lm.predictor != nil {
		r, err := lm.predictor.PredictPlayer(v, playerID, date)
		if err == nil {
			r.ModelID = lm.id
			s.metrics.RecordPrediction(stat, sourceModel)
			return r
		}
		s.logger.WithError(err).WithFields(logrus.Fields{
			"model_id":  lm.id,
			"player_id": playerID,
		}).Error("Model prediction failed, using fallback")
	}
	s.metrics.RecordPrediction(stat, sourceFallback)
	return s.fallback(v, playerID, date, stat)
}

// fallback predicts the 10-game average with a band of z standard
// deviations, using a fixed fraction of the average when std is unknown.
func (s *Service) fallback(v *features.Vector, playerID uint, date time.Time, stat string) *models.PredictionResult {
	point := math.Max(0, v.Value(features.AvgName(stat, fallbackWindow)))
	std := v.Value(features.StdName(stat))
	if std <= 0 {
		std = s.uncertainty.FallbackFraction * point
	}
	spread := s.uncertainty.Z * std
	return &models.PredictionResult{
		PlayerID:   playerID,
		Stat:       stat,
		Prediction: point,
		Lower:      math.Max(0, point-spread),
		Upper:      point + spread,
		Confidence: fallbackConfidence,
		Factors:    map[string]float64{recentAverageFactor: math.Round(point*1e4) / 1e4},
		AsOf:       date,
		IsFallback: true,
	}
}

func (s *Service) model(stat string) loadedModel {
	s.mu.RLock()
	lm, ok := s.loaded[stat]
	s.mu.RUnlock()
	if ok {
		return lm
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if lm, ok := s.loaded[stat]; ok {
		return lm
	}
	entry, p, found := s.models.ActiveModel(stat)
	if found {
		lm = loadedModel{id: entry.ModelID, predictor: p}
		s.logger.WithFields(logrus.Fields{"model_id": entry.ModelID, "stat_type": stat}).Info("Loaded model")
	} else {
		s.logger.WithField("stat_type", stat).Warn("No trained model available, serving fallback predictions")
	}
	s.loaded[stat] = lm
	s.metrics.SetModelsLoaded(s.countLoadedLocked())
	return lm
}

func (s *Service) countLoadedLocked() int {
	n := 0
	for _, lm := range s.loaded {
		if lm.predictor != nil {
			n++
		}
	}
	return n
}

// ReloadModels drops every cached model and eagerly loads statTypes (the
// default stats when empty). It returns how many stats have a model.
func (s *Service) ReloadModels(statTypes ...string) int {
	s.mu.Lock()
	s.loaded = map[string]loadedModel{}
	s.mu.Unlock()

	if len(statTypes) == 0 {
		statTypes = s.defaultStats
	}
	n := 0
	for _, stat := range statTypes {
		if s.model(stat).predictor != nil {
			n++
		}
	}
	return n
}

// LoadedModels maps stat to the model id currently served.
func (s *Service) LoadedModels() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.loaded))
	for stat, lm := range s.loaded {
		if lm.predictor != nil {
			out[stat] = lm.id
		}
	}
	return out
}

// PredictBatch predicts stat for many players from one batch feature build.
// Players that fail are counted, never fatal.
func (s *Service) PredictBatch(ctx context.Context, playerIDs []uint, date time.Time, stat string) (*BatchPrediction, error) {
	date = stats.Day(date)
	batch, err := s.features.BuildBatch(ctx, playerIDs, date, true)
	if err != nil {
		return nil, err
	}
	for id, ferr := range batch.Failed {
		s.logger.WithError(ferr).WithField("player_id", id).Warn("Skipping player in batch prediction")
	}

	results, err := s.predictVectors(ctx, batch.Vectors, date, stat)
	if err != nil {
		return nil, err
	}
	out := &BatchPrediction{Results: results, Errors: len(batch.Failed)}
	s.metrics.RecordBatchErrors(out.Errors)
	return out, nil
}

// predictVectors scores every vector on a bounded pool and returns results
// ordered by player id.
func (s *Service) predictVectors(ctx context.Context, vectors map[uint]*features.Vector, date time.Time, stat string) ([]*models.PredictionResult, error) {
	var (
		mu      sync.Mutex
		results = make([]*models.PredictionResult, 0, len(vectors))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for id, v := range vectors {
		id, v := id, v
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r := s.predictStat(v, id, date, stat)
			s.store(gctx, r)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].PlayerID < results[j].PlayerID })
	return results, nil
}

// TopPredictions ranks active players (optionally one position) by their
// predicted stat.
func (s *Service) TopPredictions(ctx context.Context, date time.Time, stat, position string, limit int) ([]*models.PredictionResult, error) {
	ids, err := s.activePlayerIDs(ctx, position)
	if err != nil {
		return nil, err
	}
	batch, err := s.PredictBatch(ctx, ids, date, stat)
	if err != nil {
		return nil, err
	}
	results := batch.Results
	sort.SliceStable(results, func(i, j int) bool { return results[i].Prediction > results[j].Prediction })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// BreakoutCandidates returns players whose upper bound beats their 30-game
// average by at least minUpside, largest upside first.
func (s *Service) BreakoutCandidates(ctx context.Context, date time.Time, stat string, minUpside float64, limit int) ([]Breakout, error) {
	if minUpside <= 0 {
		minUpside = DefaultMinUpside
	}
	date = stats.Day(date)
	ids, err := s.activePlayerIDs(ctx, "")
	if err != nil {
		return nil, err
	}
	batch, err := s.features.BuildBatch(ctx, ids, date, true)
	if err != nil {
		return nil, err
	}
	results, err := s.predictVectors(ctx, batch.Vectors, date, stat)
	if err != nil {
		return nil, err
	}

	var out []Breakout
	for _, r := range results {
		avg := batch.Vectors[r.PlayerID].Value(features.AvgName(stat, breakoutWindow))
		if avg <= 0 {
			continue
		}
		upside := (r.Upper - avg) / avg
		if upside >= minUpside {
			out = append(out, Breakout{PredictionResult: r, RecentAverage: avg, Upside: upside})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Upside > out[j].Upside })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Service) activePlayerIDs(ctx context.Context, position string) ([]uint, error) {
	players, err := s.players.ActivePlayers(ctx, position, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list active players: %w", err)
	}
	ids := make([]uint, len(players))
	for i, p := range players {
		ids[i] = p.ID
	}
	return ids, nil
}
