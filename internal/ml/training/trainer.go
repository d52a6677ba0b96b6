// Package training fits, evaluates, registers and activates per-stat models.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/stitts-dev/hoops-projections/internal/ml/dataset"
	"github.com/stitts-dev/hoops-projections/internal/ml/features"
	"github.com/stitts-dev/hoops-projections/internal/ml/models"
	"github.com/stitts-dev/hoops-projections/internal/ml/registry"
	"github.com/stitts-dev/hoops-projections/internal/stats"
	"github.com/stitts-dev/hoops-projections/pkg/metrics"
)

// ErrFeatureMismatch means validation examples carry features the training
// set never saw.
var ErrFeatureMismatch = errors.New("validation features do not match training features")

const (
	ModelTypeEnsemble = "ensemble"
	cvMinSamples      = 20
	directionWindow   = 10
)

type Config struct {
	LookbackDays    int
	ValidationDays  int
	MinGames        int
	MinSamples      int
	CrossValidate   bool
	CVFolds         int
	OptimizeWeights bool
	ModelType       string
	Members         []string
	Uncertainty     models.UncertaintyConfig
	Workers         int
}

func DefaultConfig() Config {
	return Config{
		LookbackDays:    365,
		ValidationDays:  30,
		MinGames:        10,
		MinSamples:      models.DefaultMinSamples,
		CrossValidate:   true,
		CVFolds:         5,
		OptimizeWeights: true,
		ModelType:       ModelTypeEnsemble,
		Members:         models.DefaultMembers,
		Uncertainty:     models.DefaultUncertainty(),
		Workers:         4,
	}
}

// DataLoader is the slice of dataset.Loader the trainer uses.
type DataLoader interface {
	Load(ctx context.Context, from, to time.Time, statType string, minGames int) (*dataset.Dataset, int, error)
	LoadForDate(ctx context.Context, date time.Time, statType string) (*dataset.Dataset, int, error)
}

// CVSummary aggregates time-series cross-validation folds.
type CVSummary struct {
	Folds    []models.Metrics `json:"folds"`
	MeanRMSE float64          `json:"mean_rmse"`
	StdRMSE  float64          `json:"std_rmse"`
	MeanMAE  float64          `json:"mean_mae"`
	MeanR2   float64          `json:"mean_r2"`
}

// Result describes one completed training run.
type Result struct {
	RunID             string                         `json:"run_id"`
	Stat              string                         `json:"stat_type"`
	ModelType         string                         `json:"model_type"`
	ModelID           string                         `json:"model_id"`
	TrainSamples      int                            `json:"train_samples"`
	ValidationSamples int                            `json:"validation_samples"`
	Excluded          int                            `json:"excluded"`
	Holdout           models.Metrics                 `json:"holdout_metrics"`
	Validation        models.Metrics                 `json:"validation_metrics"`
	CV                *CVSummary                     `json:"cross_validation,omitempty"`
	Weights           map[string]float64             `json:"weights,omitempty"`
	FeatureStats      map[string]dataset.FeatureStat `json:"feature_stats,omitempty"`
	Duration          time.Duration                  `json:"duration"`
}

// DateEvaluation scores the active model on one day of games.
type DateEvaluation struct {
	Date                time.Time      `json:"date"`
	Stat                string         `json:"stat_type"`
	ModelID             string         `json:"model_id"`
	Samples             int            `json:"samples"`
	Metrics             models.Metrics `json:"metrics"`
	DirectionalAccuracy float64        `json:"directional_accuracy"`
}

// FeatureScore is one row of an importance report.
type FeatureScore struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// trainable is a model the trainer can fit on a fixed column order.
type trainable interface {
	models.Predictor
	FitMatrix(names []string, x [][]float64, y []float64) error
}

// ModelRegistry is the slice of registry.Registry the trainer writes to.
type ModelRegistry interface {
	Register(model models.Predictor, name, version string, tags map[string]string) (string, error)
	SetActive(id string) error
	Delete(id string) error
	ActiveModel(stat string) (registry.Entry, models.Predictor, bool)
}

type Trainer struct {
	loader   DataLoader
	registry ModelRegistry
	cfg      Config
	metrics  *metrics.Manager
	logger   *logrus.Entry
}

type Option func(*Trainer)

func WithMetrics(m *metrics.Manager) Option {
	return func(t *Trainer) { t.metrics = m }
}

func WithLogger(logger *logrus.Entry) Option {
	return func(t *Trainer) { t.logger = logger }
}

func NewTrainer(loader DataLoader, reg ModelRegistry, cfg Config, opts ...Option) *Trainer {
	if cfg.ModelType == "" {
		cfg.ModelType = ModelTypeEnsemble
	}
	if len(cfg.Members) == 0 {
		cfg.Members = models.DefaultMembers
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	t := &Trainer{
		loader:   loader,
		registry: reg,
		cfg:      cfg,
		logger:   logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Trainer) Config() Config { return t.cfg }

// Windows returns the training window [end-lookback, end-validation-1d] and
// the validation window [end-validation, end]. They never share a date.
func (t *Trainer) Windows(end time.Time) (trainFrom, trainTo, valFrom, valTo time.Time) {
	valTo = stats.Day(end)
	valFrom = valTo.AddDate(0, 0, -t.cfg.ValidationDays)
	trainFrom = valTo.AddDate(0, 0, -t.cfg.LookbackDays)
	trainTo = valFrom.AddDate(0, 0, -1)
	return
}

// TrainModel runs one full training job for a stat ending at endDate. Nothing
// is registered unless every step succeeds.
func (t *Trainer) TrainModel(ctx context.Context, statType string, endDate time.Time, modelType string) (*Result, error) {
	if modelType == "" {
		modelType = t.cfg.ModelType
	}
	res := &Result{RunID: uuid.NewString(), Stat: statType, ModelType: modelType}
	log := t.logger.WithFields(logrus.Fields{
		"run_id":     res.RunID,
		"stat_type":  statType,
		"model_type": modelType,
	})
	start := time.Now()

	err := t.train(ctx, res, endDate, log)
	res.Duration = time.Since(start)
	if err != nil {
		t.metrics.RecordTrainingRun(statType, "failed", res.Duration)
		log.WithError(err).Error("Training run failed")
		return nil, err
	}
	t.metrics.RecordTrainingRun(statType, "success", res.Duration)
	t.metrics.SetValidationRMSE(statType, res.Validation.RMSE)
	log.WithFields(logrus.Fields{
		"model_id":        res.ModelID,
		"validation_rmse": res.Validation.RMSE,
		"validation_r2":   res.Validation.R2,
		"duration":        res.Duration.String(),
	}).Info("Training run complete")
	return res, nil
}

func (t *Trainer) train(ctx context.Context, res *Result, endDate time.Time, log *logrus.Entry) error {
	trainFrom, trainTo, valFrom, valTo := t.Windows(endDate)
	log.WithFields(logrus.Fields{
		"train_from": trainFrom.Format("2006-01-02"),
		"train_to":   trainTo.Format("2006-01-02"),
		"val_from":   valFrom.Format("2006-01-02"),
		"val_to":     valTo.Format("2006-01-02"),
	}).Info("Loading training data")

	trainDS, excluded, err := t.loader.Load(ctx, trainFrom, trainTo, res.Stat, t.cfg.MinGames)
	if err != nil {
		return fmt.Errorf("failed to load training data: %w", err)
	}
	if trainDS.Len() < t.cfg.MinSamples {
		return fmt.Errorf("%w: %d training samples for %s, need %d",
			models.ErrInsufficientData, trainDS.Len(), res.Stat, t.cfg.MinSamples)
	}
	valDS, valExcluded, err := t.loader.Load(ctx, valFrom, valTo, res.Stat, validationMinGames(t.cfg.MinGames))
	if err != nil {
		return fmt.Errorf("failed to load validation data: %w", err)
	}
	if valDS.Len() == 0 {
		return fmt.Errorf("%w: no validation samples for %s", models.ErrInsufficientData, res.Stat)
	}

	names := trainDS.FeatureNames()
	if err := checkFeatures(names, valDS.FeatureNames()); err != nil {
		return err
	}
	first, last := trainDS.DateRange()
	log.WithFields(logrus.Fields{
		"train_samples":      trainDS.Len(),
		"validation_samples": valDS.Len(),
		"features":           len(names),
		"first_date":         first.Format("2006-01-02"),
		"last_date":          last.Format("2006-01-02"),
	}).Info("Training data ready")
	res.TrainSamples = trainDS.Len()
	res.ValidationSamples = valDS.Len()
	res.Excluded = excluded + valExcluded
	res.FeatureStats = dataset.FeatureStatistics(trainDS)

	model, err := t.newModel(res.Stat, res.ModelType, t.cfg.MinSamples)
	if err != nil {
		return err
	}
	if err := model.FitMatrix(names, models.Design(trainDS.Vectors(), names), trainDS.Targets()); err != nil {
		return fmt.Errorf("failed to fit %s model: %w", res.ModelType, err)
	}
	res.Holdout = model.Metadata().Metrics
	if e, ok := model.(*models.Ensemble); ok {
		res.Weights = e.Weights()
	}

	if t.cfg.CrossValidate {
		cv, err := t.crossValidate(ctx, trainDS, names, res.Stat, res.ModelType)
		if err != nil {
			if !errors.Is(err, dataset.ErrTooFewSamples) {
				return fmt.Errorf("cross-validation failed: %w", err)
			}
			log.WithError(err).Warn("Skipping cross-validation")
		}
		res.CV = cv
	}

	res.Validation, err = evaluate(model, valDS)
	if err != nil {
		return err
	}

	id, err := t.registry.Register(model, res.Stat+"_"+res.ModelType, "", map[string]string{
		"stat":       res.Stat,
		"model_type": res.ModelType,
		"run_id":     res.RunID,
	})
	if err != nil {
		return fmt.Errorf("failed to register model: %w", err)
	}
	if err := t.registry.SetActive(id); err != nil {
		// An unactivated model must not stay servable as the newest entry.
		if derr := t.registry.Delete(id); derr != nil {
			log.WithError(derr).WithField("model_id", id).Error("Failed to remove unactivated model")
		}
		return fmt.Errorf("failed to activate model %s: %w", id, err)
	}
	res.ModelID = id
	return nil
}

func (t *Trainer) newModel(statType, modelType string, minSamples int) (trainable, error) {
	opts := []models.Option{
		models.WithMinSamples(minSamples),
		models.WithUncertainty(t.cfg.Uncertainty),
		models.WithOptimizeWeights(t.cfg.OptimizeWeights),
	}
	if modelType == ModelTypeEnsemble {
		return models.NewEnsemble(statType, t.cfg.Members, nil, opts...)
	}
	return models.NewStatModel(modelType, statType, opts...)
}

// crossValidate fits one model per time-series fold on a bounded pool.
func (t *Trainer) crossValidate(ctx context.Context, ds *dataset.Dataset, names []string, statType, modelType string) (*CVSummary, error) {
	folds, err := dataset.TimeSeriesSplits(ds, t.cfg.CVFolds)
	if err != nil {
		return nil, err
	}
	scores := make([]models.Metrics, len(folds))
	skipped := make([]bool, len(folds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Workers)
	for i, fold := range folds {
		i, fold := i, fold
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			train := ds.Subset(fold.Train)
			m, err := t.newModel(statType, modelType, cvMinSamples)
			if err != nil {
				return err
			}
			if err := m.FitMatrix(names, models.Design(train.Vectors(), names), train.Targets()); err != nil {
				if errors.Is(err, models.ErrInsufficientData) {
					skipped[i] = true
					return nil
				}
				return fmt.Errorf("fold %d: %w", i, err)
			}
			scores[i], err = evaluate(m, ds.Subset(fold.Test))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := &CVSummary{}
	for i, s := range scores {
		if !skipped[i] {
			summary.Folds = append(summary.Folds, s)
		}
	}
	if len(summary.Folds) == 0 {
		return nil, fmt.Errorf("%w: every fold was too small to fit", dataset.ErrTooFewSamples)
	}
	rmses := make([]float64, len(summary.Folds))
	maes := make([]float64, len(summary.Folds))
	r2s := make([]float64, len(summary.Folds))
	for i, f := range summary.Folds {
		rmses[i], maes[i], r2s[i] = f.RMSE, f.MAE, f.R2
	}
	summary.MeanRMSE, summary.StdRMSE = stat.PopMeanStdDev(rmses, nil)
	summary.MeanMAE = stat.Mean(maes, nil)
	summary.MeanR2 = stat.Mean(r2s, nil)
	return summary, nil
}

// TrainAll trains every stat independently; one failure does not stop the
// rest.
func (t *Trainer) TrainAll(ctx context.Context, statTypes []string, endDate time.Time, modelType string) (map[string]*Result, map[string]error) {
	results := map[string]*Result{}
	failures := map[string]error{}
	for _, s := range statTypes {
		if err := ctx.Err(); err != nil {
			failures[s] = err
			continue
		}
		res, err := t.TrainModel(ctx, s, endDate, modelType)
		if err != nil {
			failures[s] = err
			continue
		}
		results[s] = res
	}
	return results, failures
}

// EvaluateOnDate scores the active model for a stat against the games played
// on date. Directional accuracy is the share of examples where the model and
// the outcome land on the same side of the player's 10-game average.
func (t *Trainer) EvaluateOnDate(ctx context.Context, statType string, date time.Time) (*DateEvaluation, error) {
	entry, model, ok := t.registry.ActiveModel(statType)
	if !ok {
		return nil, fmt.Errorf("%w: no model for %s", registry.ErrModelNotFound, statType)
	}
	ds, _, err := t.loader.LoadForDate(ctx, date, statType)
	if err != nil {
		return nil, err
	}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("%w: no games for %s on %s", models.ErrInsufficientData, statType, stats.Day(date).Format("2006-01-02"))
	}

	y := ds.Targets()
	pred := make([]float64, ds.Len())
	var hits int
	for i, ex := range ds.Examples {
		p, err := model.Predict(ex.Features)
		if err != nil {
			return nil, err
		}
		pred[i] = p
		baseline := ex.Features.Value(features.AvgName(statType, directionWindow))
		if sign(p-baseline) == sign(y[i]-baseline) {
			hits++
		}
	}
	return &DateEvaluation{
		Date:                stats.Day(date),
		Stat:                statType,
		ModelID:             entry.ModelID,
		Samples:             ds.Len(),
		Metrics:             models.Evaluate(y, pred),
		DirectionalAccuracy: float64(hits) / float64(ds.Len()),
	}, nil
}

// FeatureImportanceReport lists the active model's top features.
func (t *Trainer) FeatureImportanceReport(statType string, top int) ([]FeatureScore, error) {
	_, model, ok := t.registry.ActiveModel(statType)
	if !ok {
		return nil, fmt.Errorf("%w: no model for %s", registry.ErrModelNotFound, statType)
	}
	var out []FeatureScore
	for f, v := range model.FeatureImportance() {
		out = append(out, FeatureScore{Feature: f, Importance: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].Feature < out[j].Feature
	})
	if top > 0 && len(out) > top {
		out = out[:top]
	}
	return out, nil
}

func evaluate(p models.Predictor, ds *dataset.Dataset) (models.Metrics, error) {
	pred := make([]float64, ds.Len())
	for i, ex := range ds.Examples {
		v, err := p.Predict(ex.Features)
		if err != nil {
			return models.Metrics{}, err
		}
		pred[i] = v
	}
	return models.Evaluate(ds.Targets(), pred), nil
}

// checkFeatures rejects validation features unknown to training. Features
// absent from validation are zero-filled at inference and allowed.
func checkFeatures(train, val []string) error {
	known := make(map[string]bool, len(train))
	for _, n := range train {
		known[n] = true
	}
	var unknown []string
	for _, n := range val {
		if !known[n] {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: %v", ErrFeatureMismatch, unknown)
	}
	return nil
}

func validationMinGames(minGames int) int {
	return int(math.Max(1, float64(minGames/2)))
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// runGuard serializes training runs triggered from more than one place.
type runGuard struct {
	mu      sync.Mutex
	running bool
}

func (g *runGuard) tryStart() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return false
	}
	g.running = true
	return true
}

func (g *runGuard) done() {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
}
