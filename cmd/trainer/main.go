package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/hoops-projections/internal/ml/dataset"
	"github.com/stitts-dev/hoops-projections/internal/ml/features"
	"github.com/stitts-dev/hoops-projections/internal/ml/models"
	"github.com/stitts-dev/hoops-projections/internal/ml/registry"
	"github.com/stitts-dev/hoops-projections/internal/ml/training"
	"github.com/stitts-dev/hoops-projections/internal/stats"
	"github.com/stitts-dev/hoops-projections/pkg/config"
	"github.com/stitts-dev/hoops-projections/pkg/database"
	"github.com/stitts-dev/hoops-projections/pkg/logger"
	"github.com/stitts-dev/hoops-projections/pkg/metrics"
)

func main() {
	statsFlag := flag.String("stats", "", "comma-separated stats to train (default: DEFAULT_STAT_TYPES)")
	endFlag := flag.String("end", "", "last date of the validation window, YYYY-MM-DD (default: today)")
	modelType := flag.String("model", "", "model family or \"ensemble\" (default: TRAIN_MODEL_TYPE)")
	evaluate := flag.String("evaluate", "", "score active models on this date instead of training")
	schedule := flag.Bool("schedule", false, "run as a daemon, retraining stale models on TRAIN_SCHEDULE")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := logger.InitLogger(cfg.LogLevel, cfg.IsDevelopment())

	db, err := database.NewTrainerConnection(cfg.DatabaseURL, cfg.IsDevelopment())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	store := stats.NewGormStore(db.DB)
	m := metrics.NewManager()
	pipeline := features.NewPipeline(store, cfg.FeatureLookbackDays,
		features.WithWorkers(cfg.BatchWorkers),
		features.WithLogger(logger.WithComponent("features")),
		features.WithSubBuilderErrorHook(m.RecordFeatureBuildError),
	)
	loader := dataset.NewLoader(store, pipeline, cfg.BatchWorkers, logger.WithComponent("dataset"))

	reg, err := registry.New(cfg.ModelDir, registry.WithLogger(logger.WithComponent("registry")))
	if err != nil {
		log.Fatalf("Failed to open model registry: %v", err)
	}

	trainer := training.NewTrainer(loader, reg, trainingConfig(cfg),
		training.WithMetrics(m),
		training.WithLogger(logger.WithService("trainer")),
	)

	statTypes := cfg.DefaultStatTypes
	if *statsFlag != "" {
		statTypes = nil
		for _, st := range strings.Split(*statsFlag, ",") {
			if st = strings.TrimSpace(st); st != "" {
				statTypes = append(statTypes, st)
			}
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case *evaluate != "":
		date := mustDate(log, *evaluate)
		for _, st := range statTypes {
			eval, err := trainer.EvaluateOnDate(ctx, st, date)
			if err != nil {
				logger.WithModelContext("", st).WithError(err).Error("Evaluation failed")
				continue
			}
			logger.WithModelContext(eval.ModelID, st).WithFields(logrus.Fields{
				"rmse":                 eval.Metrics.RMSE,
				"directional_accuracy": eval.DirectionalAccuracy,
			}).Info("Evaluated active model")
			printJSON(log, eval)
		}

	case *schedule:
		s := training.NewScheduler(trainer, reg, statTypes, cfg.TrainSchedule,
			training.WithMaxAge(time.Duration(cfg.ModelMaxAgeDays)*24*time.Hour),
			training.WithSchedulerLogger(logger.WithService("scheduler")),
		)
		if err := s.Start(); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
		go s.RunScheduled(ctx, time.Now())
		<-ctx.Done()
		s.Stop()

	default:
		end := time.Now()
		if *endFlag != "" {
			end = mustDate(log, *endFlag)
		}
		results, failures := trainer.TrainAll(ctx, statTypes, end, *modelType)
		for _, res := range results {
			logger.WithTrainingContext(res.RunID, res.Stat, res.ModelType).
				WithField("model_id", res.ModelID).Info("Model trained and activated")
			printJSON(log, res)
			if report, err := trainer.FeatureImportanceReport(res.Stat, 10); err == nil {
				printJSON(log, report)
			}
		}
		for st, err := range failures {
			logger.WithModelContext("", st).WithError(err).Error("Training failed")
		}
		if len(failures) > 0 {
			os.Exit(1)
		}
	}
}

func trainingConfig(cfg *config.Config) training.Config {
	tc := training.DefaultConfig()
	tc.LookbackDays = cfg.TrainLookbackDays
	tc.ValidationDays = cfg.TrainValidationDays
	tc.MinGames = cfg.TrainMinGames
	tc.MinSamples = cfg.TrainMinSamples
	tc.CrossValidate = cfg.TrainCrossValidate
	tc.CVFolds = cfg.TrainCVFolds
	tc.OptimizeWeights = cfg.TrainOptimizeWeights
	tc.ModelType = cfg.TrainModelType
	tc.Workers = cfg.BatchWorkers
	tc.Uncertainty = models.UncertaintyConfig{
		Z:                cfg.UncertaintyZ,
		FallbackFraction: cfg.UncertaintyFallbackFactor,
		BaseFraction:     cfg.UncertaintyBaseFactor,
	}
	return tc
}

func mustDate(log *logrus.Logger, raw string) time.Time {
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		log.Fatalf("Invalid date %q: %v", raw, err)
	}
	return d
}

func printJSON(log *logrus.Logger, v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.WithError(err).Error("Failed to write report")
	}
}
