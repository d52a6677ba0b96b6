package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/hoops-projections/internal/api"
	"github.com/stitts-dev/hoops-projections/internal/api/middleware"
	"github.com/stitts-dev/hoops-projections/internal/ml/features"
	"github.com/stitts-dev/hoops-projections/internal/ml/models"
	"github.com/stitts-dev/hoops-projections/internal/ml/registry"
	"github.com/stitts-dev/hoops-projections/internal/ml/serving"
	"github.com/stitts-dev/hoops-projections/internal/stats"
	"github.com/stitts-dev/hoops-projections/pkg/config"
	"github.com/stitts-dev/hoops-projections/pkg/database"
	"github.com/stitts-dev/hoops-projections/pkg/logger"
	"github.com/stitts-dev/hoops-projections/pkg/metrics"
)

const storeBreakerTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := logger.InitLogger(cfg.LogLevel, cfg.IsDevelopment())
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewConnection(cfg.DatabaseURL, cfg.IsDevelopment())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	m := metrics.NewManager()
	store := stats.NewBreakerStore(stats.NewGormStore(db.DB), cfg.CircuitBreakerThreshold,
		storeBreakerTimeout, logger.WithComponent("stats-store"))
	pipeline := features.NewPipeline(store, cfg.FeatureLookbackDays,
		features.WithWorkers(cfg.BatchWorkers),
		features.WithLogger(logger.WithComponent("features")),
		features.WithSubBuilderErrorHook(m.RecordFeatureBuildError),
	)

	reg, err := registry.New(cfg.ModelDir, registry.WithLogger(logger.WithComponent("registry")))
	if err != nil {
		log.Fatalf("Failed to open model registry: %v", err)
	}

	cache, closeCache, err := newPredictionCache(cfg, db)
	if err != nil {
		log.Fatalf("Failed to initialize prediction cache: %v", err)
	}
	defer closeCache()

	purgeCtx, stopPurge := context.WithCancel(context.Background())
	defer stopPurge()
	if p, ok := cache.(serving.Purger); ok {
		go serving.RunPurger(purgeCtx, p, cfg.PredictionCacheTTL, logger.WithComponent("prediction-cache"))
	}

	service := serving.NewService(pipeline, reg, store, cache,
		serving.WithMetrics(m),
		serving.WithLogger(logger.WithService("serving")),
		serving.WithDefaultStats(cfg.DefaultStatTypes),
		serving.WithWorkers(cfg.BatchWorkers),
		serving.WithUncertainty(models.UncertaintyConfig{
			Z:                cfg.UncertaintyZ,
			FallbackFraction: cfg.UncertaintyFallbackFactor,
			BaseFraction:     cfg.UncertaintyBaseFactor,
		}),
	)
	loaded := service.ReloadModels()
	log.WithField("models", service.LoadedModels()).Infof("Loaded %d active models", loaded)

	router := api.NewRouter(api.Dependencies{
		Service:  service,
		Registry: reg,
		Metrics:  m,
		Database: db,
		Limiter:  middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Logger:   logger.WithService("api"),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exited")
}

// newPredictionCache builds the configured cache backend and its cleanup.
func newPredictionCache(cfg *config.Config, db *database.DB) (serving.PredictionCache, func(), error) {
	switch cfg.PredictionCacheBackend {
	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(context.Background()).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		cache := serving.NewRedisCache(client, cfg.PredictionCacheTTL, cfg.CircuitBreakerThreshold,
			logger.WithComponent("prediction-cache"))
		return cache, func() { client.Close() }, nil
	case "memory":
		return serving.NewMemoryCache(cfg.PredictionCacheTTL), func() {}, nil
	default:
		return serving.NewDBCache(db.DB, cfg.PredictionCacheTTL), func() {}, nil
	}
}
