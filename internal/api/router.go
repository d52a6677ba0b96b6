// Package api exposes prediction serving and model administration over HTTP.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/hoops-projections/internal/api/handlers"
	"github.com/stitts-dev/hoops-projections/internal/api/middleware"
	"github.com/stitts-dev/hoops-projections/internal/ml/registry"
	"github.com/stitts-dev/hoops-projections/internal/ml/serving"
	"github.com/stitts-dev/hoops-projections/pkg/metrics"
)

// Dependencies are the components the router wires into handlers.
type Dependencies struct {
	Service   *serving.Service
	Registry  *registry.Registry
	Metrics   *metrics.Manager
	Gatherer  prometheus.Gatherer
	Scheduler handlers.StatusReporter
	Database  handlers.Pinger
	Limiter   *middleware.RateLimiter
	Logger    *logrus.Entry
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(deps.Logger, deps.Metrics))

	health := handlers.NewHealthHandler(deps.Service, deps.Scheduler, deps.Database)
	router.GET("/health", health.GetHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	if deps.Limiter != nil {
		v1.Use(middleware.RateLimit(deps.Limiter))
	}
	SetupRoutes(v1, deps)
	return router
}

// SetupRoutes configures all API routes on the given router group
func SetupRoutes(group *gin.RouterGroup, deps Dependencies) {
	predictionHandler := handlers.NewPredictionHandler(deps.Service, deps.Logger)
	modelHandler := handlers.NewModelHandler(deps.Registry, deps.Service, deps.Logger)

	predictions := group.Group("/predictions")
	{
		predictions.GET("/players/:id", predictionHandler.GetPlayerPrediction)
		predictions.POST("/batch", predictionHandler.BatchPredict)
		predictions.GET("/top", predictionHandler.GetTopPredictions)
		predictions.GET("/breakouts", predictionHandler.GetBreakouts)
	}

	modelRoutes := group.Group("/models")
	{
		modelRoutes.GET("", modelHandler.ListModels)
		modelRoutes.GET("/compare", modelHandler.CompareModels)
		modelRoutes.POST("/:id/activate", modelHandler.ActivateModel)
		modelRoutes.POST("/reload", modelHandler.ReloadModels)
	}
}
