package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stitts-dev/hoops-projections/internal/ml/serving"
)

// StatusReporter is anything that can describe itself for the health probe.
type StatusReporter interface {
	Status() map[string]interface{}
}

// Pinger checks a backing dependency.
type Pinger interface {
	HealthCheck() error
}

type HealthHandler struct {
	service   *serving.Service
	scheduler StatusReporter
	db        Pinger
	started   time.Time
}

func NewHealthHandler(service *serving.Service, scheduler StatusReporter, db Pinger) *HealthHandler {
	return &HealthHandler{service: service, scheduler: scheduler, db: db, started: time.Now()}
}

// GetHealth returns liveness plus the models currently served. A failing
// database check turns the response into a 503.
func (h *HealthHandler) GetHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":        "ok",
		"service":       "hoops-projections",
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"uptime":        time.Since(h.started).Round(time.Second).String(),
		"loaded_models": h.service.LoadedModels(),
	}
	if h.scheduler != nil {
		body["training"] = h.scheduler.Status()
	}
	if h.db != nil {
		if err := h.db.HealthCheck(); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = err.Error()
		} else {
			body["database"] = "ok"
		}
	}
	c.JSON(status, body)
}
