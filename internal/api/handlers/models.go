package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/hoops-projections/internal/ml/registry"
	"github.com/stitts-dev/hoops-projections/internal/ml/serving"
	"github.com/stitts-dev/hoops-projections/pkg/utils"
)

type ModelHandler struct {
	registry *registry.Registry
	service  *serving.Service
	logger   *logrus.Entry
}

func NewModelHandler(reg *registry.Registry, service *serving.Service, logger *logrus.Entry) *ModelHandler {
	return &ModelHandler{registry: reg, service: service, logger: logger}
}

// ListModels returns registry entries, newest first
func (h *ModelHandler) ListModels(c *gin.Context) {
	tags := map[string]string{}
	if mt := c.Query("model_type"); mt != "" {
		tags["model_type"] = mt
	}
	entries := h.registry.List(c.Query("stat"), tags)
	utils.SendSuccessWithMeta(c, entries, &utils.Meta{Total: int64(len(entries))})
}

// CompareModels returns validation metrics for the given ids, best first
func (h *ModelHandler) CompareModels(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		utils.SendValidationError(c, "Missing model ids", "ids is a comma-separated list of model ids")
		return
	}

	rows, err := h.registry.Compare(ids)
	if err != nil {
		if errors.Is(err, registry.ErrModelNotFound) {
			utils.SendError(c, http.StatusNotFound, utils.NewAppError(utils.ErrCodeModelMissing, "Model not found", err.Error()))
			return
		}
		utils.SendInternalError(c, "Failed to compare models")
		return
	}
	utils.SendSuccess(c, rows)
}

// ActivateModel makes a model the one served for its stat
func (h *ModelHandler) ActivateModel(c *gin.Context) {
	id := c.Param("id")
	entry, ok := h.registry.Get(id)
	if !ok {
		// Another process may have registered it since the index was read
		if err := h.registry.Refresh(); err != nil {
			h.logger.WithError(err).Warn("Failed to refresh model registry")
		}
		entry, ok = h.registry.Get(id)
	}
	if !ok {
		utils.SendError(c, http.StatusNotFound, utils.NewAppError(utils.ErrCodeModelMissing, "Model not found", id))
		return
	}
	if err := h.registry.SetActive(id); err != nil {
		h.logger.WithError(err).WithField("model_id", id).Error("Failed to activate model")
		utils.SendInternalError(c, "Failed to activate model")
		return
	}
	h.service.ReloadModels(entry.Stat)

	if updated, ok := h.registry.Get(id); ok {
		entry = updated
	} else {
		entry.IsActive = true
	}
	utils.SendSuccess(c, entry)
}

// ReloadModels re-reads the registry index and clears the serving cache
func (h *ModelHandler) ReloadModels(c *gin.Context) {
	if err := h.registry.Refresh(); err != nil {
		h.logger.WithError(err).Error("Failed to refresh model registry")
		utils.SendInternalError(c, "Failed to refresh model registry")
		return
	}
	loaded := h.service.ReloadModels()
	utils.SendSuccess(c, gin.H{
		"loaded": loaded,
		"models": h.service.LoadedModels(),
	})
}
