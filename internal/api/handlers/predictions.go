package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/hoops-projections/internal/ml/serving"
	"github.com/stitts-dev/hoops-projections/internal/stats"
	"github.com/stitts-dev/hoops-projections/pkg/utils"
)

type PredictionHandler struct {
	service *serving.Service
	logger  *logrus.Entry
	now     func() time.Time
}

func NewPredictionHandler(service *serving.Service, logger *logrus.Entry) *PredictionHandler {
	return &PredictionHandler{service: service, logger: logger, now: time.Now}
}

// GetPlayerPrediction returns projections for one player
func (h *PredictionHandler) GetPlayerPrediction(c *gin.Context) {
	playerID, err := parseID(c)
	if err != nil {
		utils.SendValidationError(c, "Invalid player ID", err.Error())
		return
	}
	date, err := parseDate(c.Query("date"), h.now())
	if err != nil {
		utils.SendValidationError(c, "Invalid date", err.Error())
		return
	}
	statTypes, err := parseStats(c.Query("stats"))
	if err != nil {
		utils.SendValidationError(c, "Invalid stats", err.Error())
		return
	}
	refresh, _ := strconv.ParseBool(c.DefaultQuery("refresh", "false"))

	results, err := h.service.Predict(c.Request.Context(), playerID, date, statTypes, refresh)
	if err != nil {
		if errors.Is(err, stats.ErrPlayerNotFound) {
			utils.SendNotFound(c, "Player not found")
			return
		}
		h.logger.WithError(err).WithField("player_id", playerID).Error("Prediction failed")
		utils.SendError(c, http.StatusInternalServerError, utils.NewAppError(utils.ErrCodePrediction, "Failed to generate prediction"))
		return
	}
	utils.SendSuccess(c, results)
}

type batchRequest struct {
	PlayerIDs []uint `json:"player_ids" binding:"required,min=1"`
	Date      string `json:"date"`
	StatType  string `json:"stat_type"`
}

// BatchPredict projects one stat for many players
func (h *PredictionHandler) BatchPredict(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendValidationError(c, "Invalid request body", err.Error())
		return
	}
	if len(req.PlayerIDs) > maxBatchPlayers {
		utils.SendValidationError(c, "Too many players", "at most 500 players per batch")
		return
	}
	date, err := parseDate(req.Date, h.now())
	if err != nil {
		utils.SendValidationError(c, "Invalid date", err.Error())
		return
	}
	stat, err := parseStat(req.StatType)
	if err != nil {
		utils.SendValidationError(c, "Invalid stat", err.Error())
		return
	}

	batch, err := h.service.PredictBatch(c.Request.Context(), req.PlayerIDs, date, stat)
	if err != nil {
		h.logger.WithError(err).Error("Batch prediction failed")
		utils.SendError(c, http.StatusInternalServerError, utils.NewAppError(utils.ErrCodePrediction, "Failed to generate predictions"))
		return
	}
	utils.SendSuccessWithMeta(c, batch.Results, &utils.Meta{
		Total:  int64(len(batch.Results)),
		Errors: batch.Errors,
	})
}

// GetTopPredictions ranks active players by projected stat
func (h *PredictionHandler) GetTopPredictions(c *gin.Context) {
	date, err := parseDate(c.Query("date"), h.now())
	if err != nil {
		utils.SendValidationError(c, "Invalid date", err.Error())
		return
	}
	stat, err := parseStat(c.Query("stat"))
	if err != nil {
		utils.SendValidationError(c, "Invalid stat", err.Error())
		return
	}
	limit, err := parseLimit(c)
	if err != nil {
		utils.SendValidationError(c, "Invalid limit", err.Error())
		return
	}

	results, err := h.service.TopPredictions(c.Request.Context(), date, stat, c.Query("position"), limit)
	if err != nil {
		h.logger.WithError(err).Error("Top predictions failed")
		utils.SendInternalError(c, "Failed to rank predictions")
		return
	}
	utils.SendSuccessWithMeta(c, results, &utils.Meta{Total: int64(len(results))})
}

// GetBreakouts lists players projected well above their recent average
func (h *PredictionHandler) GetBreakouts(c *gin.Context) {
	date, err := parseDate(c.Query("date"), h.now())
	if err != nil {
		utils.SendValidationError(c, "Invalid date", err.Error())
		return
	}
	stat, err := parseStat(c.Query("stat"))
	if err != nil {
		utils.SendValidationError(c, "Invalid stat", err.Error())
		return
	}
	limit, err := parseLimit(c)
	if err != nil {
		utils.SendValidationError(c, "Invalid limit", err.Error())
		return
	}
	minUpside := serving.DefaultMinUpside
	if raw := c.Query("min_upside"); raw != "" {
		minUpside, err = strconv.ParseFloat(raw, 64)
		if err != nil || minUpside <= 0 {
			utils.SendValidationError(c, "Invalid min_upside", "min_upside must be a positive number")
			return
		}
	}

	results, err := h.service.BreakoutCandidates(c.Request.Context(), date, stat, minUpside, limit)
	if err != nil {
		h.logger.WithError(err).Error("Breakout search failed")
		utils.SendInternalError(c, "Failed to find breakout candidates")
		return
	}
	utils.SendSuccessWithMeta(c, results, &utils.Meta{Total: int64(len(results))})
}
