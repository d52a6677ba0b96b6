package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PredictionCacheEntry persists a served prediction so repeat requests within
// the freshness window skip feature building and model scoring.
type PredictionCacheEntry struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	PlayerID   uint              `gorm:"not null;index:idx_prediction_lookup,priority:1" json:"player_id"`
	GameDate   time.Time         `gorm:"type:date;not null;index:idx_prediction_lookup,priority:2" json:"game_date"`
	StatType   string            `gorm:"size:30;not null;index:idx_prediction_lookup,priority:3" json:"stat_type"`
	Predicted  float64           `json:"predicted_value"`
	LowerBound float64           `json:"lower_bound"`
	UpperBound float64           `json:"upper_bound"`
	Confidence float64           `json:"confidence"`
	Factors    datatypes.JSONMap `json:"factors"`
	ModelID    string            `gorm:"size:100" json:"model_id"`
	IsFallback bool              `json:"is_fallback"`
	CreatedAt  time.Time         `gorm:"index" json:"created_at"`
}

func (PredictionCacheEntry) TableName() string {
	return "prediction_cache"
}

// BeforeCreate assigns a row id when the caller did not
func (p *PredictionCacheEntry) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// AllModels lists every table owned by this service, in migration order
func AllModels() []interface{} {
	return []interface{}{
		&Team{},
		&Player{},
		&PlayerGameStats{},
		&PredictionCacheEntry{},
	}
}
