package models

import (
	"time"
)

// InjuryStatus mirrors the injury designations published on the league report
type InjuryStatus string

const (
	InjuryHealthy      InjuryStatus = "healthy"
	InjuryQuestionable InjuryStatus = "questionable"
	InjuryDoubtful     InjuryStatus = "doubtful"
	InjuryOut          InjuryStatus = "out"
	InjuryDayToDay     InjuryStatus = "day_to_day"
)

// Team is an NBA franchise. DefensiveRating and Pace are optional season
// aggregates; feature building falls back to league averages when absent.
type Team struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	FullName        string    `gorm:"size:100;not null" json:"full_name"`
	Abbreviation    string    `gorm:"size:10;not null;index" json:"abbreviation"`
	Conference      string    `gorm:"size:10" json:"conference"`
	Division        string    `gorm:"size:20" json:"division"`
	DefensiveRating *float64  `json:"defensive_rating,omitempty"`
	Pace            *float64  `json:"pace,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Player is a rostered player
type Player struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	FullName     string       `gorm:"size:255;not null;index" json:"full_name"`
	Position     string       `gorm:"size:20" json:"position"` // PG, SG, SF, PF, C
	TeamID       *uint        `gorm:"index" json:"team_id,omitempty"`
	Team         *Team        `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;" json:"-"`
	BirthDate    *time.Time   `gorm:"type:date" json:"birth_date,omitempty"`
	IsActive     bool         `gorm:"default:true;index" json:"is_active"`
	InjuryStatus InjuryStatus `gorm:"size:20;default:healthy" json:"injury_status"`
	InjuryDetail string       `gorm:"type:text" json:"injury_detail,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}
