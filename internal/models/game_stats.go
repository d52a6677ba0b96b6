package models

import (
	"time"

	"gorm.io/gorm"
)

// PlayerGameStats is one box-score line. Rows are append-only once ingested.
type PlayerGameStats struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	PlayerID       uint      `gorm:"not null;index:idx_player_game_date,priority:1" json:"player_id"`
	Player         Player    `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	GameID         string    `gorm:"size:20;not null;index" json:"game_id"`
	GameDate       time.Time `gorm:"type:date;not null;index;index:idx_player_game_date,priority:2" json:"game_date"`
	Season         string    `gorm:"size:10;not null" json:"season"`
	TeamID         *uint     `gorm:"index" json:"team_id,omitempty"`
	OpponentTeamID *uint     `gorm:"index" json:"opponent_team_id,omitempty"`
	IsHome         *bool     `json:"is_home,omitempty"`

	Minutes                float64 `json:"minutes"`
	Points                 int     `json:"points"`
	Rebounds               int     `json:"rebounds"`
	Assists                int     `json:"assists"`
	Steals                 int     `json:"steals"`
	Blocks                 int     `json:"blocks"`
	Turnovers              int     `json:"turnovers"`
	FieldGoalsMade         int     `json:"field_goals_made"`
	FieldGoalsAttempted    int     `json:"field_goals_attempted"`
	ThreePointersMade      int     `json:"three_pointers_made"`
	ThreePointersAttempted int     `json:"three_pointers_attempted"`
	FreeThrowsMade         int     `json:"free_throws_made"`
	FreeThrowsAttempted    int     `json:"free_throws_attempted"`
	FantasyPoints          float64 `json:"fantasy_points"`

	CreatedAt time.Time `json:"created_at"`
}

// FantasyScore computes standard-scoring fantasy points for the line
func (s *PlayerGameStats) FantasyScore() float64 {
	return float64(s.Points) +
		1.2*float64(s.Rebounds) +
		1.5*float64(s.Assists) +
		3*float64(s.Steals) +
		3*float64(s.Blocks) -
		float64(s.Turnovers)
}

// BeforeSave keeps the derived fantasy total in sync with the counting stats
func (s *PlayerGameStats) BeforeSave(tx *gorm.DB) error {
	s.FantasyPoints = s.FantasyScore()
	return nil
}
