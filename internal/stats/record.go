// Package stats defines the read contract over historical box scores and the
// stores that implement it.
package stats

import (
	"time"
)

// Stat column names shared by feature building, training targets and serving.
const (
	Points                 = "points"
	Rebounds               = "rebounds"
	Assists                = "assists"
	Steals                 = "steals"
	Blocks                 = "blocks"
	Turnovers              = "turnovers"
	Minutes                = "minutes"
	FieldGoalsMade         = "field_goals_made"
	FieldGoalsAttempted    = "field_goals_attempted"
	ThreePointersMade      = "three_pointers_made"
	ThreePointersAttempted = "three_pointers_attempted"
	FreeThrowsMade         = "free_throws_made"
	FreeThrowsAttempted    = "free_throws_attempted"
	FantasyPointsStat      = "fantasy_points"
)

// Columns is the ordered set of per-game stats every feature family covers.
var Columns = []string{
	Points, Rebounds, Assists, Steals, Blocks, Turnovers, Minutes,
	FieldGoalsMade, FieldGoalsAttempted,
	ThreePointersMade, ThreePointersAttempted,
	FreeThrowsMade, FreeThrowsAttempted,
	FantasyPointsStat,
}

// TargetStats are the stats a model can be trained for.
var TargetStats = []string{
	FantasyPointsStat, Points, Rebounds, Assists, Steals, Blocks, Minutes,
}

// StatRecord is one player's box-score line for one game.
type StatRecord struct {
	PlayerID       uint
	GameDate       time.Time
	TeamID         uint // 0 when unknown
	OpponentTeamID uint // 0 when unknown
	IsHome         *bool

	Minutes                float64
	Points                 float64
	Rebounds               float64
	Assists                float64
	Steals                 float64
	Blocks                 float64
	Turnovers              float64
	FieldGoalsMade         float64
	FieldGoalsAttempted    float64
	ThreePointersMade      float64
	ThreePointersAttempted float64
	FreeThrowsMade         float64
	FreeThrowsAttempted    float64
	FantasyPoints          float64
}

// Value returns the named stat from the record.
func (r *StatRecord) Value(stat string) (float64, bool) {
	switch stat {
	case Points:
		return r.Points, true
	case Rebounds:
		return r.Rebounds, true
	case Assists:
		return r.Assists, true
	case Steals:
		return r.Steals, true
	case Blocks:
		return r.Blocks, true
	case Turnovers:
		return r.Turnovers, true
	case Minutes:
		return r.Minutes, true
	case FieldGoalsMade:
		return r.FieldGoalsMade, true
	case FieldGoalsAttempted:
		return r.FieldGoalsAttempted, true
	case ThreePointersMade:
		return r.ThreePointersMade, true
	case ThreePointersAttempted:
		return r.ThreePointersAttempted, true
	case FreeThrowsMade:
		return r.FreeThrowsMade, true
	case FreeThrowsAttempted:
		return r.FreeThrowsAttempted, true
	case FantasyPointsStat:
		return r.FantasyPoints, true
	}
	return 0, false
}

// FantasyPoints scores a line with standard weights.
func FantasyPoints(points, rebounds, assists, steals, blocks, turnovers float64) float64 {
	return points + 1.2*rebounds + 1.5*assists + 3*steals + 3*blocks - turnovers
}

// IsTargetStat reports whether models can be trained for stat.
func IsTargetStat(stat string) bool {
	for _, s := range TargetStats {
		if s == stat {
			return true
		}
	}
	return false
}

// Day truncates t to midnight UTC. All store dates are calendar days.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// PlayerInfo is the static player attributes feature building needs.
type PlayerInfo struct {
	ID           uint
	FullName     string
	Position     string
	TeamID       uint
	BirthDate    *time.Time
	IsActive     bool
	InjuryStatus string
}

// TeamRatings holds optional season aggregates for a team.
type TeamRatings struct {
	TeamID          uint
	DefensiveRating *float64
	Pace            *float64
}

// AllowedSummary is fantasy production conceded by a defense over a window.
type AllowedSummary struct {
	Games      int
	PerGame    float64
	ByPosition map[string]float64 // per-game fantasy points by opposing position
}
