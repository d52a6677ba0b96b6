package stats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/stitts-dev/hoops-projections/internal/models"
)

// queryChunk bounds IN-list sizes on multi-player queries
const queryChunk = 500

// GormStore implements Store over the box-score tables.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Query(ctx context.Context, playerID uint, from, to time.Time) ([]StatRecord, error) {
	var rows []models.PlayerGameStats
	err := s.db.WithContext(ctx).
		Where("player_id = ? AND game_date >= ? AND game_date < ?", playerID, Day(from), Day(to)).
		Order("game_date ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query stats for player %d: %w", playerID, err)
	}
	return toRecords(rows), nil
}

func (s *GormStore) QueryPlayers(ctx context.Context, playerIDs []uint, from, to time.Time) (map[uint][]StatRecord, error) {
	out := make(map[uint][]StatRecord, len(playerIDs))
	for start := 0; start < len(playerIDs); start += queryChunk {
		end := start + queryChunk
		if end > len(playerIDs) {
			end = len(playerIDs)
		}

		var rows []models.PlayerGameStats
		err := s.db.WithContext(ctx).
			Where("player_id IN ? AND game_date >= ? AND game_date < ?", playerIDs[start:end], Day(from), Day(to)).
			Order("player_id ASC, game_date ASC").
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("failed to query stats for %d players: %w", end-start, err)
		}
		for _, rec := range toRecords(rows) {
			out[rec.PlayerID] = append(out[rec.PlayerID], rec)
		}
	}
	return out, nil
}

func (s *GormStore) EligiblePlayers(ctx context.Context, from, to time.Time, minGames int) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).
		Model(&models.PlayerGameStats{}).
		Select("player_id").
		Where("game_date >= ? AND game_date <= ?", Day(from), Day(to)).
		Group("player_id").
		Having("COUNT(*) >= ?", minGames).
		Order("player_id ASC").
		Pluck("player_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible players: %w", err)
	}
	return ids, nil
}

func (s *GormStore) DistinctGameDates(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	var dates []time.Time
	err := s.db.WithContext(ctx).
		Model(&models.PlayerGameStats{}).
		Distinct("game_date").
		Where("game_date >= ? AND game_date <= ?", Day(from), Day(to)).
		Order("game_date ASC").
		Pluck("game_date", &dates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query game dates: %w", err)
	}
	for i := range dates {
		dates[i] = Day(dates[i])
	}
	return dates, nil
}

func (s *GormStore) RecordsOnDate(ctx context.Context, playerIDs []uint, date time.Time) ([]StatRecord, error) {
	if len(playerIDs) == 0 {
		return nil, nil
	}
	day := Day(date)
	var out []StatRecord
	for start := 0; start < len(playerIDs); start += queryChunk {
		end := start + queryChunk
		if end > len(playerIDs) {
			end = len(playerIDs)
		}
		var rows []models.PlayerGameStats
		err := s.db.WithContext(ctx).
			Where("player_id IN ? AND game_date >= ? AND game_date < ?", playerIDs[start:end], day, day.AddDate(0, 0, 1)).
			Order("player_id ASC").
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("failed to query records on %s: %w", day.Format("2006-01-02"), err)
		}
		out = append(out, toRecords(rows)...)
	}
	return out, nil
}

func (s *GormStore) Player(ctx context.Context, playerID uint) (*PlayerInfo, error) {
	var p models.Player
	if err := s.db.WithContext(ctx).First(&p, playerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("player %d: %w", playerID, ErrPlayerNotFound)
		}
		return nil, fmt.Errorf("failed to load player %d: %w", playerID, err)
	}
	info := toPlayerInfo(&p)
	return &info, nil
}

func (s *GormStore) Players(ctx context.Context, playerIDs []uint) (map[uint]*PlayerInfo, error) {
	out := make(map[uint]*PlayerInfo, len(playerIDs))
	for start := 0; start < len(playerIDs); start += queryChunk {
		end := start + queryChunk
		if end > len(playerIDs) {
			end = len(playerIDs)
		}
		var players []models.Player
		if err := s.db.WithContext(ctx).Where("id IN ?", playerIDs[start:end]).Find(&players).Error; err != nil {
			return nil, fmt.Errorf("failed to load players: %w", err)
		}
		for i := range players {
			info := toPlayerInfo(&players[i])
			out[info.ID] = &info
		}
	}
	return out, nil
}

func (s *GormStore) ActivePlayers(ctx context.Context, position string, limit int) ([]PlayerInfo, error) {
	query := s.db.WithContext(ctx).Where("is_active = ?", true)
	if position != "" {
		query = query.Where("position = ?", strings.ToUpper(position))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var players []models.Player
	if err := query.Order("id ASC").Find(&players).Error; err != nil {
		return nil, fmt.Errorf("failed to list active players: %w", err)
	}

	out := make([]PlayerInfo, len(players))
	for i := range players {
		out[i] = toPlayerInfo(&players[i])
	}
	return out, nil
}

func (s *GormStore) TeamRatings(ctx context.Context, teamID uint) (*TeamRatings, error) {
	var team models.Team
	if err := s.db.WithContext(ctx).First(&team, teamID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load team %d: %w", teamID, err)
	}
	return &TeamRatings{
		TeamID:          team.ID,
		DefensiveRating: team.DefensiveRating,
		Pace:            team.Pace,
	}, nil
}

// TeamGameDates uses the box-score team when recorded and falls back to the
// player's current team otherwise.
func (s *GormStore) TeamGameDates(ctx context.Context, teamID uint, from, to time.Time) ([]time.Time, error) {
	var dates []time.Time
	err := s.db.WithContext(ctx).
		Model(&models.PlayerGameStats{}).
		Distinct("game_date").
		Where("game_date >= ? AND game_date < ?", Day(from), Day(to)).
		Where(s.db.Where("team_id = ?", teamID).
			Or("team_id IS NULL AND player_id IN (?)",
				s.db.Model(&models.Player{}).Select("id").Where("team_id = ?", teamID))).
		Order("game_date ASC").
		Pluck("game_date", &dates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query game dates for team %d: %w", teamID, err)
	}
	for i := range dates {
		dates[i] = Day(dates[i])
	}
	return dates, nil
}

type allowedRow struct {
	Position string
	Total    float64
	Games    int
}

func (s *GormStore) FantasyPointsAllowed(ctx context.Context, teamID uint, from, to time.Time) (*AllowedSummary, error) {
	base := func() *gorm.DB {
		return s.db.WithContext(ctx).
			Table("player_game_stats").
			Joins("JOIN players ON players.id = player_game_stats.player_id").
			Where("player_game_stats.opponent_team_id = ? AND player_game_stats.game_date >= ? AND player_game_stats.game_date < ?",
				teamID, Day(from), Day(to))
	}

	var totals struct {
		Total float64
		Games int
	}
	err := base().
		Select("COALESCE(SUM(player_game_stats.fantasy_points), 0) AS total, COUNT(DISTINCT player_game_stats.game_date) AS games").
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate points allowed by team %d: %w", teamID, err)
	}

	summary := &AllowedSummary{Games: totals.Games, ByPosition: map[string]float64{}}
	if totals.Games == 0 {
		return summary, nil
	}
	summary.PerGame = totals.Total / float64(totals.Games)

	var rows []allowedRow
	err = base().
		Select("players.position AS position, SUM(player_game_stats.fantasy_points) AS total, COUNT(DISTINCT player_game_stats.game_date) AS games").
		Group("players.position").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate positional points allowed by team %d: %w", teamID, err)
	}
	for _, r := range rows {
		if r.Games > 0 && r.Position != "" {
			summary.ByPosition[strings.ToUpper(r.Position)] = r.Total / float64(r.Games)
		}
	}
	return summary, nil
}

func toRecords(rows []models.PlayerGameStats) []StatRecord {
	out := make([]StatRecord, len(rows))
	for i := range rows {
		out[i] = toRecord(&rows[i])
	}
	return out
}

func toRecord(r *models.PlayerGameStats) StatRecord {
	rec := StatRecord{
		PlayerID:               r.PlayerID,
		GameDate:               Day(r.GameDate),
		IsHome:                 r.IsHome,
		Minutes:                r.Minutes,
		Points:                 float64(r.Points),
		Rebounds:               float64(r.Rebounds),
		Assists:                float64(r.Assists),
		Steals:                 float64(r.Steals),
		Blocks:                 float64(r.Blocks),
		Turnovers:              float64(r.Turnovers),
		FieldGoalsMade:         float64(r.FieldGoalsMade),
		FieldGoalsAttempted:    float64(r.FieldGoalsAttempted),
		ThreePointersMade:      float64(r.ThreePointersMade),
		ThreePointersAttempted: float64(r.ThreePointersAttempted),
		FreeThrowsMade:         float64(r.FreeThrowsMade),
		FreeThrowsAttempted:    float64(r.FreeThrowsAttempted),
		FantasyPoints:          r.FantasyPoints,
	}
	if r.TeamID != nil {
		rec.TeamID = *r.TeamID
	}
	if r.OpponentTeamID != nil {
		rec.OpponentTeamID = *r.OpponentTeamID
	}
	return rec
}

func toPlayerInfo(p *models.Player) PlayerInfo {
	info := PlayerInfo{
		ID:           p.ID,
		FullName:     p.FullName,
		Position:     strings.ToUpper(p.Position),
		BirthDate:    p.BirthDate,
		IsActive:     p.IsActive,
		InjuryStatus: string(p.InjuryStatus),
	}
	if p.TeamID != nil {
		info.TeamID = *p.TeamID
	}
	if info.InjuryStatus == "" {
		info.InjuryStatus = string(models.InjuryHealthy)
	}
	return info
}
