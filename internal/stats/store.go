package stats

import (
	"context"
	"errors"
	"time"
)

var ErrPlayerNotFound = errors.New("player not found")

// HistoryReader reads box-score history. Query windows are half-open
// [from, to); eligibility and date enumeration windows are inclusive.
type HistoryReader interface {
	Query(ctx context.Context, playerID uint, from, to time.Time) ([]StatRecord, error)
	QueryPlayers(ctx context.Context, playerIDs []uint, from, to time.Time) (map[uint][]StatRecord, error)
	EligiblePlayers(ctx context.Context, from, to time.Time, minGames int) ([]uint, error)
	DistinctGameDates(ctx context.Context, from, to time.Time) ([]time.Time, error)
	RecordsOnDate(ctx context.Context, playerIDs []uint, date time.Time) ([]StatRecord, error)
}

// PlayerDirectory resolves player attributes.
type PlayerDirectory interface {
	Player(ctx context.Context, playerID uint) (*PlayerInfo, error)
	Players(ctx context.Context, playerIDs []uint) (map[uint]*PlayerInfo, error)
	ActivePlayers(ctx context.Context, position string, limit int) ([]PlayerInfo, error)
}

// TeamDirectory resolves team-level context. TeamRatings returns nil, nil for
// an unknown team.
type TeamDirectory interface {
	TeamRatings(ctx context.Context, teamID uint) (*TeamRatings, error)
	TeamGameDates(ctx context.Context, teamID uint, from, to time.Time) ([]time.Time, error)
	FantasyPointsAllowed(ctx context.Context, teamID uint, from, to time.Time) (*AllowedSummary, error)
}

// Store is the full read contract over historical stats.
type Store interface {
	HistoryReader
	PlayerDirectory
	TeamDirectory
}
