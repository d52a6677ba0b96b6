package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stitts-dev/hoops-projections/internal/models"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func uintPtr(v uint) *uint { return &v }

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

func seedGormStore(t *testing.T, db *gorm.DB) {
	rating := 108.5
	require.NoError(t, db.Create(&models.Team{ID: 1, FullName: "Boston Celtics", Abbreviation: "BOS", DefensiveRating: &rating}).Error)
	require.NoError(t, db.Create(&models.Team{ID: 2, FullName: "Miami Heat", Abbreviation: "MIA"}).Error)
	require.NoError(t, db.Create(&models.Player{ID: 10, FullName: "Guard One", Position: "PG", TeamID: uintPtr(1), IsActive: true}).Error)
	require.NoError(t, db.Create(&models.Player{ID: 11, FullName: "Center One", Position: "C", TeamID: uintPtr(2), IsActive: true}).Error)

	lines := []models.PlayerGameStats{
		{PlayerID: 10, GameID: "g1", GameDate: day("2024-01-01"), Season: "2023-24", TeamID: uintPtr(1), OpponentTeamID: uintPtr(2), Points: 20, Rebounds: 10, Assists: 5, Steals: 2, Blocks: 1, Turnovers: 3},
		{PlayerID: 10, GameID: "g2", GameDate: day("2024-01-03"), Season: "2023-24", TeamID: uintPtr(1), OpponentTeamID: uintPtr(2), Points: 10},
		{PlayerID: 10, GameID: "g3", GameDate: day("2024-01-05"), Season: "2023-24", TeamID: uintPtr(1), Points: 30},
		{PlayerID: 11, GameID: "g1", GameDate: day("2024-01-01"), Season: "2023-24", TeamID: uintPtr(2), OpponentTeamID: uintPtr(1), Rebounds: 12},
	}
	require.NoError(t, db.Create(&lines).Error)
}

func TestFantasyPoints(t *testing.T) {
	tests := []struct {
		name                                   string
		pts, reb, ast, stl, blk, tov, expected float64
	}{
		{"standard line", 20, 10, 5, 2, 1, 3, 45.5},
		{"all zero", 0, 0, 0, 0, 0, 0, 0},
		{"turnovers only", 0, 0, 0, 0, 0, 4, -4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, FantasyPoints(tt.pts, tt.reb, tt.ast, tt.stl, tt.blk, tt.tov), 1e-9)
		})
	}
}

func TestGormStoreQueries(t *testing.T) {
	db := setupTestDB(t)
	seedGormStore(t, db)
	store := NewGormStore(db)
	ctx := context.Background()

	t.Run("query is half-open and ordered", func(t *testing.T) {
		recs, err := store.Query(ctx, 10, day("2024-01-01"), day("2024-01-05"))
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, day("2024-01-01"), recs[0].GameDate)
		assert.Equal(t, day("2024-01-03"), recs[1].GameDate)
		assert.InDelta(t, 45.5, recs[0].FantasyPoints, 1e-9)
		assert.Equal(t, uint(2), recs[0].OpponentTeamID)
	})

	t.Run("eligible players respects min games", func(t *testing.T) {
		ids, err := store.EligiblePlayers(ctx, day("2024-01-01"), day("2024-01-05"), 3)
		require.NoError(t, err)
		assert.Equal(t, []uint{10}, ids)
	})

	t.Run("distinct dates are inclusive", func(t *testing.T) {
		dates, err := store.DistinctGameDates(ctx, day("2024-01-01"), day("2024-01-05"))
		require.NoError(t, err)
		assert.Equal(t, []time.Time{day("2024-01-01"), day("2024-01-03"), day("2024-01-05")}, dates)
	})

	t.Run("records on date", func(t *testing.T) {
		recs, err := store.RecordsOnDate(ctx, []uint{10, 11}, day("2024-01-01"))
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, uint(10), recs[0].PlayerID)
		assert.Equal(t, uint(11), recs[1].PlayerID)
	})

	t.Run("multi player query groups by player", func(t *testing.T) {
		byPlayer, err := store.QueryPlayers(ctx, []uint{10, 11}, day("2024-01-01"), day("2024-02-01"))
		require.NoError(t, err)
		assert.Len(t, byPlayer[10], 3)
		assert.Len(t, byPlayer[11], 1)
	})

	t.Run("missing player", func(t *testing.T) {
		_, err := store.Player(ctx, 999)
		assert.True(t, errors.Is(err, ErrPlayerNotFound))
	})

	t.Run("team ratings", func(t *testing.T) {
		r, err := store.TeamRatings(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, r.DefensiveRating)
		assert.InDelta(t, 108.5, *r.DefensiveRating, 1e-9)
		assert.Nil(t, r.Pace)

		missing, err := store.TeamRatings(ctx, 42)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("team game dates", func(t *testing.T) {
		dates, err := store.TeamGameDates(ctx, 1, day("2024-01-01"), day("2024-01-05"))
		require.NoError(t, err)
		assert.Equal(t, []time.Time{day("2024-01-01"), day("2024-01-03")}, dates)
	})

	t.Run("points allowed", func(t *testing.T) {
		summary, err := store.FantasyPointsAllowed(ctx, 2, day("2024-01-01"), day("2024-01-10"))
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Games)
		assert.InDelta(t, (45.5+10)/2, summary.PerGame, 1e-9)
		assert.InDelta(t, (45.5+10)/2, summary.ByPosition["PG"], 1e-9)
	})
}

func TestMemoryStoreMatchesContract(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.AddPlayer(PlayerInfo{ID: 1, Position: "sg", TeamID: 5, IsActive: true})
	store.AddRecords(
		StatRecord{PlayerID: 1, GameDate: day("2024-01-03"), Points: 12, FantasyPoints: 12},
		StatRecord{PlayerID: 1, GameDate: day("2024-01-01"), Points: 8, FantasyPoints: 8},
	)

	recs, err := store.Query(ctx, 1, day("2024-01-01"), day("2024-01-03"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 8.0, recs[0].Points)

	dates, err := store.TeamGameDates(ctx, 5, day("2024-01-01"), day("2024-01-10"))
	require.NoError(t, err)
	assert.Len(t, dates, 2)

	players, err := store.ActivePlayers(ctx, "SG", 0)
	require.NoError(t, err)
	require.Len(t, players, 1)
	assert.Equal(t, "SG", players[0].Position)
	assert.Equal(t, int64(1), store.QueryCount())
}

type failingStore struct {
	*MemoryStore
	calls int
}

func (f *failingStore) Query(ctx context.Context, playerID uint, from, to time.Time) ([]StatRecord, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func TestBreakerStoreTrips(t *testing.T) {
	inner := &failingStore{MemoryStore: NewMemoryStore()}
	store := NewBreakerStore(inner, 2, time.Minute, logrus.NewEntry(logrus.New()))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := store.Query(ctx, 1, day("2024-01-01"), day("2024-01-02"))
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, store.State())

	_, err := store.Query(ctx, 1, day("2024-01-01"), day("2024-01-02"))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, inner.calls)
}

func TestBreakerStoreIgnoresMissingPlayers(t *testing.T) {
	store := NewBreakerStore(NewMemoryStore(), 1, time.Minute, logrus.NewEntry(logrus.New()))
	for i := 0; i < 3; i++ {
		_, err := store.Player(context.Background(), 7)
		assert.ErrorIs(t, err, ErrPlayerNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, store.State())
}
