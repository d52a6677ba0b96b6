package features

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitts-dev/hoops-projections/internal/stats"
)

var baseDate = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func gameLine(playerID uint, dayOffset int, points float64) stats.StatRecord {
	r := stats.StatRecord{
		PlayerID:            playerID,
		GameDate:            baseDate.AddDate(0, 0, dayOffset),
		TeamID:              10,
		OpponentTeamID:      20,
		Minutes:             30,
		Points:              points,
		Rebounds:            5,
		Assists:             4,
		Turnovers:           2,
		FieldGoalsMade:      points / 2,
		FieldGoalsAttempted: points,
		FreeThrowsAttempted: 0,
	}
	r.FantasyPoints = stats.FantasyPoints(r.Points, r.Rebounds, r.Assists, r.Steals, r.Blocks, r.Turnovers)
	return r
}

// seedStore gives player 1 a game every other day with points 10, 11, 12...
func seedStore(games int) *stats.MemoryStore {
	store := stats.NewMemoryStore()
	birth := time.Date(1997, 1, 1, 0, 0, 0, 0, time.UTC)
	store.AddPlayer(stats.PlayerInfo{ID: 1, Position: "PG", TeamID: 10, BirthDate: &birth, IsActive: true, InjuryStatus: "healthy"})
	store.AddPlayer(stats.PlayerInfo{ID: 2, Position: "C", TeamID: 20, IsActive: true, InjuryStatus: "out"})
	for i := 0; i < games; i++ {
		store.AddRecords(gameLine(1, i*2, float64(10+i)))
	}
	return store
}

func TestFantasyPointsLine(t *testing.T) {
	r := stats.StatRecord{Points: 20, Rebounds: 10, Assists: 5, Steals: 2, Blocks: 1, Turnovers: 3}
	assert.InDelta(t, 45.5, stats.FantasyPoints(r.Points, r.Rebounds, r.Assists, r.Steals, r.Blocks, r.Turnovers), 1e-9)
}

func TestBuildIsPure(t *testing.T) {
	store := seedStore(20)
	b := NewBuilder(store, 90)
	asOf := baseDate.AddDate(0, 0, 45)

	first, err := b.Build(context.Background(), 1, asOf)
	require.NoError(t, err)
	second, err := b.Build(context.Background(), 1, asOf)
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
}

func TestBuildExcludesAsOfDate(t *testing.T) {
	store := seedStore(10)
	b := NewBuilder(store, 90)
	asOf := baseDate.AddDate(0, 0, 30)

	before, err := b.Build(context.Background(), 1, asOf)
	require.NoError(t, err)

	extreme := gameLine(1, 30, 500)
	store.AddRecords(extreme)

	after, err := b.Build(context.Background(), 1, asOf)
	require.NoError(t, err)
	assert.True(t, before.Equal(after), "a game on the as-of date must not change its own features")

	// And the pure entry point ignores leaked records even when handed them
	history, _ := store.Query(context.Background(), 1, baseDate, asOf.AddDate(0, 0, 5))
	info, _ := store.Player(context.Background(), 1)
	assert.True(t, before.Equal(BuildCore(info, history, asOf)))
}

func TestRollingWindowsUseAvailableGames(t *testing.T) {
	store := seedStore(4) // points 10, 11, 12, 13
	b := NewBuilder(store, 90)

	v, err := b.Build(context.Background(), 1, baseDate.AddDate(0, 0, 10))
	require.NoError(t, err)

	tests := []struct {
		window   int
		expected float64
	}{
		{3, (11 + 12 + 13) / 3.0},
		{5, (10 + 11 + 12 + 13) / 4.0},
		{30, (10 + 11 + 12 + 13) / 4.0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.expected, v.Value(AvgName(stats.Points, tt.window)), 1e-9, "window %d", tt.window)
	}
	assert.InDelta(t, 0.5, v.Value("field_goal_pct_3g"), 1e-9)
	assert.Equal(t, 0.0, v.Value("free_throw_pct_5g"), "zero attempts yields zero percentage")
}

func TestEmptyHistoryVectorHasFullShape(t *testing.T) {
	store := seedStore(12)
	b := NewBuilder(store, 90)

	full, err := b.Build(context.Background(), 1, baseDate.AddDate(0, 0, 40))
	require.NoError(t, err)
	empty, err := b.Build(context.Background(), 2, baseDate.AddDate(0, 0, 40))
	require.NoError(t, err)

	assert.Equal(t, full.Names(), empty.Names())
	assert.Equal(t, 3.0, empty.Value("days_rest"))
	assert.Equal(t, 0.0, empty.Value("games_played"))
	assert.Equal(t, 1.0, empty.Value("player_position_c"))
	assert.Equal(t, DefaultPlayerAge, empty.Value("player_age"))
}

func TestTrendConsistencyAndForm(t *testing.T) {
	t.Run("trend needs ten games", func(t *testing.T) {
		v := BuildCore(nil, seedStore(9).History(1), baseDate.AddDate(0, 0, 30))
		assert.Equal(t, 0.0, v.Value(TrendName(stats.Points)))
	})

	t.Run("trend compares last five with season", func(t *testing.T) {
		// points 10..19, last five 15..19
		v := BuildCore(nil, seedStore(10).History(1), baseDate.AddDate(0, 0, 30))
		assert.InDelta(t, (17.0-14.5)/14.5, v.Value(TrendName(stats.Points)), 1e-9)
	})

	t.Run("population std and cv", func(t *testing.T) {
		v := BuildCore(nil, seedStore(2).History(1), baseDate.AddDate(0, 0, 30))
		// points 10, 11 -> population std 0.5
		assert.InDelta(t, 0.5, v.Value(StdName(stats.Points)), 1e-9)
		assert.InDelta(t, 0.5/10.5, v.Value(CVName(stats.Points)), 1e-9)
	})

	t.Run("hot streak", func(t *testing.T) {
		v := BuildCore(nil, seedStore(6).History(1), baseDate.AddDate(0, 0, 30))
		assert.Equal(t, 1.0, v.Value("hot_streak"))
		assert.Equal(t, 0.0, v.Value("cold_streak"))
		assert.Greater(t, v.Value("fantasy_momentum"), 0.0)
	})
}

func TestRestFeatures(t *testing.T) {
	store := seedStore(5) // days 0, 2, 4, 6, 8
	v := BuildCore(nil, store.History(1), baseDate.AddDate(0, 0, 9))

	assert.Equal(t, 1.0, v.Value("days_rest"))
	assert.Equal(t, 1.0, v.Value("back_to_back"))
	assert.Equal(t, 4.0, v.Value("games_last_7d"))
	assert.Equal(t, 5.0, v.Value("games_last_14d"))
}

func TestPlayerFeatures(t *testing.T) {
	store := seedStore(12)
	history := store.History(1)
	asOf := baseDate.AddDate(0, 0, 24)

	t.Run("healthy players carry no injury flags", func(t *testing.T) {
		info, _ := store.Player(context.Background(), 1)
		v := BuildPlayerFeatures(PlayerContext{Info: info, History: history, AsOf: asOf, IncludeInjury: true})
		assert.False(t, v.Has("is_injured"))
		assert.Equal(t, 1.0, v.Value("starting_pct"))
		assert.Greater(t, v.Value("fp_ceiling"), v.Value("fp_floor"))
		assert.False(t, v.Has("is_home_game"))
	})

	t.Run("injured player flags", func(t *testing.T) {
		info, _ := store.Player(context.Background(), 2)
		v := BuildPlayerFeatures(PlayerContext{Info: info, AsOf: asOf, IncludeInjury: true})
		assert.Equal(t, 1.0, v.Value("is_injured"))
		assert.Equal(t, 1.0, v.Value("injury_status_out"))
		assert.Equal(t, 0.5, v.Value("starting_pct"), "too few games falls back to default role")
	})

	t.Run("venue and matchup", func(t *testing.T) {
		home := true
		v := BuildPlayerFeatures(PlayerContext{History: history, AsOf: asOf, IsHome: &home, OpponentTeamID: 20})
		assert.Equal(t, 0.02, v.Value("home_fp_boost"))
		assert.Equal(t, 12.0, v.Value("vs_opponent_games"))
	})
}

func TestGameContextDefaults(t *testing.T) {
	store := stats.NewMemoryStore()
	g := NewGameContextBuilder(store)

	// 2024-01-06 is a Saturday
	v, err := g.Build(context.Background(), GameRequest{Date: time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC), Position: "C"})
	require.NoError(t, err)

	assert.Equal(t, DefaultDefRating, v.Value("opp_def_rating"))
	assert.Equal(t, 42.0, v.Value("opp_fp_allowed_position"))
	assert.Equal(t, 0.0, v.Value("rest_advantage"))
	assert.Equal(t, 1.0, v.Value("dow_saturday"))
	assert.Equal(t, 1.0, v.Value("is_weekend"))
	assert.Equal(t, 1.0, v.Value("season_phase_mid"))
	assert.Equal(t, 1.0, v.Value("month"))
}

func TestGameContextRestAdvantage(t *testing.T) {
	store := seedStore(5) // team 10 plays days 0..8
	pace := 106.0
	store.AddTeam(stats.TeamRatings{TeamID: 20, Pace: &pace})
	g := NewGameContextBuilder(store)

	v, err := g.Build(context.Background(), GameRequest{TeamID: 10, OpponentTeamID: 20, Date: baseDate.AddDate(0, 0, 9)})
	require.NoError(t, err)

	assert.Equal(t, 1.0, v.Value("team_rest_days"))
	assert.Equal(t, 3.0, v.Value("opp_rest_days"))
	assert.Equal(t, -2.0, v.Value("rest_advantage"))
	assert.Equal(t, 1.0, v.Value("team_b2b"))
	assert.Equal(t, 4.0, v.Value("team_games_last_7d"))
	assert.Equal(t, 1.0, v.Value("dense_schedule"))
	assert.Equal(t, 103.0, v.Value("expected_pace"))
	assert.Equal(t, 1.0, v.Value("is_high_pace_game"))
}

func TestBuildBatchUsesSingleHistoryQuery(t *testing.T) {
	store := seedStore(15)
	for i := 0; i < 8; i++ {
		store.AddRecords(gameLine(2, i*3, 8))
	}
	p := NewPipeline(store, 90, WithWorkers(2))
	asOf := baseDate.AddDate(0, 0, 40)

	result, err := p.BuildBatch(context.Background(), []uint{1, 2, 99, 1}, asOf, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.QueryCount())
	assert.Len(t, result.Vectors, 2)
	assert.Contains(t, result.Failed, uint(99))

	single, err := p.Build(context.Background(), Request{PlayerID: 1, AsOf: asOf})
	require.NoError(t, err)
	assert.True(t, single.Equal(result.Vectors[1]), "batch and single builds must agree")
}

func TestVectorProjectZeroFills(t *testing.T) {
	v := NewVector(2)
	v.Set("a", 1.5)
	v.SetBool("flag", true)

	assert.Equal(t, []float64{1, 0, 1.5}, v.Project([]string{"flag", "missing", "a"}))
}
