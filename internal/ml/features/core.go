package features

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stitts-dev/hoops-projections/internal/stats"
)

const (
	DefaultLookbackDays = 90
	DefaultPlayerAge    = 27.0
	DefaultDaysRest     = 3.0

	trendMinGames  = 10
	trendRecent    = 5
	formMinGames   = 3
	daysPerYear    = 365.25
	backToBackDays = 1
)

// RollingWindows are the trailing game counts averaged for every stat.
var RollingWindows = []int{3, 5, 10, 15, 30}

type ratio struct {
	name      string
	made      string
	attempted string
}

var shootingRatios = []ratio{
	{"field_goal_pct", stats.FieldGoalsMade, stats.FieldGoalsAttempted},
	{"three_point_pct", stats.ThreePointersMade, stats.ThreePointersAttempted},
	{"free_throw_pct", stats.FreeThrowsMade, stats.FreeThrowsAttempted},
}

var positions = []string{"PG", "SG", "SF", "PF", "C"}

// AvgName is the rolling average feature for stat over window games.
func AvgName(stat string, window int) string {
	return fmt.Sprintf("%s_avg_%dg", stat, window)
}

func TrendName(stat string) string { return stat + "_trend" }
func CVName(stat string) string    { return stat + "_cv" }
func StdName(stat string) string   { return stat + "_std" }

// Builder produces the core per-player feature vector.
type Builder struct {
	history      stats.HistoryReader
	players      stats.PlayerDirectory
	lookbackDays int
}

func NewBuilder(store stats.Store, lookbackDays int) *Builder {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	return &Builder{history: store, players: store, lookbackDays: lookbackDays}
}

func (b *Builder) LookbackDays() int {
	return b.lookbackDays
}

// Build returns the core vector for playerID as of asOf. A player with no
// games in the lookback window gets the default vector, not an error.
func (b *Builder) Build(ctx context.Context, playerID uint, asOf time.Time) (*Vector, error) {
	info, err := b.players.Player(ctx, playerID)
	if err != nil {
		return nil, err
	}

	asOf = stats.Day(asOf)
	history, err := b.history.Query(ctx, playerID, asOf.AddDate(0, 0, -b.lookbackDays), asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for player %d: %w", playerID, err)
	}

	return BuildCore(info, history, asOf), nil
}

// BuildCore derives the core features from history. Records on or after
// asOf are ignored regardless of what the caller passed in.
func BuildCore(info *stats.PlayerInfo, history []stats.StatRecord, asOf time.Time) *Vector {
	games := priorGames(history, asOf)
	v := NewVector(160)

	addStatic(v, info, asOf)
	addRolling(v, games)
	addTrend(v, games)
	addConsistency(v, games)
	addUsage(v, games)
	addRest(v, games, asOf)
	addForm(v, games)

	return v
}

// priorGames returns a date-ordered copy of the records strictly before asOf.
func priorGames(history []stats.StatRecord, asOf time.Time) []stats.StatRecord {
	cutoff := stats.Day(asOf)
	out := make([]stats.StatRecord, 0, len(history))
	for _, r := range history {
		if stats.Day(r.GameDate).Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].GameDate.Before(out[j].GameDate) })
	return out
}

// column extracts one stat across games.
func column(games []stats.StatRecord, stat string) []float64 {
	out := make([]float64, len(games))
	for i := range games {
		out[i], _ = games[i].Value(stat)
	}
	return out
}

// tail returns the last n games, or all of them when fewer exist.
func tail(games []stats.StatRecord, n int) []stats.StatRecord {
	if len(games) <= n {
		return games
	}
	return games[len(games)-n:]
}

func addStatic(v *Vector, info *stats.PlayerInfo, asOf time.Time) {
	position := ""
	if info != nil {
		position = info.Position
	}
	for _, pos := range positions {
		v.SetBool("player_position_"+strings.ToLower(pos), position == pos)
	}

	age := DefaultPlayerAge
	if info != nil && info.BirthDate != nil {
		age = stats.Day(asOf).Sub(stats.Day(*info.BirthDate)).Hours() / 24 / daysPerYear
	}
	v.Set("player_age", age)
}

func addRolling(v *Vector, games []stats.StatRecord) {
	for _, window := range RollingWindows {
		recent := tail(games, window)
		for _, stat := range stats.Columns {
			v.Set(AvgName(stat, window), mean(column(recent, stat)))
		}
	}

	for _, r := range shootingRatios {
		for _, window := range RollingWindows {
			recent := tail(games, window)
			v.Set(fmt.Sprintf("%s_%dg", r.name, window),
				safeDiv(sum(column(recent, r.made)), sum(column(recent, r.attempted))))
		}
	}
}

func addTrend(v *Vector, games []stats.StatRecord) {
	enough := len(games) >= trendMinGames
	recent := tail(games, trendRecent)
	for _, stat := range stats.Columns {
		if !enough {
			v.Set(TrendName(stat), 0)
			continue
		}
		v.Set(TrendName(stat), relativeChange(mean(column(recent, stat)), mean(column(games, stat))))
	}
}

func addConsistency(v *Vector, games []stats.StatRecord) {
	for _, stat := range stats.Columns {
		values := column(games, stat)
		m := mean(values)
		std := popStdDev(values)
		if m > 0 {
			v.Set(CVName(stat), std/m)
		} else {
			v.Set(CVName(stat), 0)
		}
		v.Set(StdName(stat), std)
	}
}

func addUsage(v *Vector, games []stats.StatRecord) {
	v.Set("games_played", float64(len(games)))
	v.Set("avg_minutes_season", mean(column(games, stats.Minutes)))
	v.Set("fga_per_game", mean(column(games, stats.FieldGoalsAttempted)))
	v.Set("fta_per_game", mean(column(games, stats.FreeThrowsAttempted)))

	assists := sum(column(games, stats.Assists))
	turnovers := sum(column(games, stats.Turnovers))
	if turnovers > 0 {
		v.Set("ast_to_ratio", assists/turnovers)
	} else {
		v.Set("ast_to_ratio", assists)
	}
}

func addRest(v *Vector, games []stats.StatRecord, asOf time.Time) {
	if len(games) == 0 {
		v.Set("days_rest", DefaultDaysRest)
		v.Set("games_last_7d", 0)
		v.Set("games_last_14d", 0)
		v.SetBool("back_to_back", false)
		return
	}

	day := stats.Day(asOf)
	rest := stats.DaysBetween(games[len(games)-1].GameDate, day)
	weekAgo := day.AddDate(0, 0, -7)
	twoWeeksAgo := day.AddDate(0, 0, -14)

	last7, last14 := 0, 0
	for _, g := range games {
		d := stats.Day(g.GameDate)
		if !d.Before(weekAgo) {
			last7++
		}
		if !d.Before(twoWeeksAgo) {
			last14++
		}
	}

	v.Set("days_rest", float64(rest))
	v.Set("games_last_7d", float64(last7))
	v.Set("games_last_14d", float64(last14))
	v.SetBool("back_to_back", rest == backToBackDays)
}

func addForm(v *Vector, games []stats.StatRecord) {
	if len(games) < formMinGames {
		v.Set("fantasy_momentum", 0)
		v.SetBool("hot_streak", false)
		v.SetBool("cold_streak", false)
		return
	}

	season := mean(column(games, stats.FantasyPointsStat))
	recent := column(tail(games, formMinGames), stats.FantasyPointsStat)

	hot, cold := true, true
	for _, fp := range recent {
		hot = hot && fp > season
		cold = cold && fp < season
	}

	v.Set("fantasy_momentum", relativeChange(mean(recent), season))
	v.SetBool("hot_streak", hot)
	v.SetBool("cold_streak", cold)
}
