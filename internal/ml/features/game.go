package features

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stitts-dev/hoops-projections/internal/stats"
)

// League-average fallbacks for teams without recorded aggregates.
const (
	DefaultDefRating    = 112.0
	DefaultPace         = 100.0
	DefaultFPAllowed    = 45.0
	highPaceThreshold   = 102.0
	denseScheduleGames  = 4
	scheduleWindowDays  = 14
	allowedWindowDays   = 30
	maxContextCacheSize = 4096
)

var defaultFPAllowedByPosition = map[string]float64{
	"PG": 45.0,
	"SG": 40.0,
	"SF": 38.0,
	"PF": 40.0,
	"C":  42.0,
}

var weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// GameRequest identifies the game being projected.
type GameRequest struct {
	TeamID         uint
	OpponentTeamID uint
	Position       string
	Date           time.Time
}

type teamDay struct {
	team uint
	date time.Time
}

type teamProfile struct {
	defRating float64
	pace      float64
}

// GameContextBuilder derives opponent, pace, rest, schedule density and
// calendar features. Team lookups are cached per team (ratings) and per
// team-date (schedules and points allowed); the underlying history is
// append-only so cached values never go stale.
type GameContextBuilder struct {
	teams stats.TeamDirectory

	mu        sync.Mutex
	profiles  map[uint]teamProfile
	schedules map[teamDay][]time.Time
	allowed   map[teamDay]*stats.AllowedSummary
}

func NewGameContextBuilder(teams stats.TeamDirectory) *GameContextBuilder {
	return &GameContextBuilder{
		teams:     teams,
		profiles:  make(map[uint]teamProfile),
		schedules: make(map[teamDay][]time.Time),
		allowed:   make(map[teamDay]*stats.AllowedSummary),
	}
}

// Build always emits the same feature names; unknown teams use league
// defaults.
func (g *GameContextBuilder) Build(ctx context.Context, req GameRequest) (*Vector, error) {
	date := stats.Day(req.Date)
	v := NewVector(40)

	team, err := g.profile(ctx, req.TeamID)
	if err != nil {
		return nil, err
	}
	opp, err := g.profile(ctx, req.OpponentTeamID)
	if err != nil {
		return nil, err
	}

	// Opponent strength
	fpAllowed, fpAllowedPos := DefaultFPAllowed, positionDefault(req.Position)
	if req.OpponentTeamID != 0 {
		summary, err := g.pointsAllowed(ctx, req.OpponentTeamID, date)
		if err != nil {
			return nil, err
		}
		if summary != nil && summary.Games > 0 {
			fpAllowed = summary.PerGame
			if pos, ok := summary.ByPosition[strings.ToUpper(req.Position)]; ok {
				fpAllowedPos = pos
			}
		}
	}
	v.Set("opp_def_rating", opp.defRating)
	v.Set("opp_pace", opp.pace)
	v.Set("opp_fp_allowed", fpAllowed)
	v.Set("opp_fp_allowed_position", fpAllowedPos)
	v.Set("opp_def_vs_avg", opp.defRating-DefaultDefRating)

	// Pace
	expected := (team.pace + opp.pace) / 2
	v.Set("expected_pace", expected)
	v.Set("pace_vs_avg", expected-DefaultPace)
	v.SetBool("is_high_pace_game", expected > highPaceThreshold)

	// Rest advantage
	teamDates, err := g.schedule(ctx, req.TeamID, date)
	if err != nil {
		return nil, err
	}
	oppDates, err := g.schedule(ctx, req.OpponentTeamID, date)
	if err != nil {
		return nil, err
	}
	teamRest := restDays(teamDates, date)
	oppRest := restDays(oppDates, date)
	v.Set("team_rest_days", teamRest)
	v.Set("opp_rest_days", oppRest)
	v.Set("rest_advantage", teamRest-oppRest)
	v.SetBool("team_b2b", teamRest == backToBackDays)
	v.SetBool("opp_b2b", oppRest == backToBackDays)

	// Schedule density
	lastWeek := countSince(teamDates, date.AddDate(0, 0, -7))
	v.Set("team_games_last_7d", float64(lastWeek))
	v.SetBool("dense_schedule", lastWeek >= denseScheduleGames)

	addCalendar(v, date)
	return v, nil
}

func (g *GameContextBuilder) profile(ctx context.Context, teamID uint) (teamProfile, error) {
	p := teamProfile{defRating: DefaultDefRating, pace: DefaultPace}
	if teamID == 0 {
		return p, nil
	}

	g.mu.Lock()
	cached, ok := g.profiles[teamID]
	g.mu.Unlock()
	if ok {
		return cached, nil
	}

	ratings, err := g.teams.TeamRatings(ctx, teamID)
	if err != nil {
		return p, fmt.Errorf("failed to load ratings for team %d: %w", teamID, err)
	}
	if ratings != nil {
		if ratings.DefensiveRating != nil {
			p.defRating = *ratings.DefensiveRating
		}
		if ratings.Pace != nil {
			p.pace = *ratings.Pace
		}
	}

	g.mu.Lock()
	g.profiles[teamID] = p
	g.mu.Unlock()
	return p, nil
}

func (g *GameContextBuilder) schedule(ctx context.Context, teamID uint, date time.Time) ([]time.Time, error) {
	if teamID == 0 {
		return nil, nil
	}
	key := teamDay{teamID, date}

	g.mu.Lock()
	cached, ok := g.schedules[key]
	g.mu.Unlock()
	if ok {
		return cached, nil
	}

	dates, err := g.teams.TeamGameDates(ctx, teamID, date.AddDate(0, 0, -scheduleWindowDays), date)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule for team %d: %w", teamID, err)
	}

	g.mu.Lock()
	if len(g.schedules) >= maxContextCacheSize {
		g.schedules = make(map[teamDay][]time.Time)
	}
	g.schedules[key] = dates
	g.mu.Unlock()
	return dates, nil
}

func (g *GameContextBuilder) pointsAllowed(ctx context.Context, teamID uint, date time.Time) (*stats.AllowedSummary, error) {
	key := teamDay{teamID, date}

	g.mu.Lock()
	cached, ok := g.allowed[key]
	g.mu.Unlock()
	if ok {
		return cached, nil
	}

	summary, err := g.teams.FantasyPointsAllowed(ctx, teamID, date.AddDate(0, 0, -allowedWindowDays), date)
	if err != nil {
		return nil, fmt.Errorf("failed to load points allowed by team %d: %w", teamID, err)
	}

	g.mu.Lock()
	if len(g.allowed) >= maxContextCacheSize {
		g.allowed = make(map[teamDay]*stats.AllowedSummary)
	}
	g.allowed[key] = summary
	g.mu.Unlock()
	return summary, nil
}

func positionDefault(position string) float64 {
	if v, ok := defaultFPAllowedByPosition[strings.ToUpper(position)]; ok {
		return v
	}
	return DefaultFPAllowed
}

// restDays counts days since the latest date strictly before day.
func restDays(dates []time.Time, day time.Time) float64 {
	var last time.Time
	for _, d := range dates {
		if d.Before(day) && d.After(last) {
			last = d
		}
	}
	if last.IsZero() {
		return DefaultDaysRest
	}
	return float64(stats.DaysBetween(last, day))
}

func countSince(dates []time.Time, since time.Time) int {
	n := 0
	for _, d := range dates {
		if !d.Before(since) {
			n++
		}
	}
	return n
}

func addCalendar(v *Vector, date time.Time) {
	// Monday-first indexing
	dow := (int(date.Weekday()) + 6) % 7
	for i, name := range weekdays {
		v.SetBool("dow_"+name, i == dow)
	}
	v.SetBool("is_weekend", dow >= 5)
	v.Set("month", float64(date.Month()))

	switch date.Month() {
	case time.October, time.November:
		v.SetBool("season_phase_early", true)
		v.SetBool("season_phase_mid", false)
		v.SetBool("season_phase_late", false)
	case time.December, time.January, time.February:
		v.SetBool("season_phase_early", false)
		v.SetBool("season_phase_mid", true)
		v.SetBool("season_phase_late", false)
	default:
		v.SetBool("season_phase_early", false)
		v.SetBool("season_phase_mid", false)
		v.SetBool("season_phase_late", true)
	}
}
