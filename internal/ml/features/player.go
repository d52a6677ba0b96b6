package features

import (
	"time"

	"github.com/stitts-dev/hoops-projections/internal/models"
	"github.com/stitts-dev/hoops-projections/internal/stats"
)

const (
	roleWindowDays    = 30
	perMinuteDays     = 30
	ceilingWindowDays = 60
	minRoleGames      = 5
	minCeilingGames   = 5
	starterMinutes    = 20.0
	homeBoost         = 0.02
)

// PlayerContext is everything the player sub-builder reads. History must be
// the same pre-fetched slice the core builder used.
type PlayerContext struct {
	Info           *stats.PlayerInfo
	History        []stats.StatRecord
	AsOf           time.Time
	OpponentTeamID uint
	IsHome         *bool
	IncludeInjury  bool
}

// BuildPlayerFeatures derives role, per-minute, ceiling/floor, venue and
// matchup features. Injury flags are only emitted for non-healthy players.
func BuildPlayerFeatures(pc PlayerContext) *Vector {
	v := NewVector(32)
	games := priorGames(pc.History, pc.AsOf)

	if pc.IncludeInjury {
		addInjury(v, pc.Info)
	}
	addRole(v, sinceDays(games, pc.AsOf, roleWindowDays))
	addPerMinute(v, sinceDays(games, pc.AsOf, perMinuteDays))
	addCeilingFloor(v, sinceDays(games, pc.AsOf, ceilingWindowDays))
	if pc.IsHome != nil {
		v.SetBool("is_home_game", *pc.IsHome)
		if *pc.IsHome {
			v.Set("home_fp_boost", homeBoost)
		} else {
			v.Set("home_fp_boost", -homeBoost)
		}
	}
	if pc.OpponentTeamID != 0 {
		addMatchup(v, games, pc.OpponentTeamID)
	}

	return v
}

// sinceDays keeps games within the trailing days before asOf.
func sinceDays(games []stats.StatRecord, asOf time.Time, days int) []stats.StatRecord {
	start := stats.Day(asOf).AddDate(0, 0, -days)
	for i, g := range games {
		if !stats.Day(g.GameDate).Before(start) {
			return games[i:]
		}
	}
	return nil
}

func addInjury(v *Vector, info *stats.PlayerInfo) {
	if info == nil {
		return
	}
	status := models.InjuryStatus(info.InjuryStatus)
	if status == "" || status == models.InjuryHealthy {
		return
	}
	v.SetBool("is_injured", true)
	v.SetBool("injury_status_gtd", status == models.InjuryQuestionable || status == models.InjuryDayToDay)
	v.SetBool("injury_status_out", status == models.InjuryOut)
	v.SetBool("injury_status_doubtful", status == models.InjuryDoubtful)
}

func addRole(v *Vector, games []stats.StatRecord) {
	if len(games) < minRoleGames {
		v.Set("minutes_trend", 0)
		v.Set("usage_trend", 0)
		v.Set("starting_pct", 0.5)
		return
	}

	half := len(games) / 2
	first, second := games[:half], games[len(games)-half:]

	v.Set("minutes_trend", relativeChange(
		mean(column(second, stats.Minutes)),
		mean(column(first, stats.Minutes)),
	))
	v.Set("usage_trend", relativeChange(usageRate(second), usageRate(first)))

	starts := 0
	for _, g := range games {
		if g.Minutes >= starterMinutes {
			starts++
		}
	}
	v.Set("starting_pct", float64(starts)/float64(len(games)))
}

// usageRate is mean field-goal attempts per minute, treating 0 minutes as 1.
func usageRate(games []stats.StatRecord) float64 {
	rates := make([]float64, len(games))
	for i, g := range games {
		minutes := g.Minutes
		if minutes == 0 {
			minutes = 1
		}
		rates[i] = g.FieldGoalsAttempted / minutes
	}
	return mean(rates)
}

func addPerMinute(v *Vector, games []stats.StatRecord) {
	minutes := sum(column(games, stats.Minutes))
	v.Set("pts_per_min", safeDiv(sum(column(games, stats.Points)), minutes))
	v.Set("reb_per_min", safeDiv(sum(column(games, stats.Rebounds)), minutes))
	v.Set("ast_per_min", safeDiv(sum(column(games, stats.Assists)), minutes))
	v.Set("fp_per_min", safeDiv(sum(column(games, stats.FantasyPointsStat)), minutes))
}

func addCeilingFloor(v *Vector, games []stats.StatRecord) {
	if len(games) < minCeilingGames {
		v.Set("fp_ceiling", 0)
		v.Set("fp_floor", 0)
		v.Set("fp_range", 0)
		v.Set("upside_games_pct", 0)
		return
	}

	fp := column(games, stats.FantasyPointsStat)
	ceiling := percentile(fp, 0.9)
	floor := percentile(fp, 0.1)
	p75 := percentile(fp, 0.75)

	upside := 0
	for _, x := range fp {
		if x > p75 {
			upside++
		}
	}

	v.Set("fp_ceiling", ceiling)
	v.Set("fp_floor", floor)
	v.Set("fp_range", ceiling-floor)
	v.Set("upside_games_pct", float64(upside)/float64(len(fp)))
}

func addMatchup(v *Vector, games []stats.StatRecord, opponent uint) {
	var vs []float64
	for _, g := range games {
		if g.OpponentTeamID == opponent {
			vs = append(vs, g.FantasyPoints)
		}
	}
	overall := mean(column(games, stats.FantasyPointsStat))
	vsAvg := mean(vs)

	v.Set("vs_opponent_games", float64(len(vs)))
	v.Set("vs_opponent_fp_avg", vsAvg)
	if len(vs) == 0 {
		v.Set("vs_opponent_fp_boost", 0)
		return
	}
	v.Set("vs_opponent_fp_boost", relativeChange(vsAvg, overall))
}
