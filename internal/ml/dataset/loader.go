package dataset

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stitts-dev/hoops-projections/internal/ml/features"
	"github.com/stitts-dev/hoops-projections/internal/stats"
)

// Loader re-derives features as of each historical game date and pairs them
// with the observed outcome.
type Loader struct {
	store    stats.Store
	pipeline *features.Pipeline
	workers  int
	logger   *logrus.Entry
}

func NewLoader(store stats.Store, pipeline *features.Pipeline, workers int, logger *logrus.Entry) *Loader {
	if workers <= 0 {
		workers = 1
	}
	return &Loader{store: store, pipeline: pipeline, workers: workers, logger: logger}
}

type job struct {
	info   *stats.PlayerInfo
	record stats.StatRecord
	target float64
}

// Load builds examples for players with at least minGames games inside the
// inclusive [from, to] window. It returns the dataset and the number of
// player-dates skipped.
func (l *Loader) Load(ctx context.Context, from, to time.Time, stat string, minGames int) (*Dataset, int, error) {
	if !isStatColumn(stat) {
		return nil, 0, fmt.Errorf("unknown target stat %q", stat)
	}
	from, to = stats.Day(from), stats.Day(to)
	ds := &Dataset{Stat: stat}

	eligible, err := l.store.EligiblePlayers(ctx, from, to, minGames)
	if err != nil {
		return nil, 0, err
	}
	if len(eligible) == 0 {
		return ds, 0, nil
	}

	infos, err := l.store.Players(ctx, eligible)
	if err != nil {
		return nil, 0, err
	}

	// One history fetch covering every as-of lookback in the window
	lookback := l.pipeline.LookbackDays()
	histories, err := l.store.QueryPlayers(ctx, eligible, from.AddDate(0, 0, -lookback), to.AddDate(0, 0, 1))
	if err != nil {
		return nil, 0, err
	}

	dates, err := l.store.DistinctGameDates(ctx, from, to)
	if err != nil {
		return nil, 0, err
	}

	byDate := indexByDate(eligible, histories)
	excluded := 0
	var jobs []job
	for _, date := range dates {
		for _, rec := range byDate[date] {
			info, ok := infos[rec.PlayerID]
			if !ok {
				excluded++
				l.logger.WithField("player_id", rec.PlayerID).Warn("Skipping example for unknown player")
				continue
			}
			target, _ := rec.Value(stat)
			if math.IsNaN(target) || math.IsInf(target, 0) {
				excluded++
				continue
			}
			jobs = append(jobs, job{info: info, record: rec, target: target})
		}
	}

	examples := make([]Example, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i := range jobs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			j := jobs[i]
			v := l.pipeline.Compose(gctx, j.info, histories[j.info.ID], features.Request{
				PlayerID:       j.info.ID,
				AsOf:           j.record.GameDate,
				TeamID:         j.record.TeamID,
				OpponentTeamID: j.record.OpponentTeamID,
				IsHome:         j.record.IsHome,
			})
			examples[i] = Example{Features: v, Target: j.target, PlayerID: j.info.ID, AsOf: j.record.GameDate}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	ds.Examples = examples
	l.logger.WithFields(logrus.Fields{
		"stat_type": stat,
		"from":      from.Format("2006-01-02"),
		"to":        to.Format("2006-01-02"),
		"players":   len(eligible),
		"examples":  len(examples),
		"excluded":  excluded,
	}).Info("Loaded training examples")

	return ds, excluded, nil
}

// LoadForDate builds examples for every player who played on date.
func (l *Loader) LoadForDate(ctx context.Context, date time.Time, stat string) (*Dataset, int, error) {
	return l.Load(ctx, date, date, stat, 1)
}

// indexByDate groups each eligible player's records by game date, with
// players in ascending id order inside a date.
func indexByDate(eligible []uint, histories map[uint][]stats.StatRecord) map[time.Time][]stats.StatRecord {
	ids := make([]uint, len(eligible))
	copy(ids, eligible)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make(map[time.Time][]stats.StatRecord)
	for _, id := range ids {
		for _, rec := range histories[id] {
			d := stats.Day(rec.GameDate)
			out[d] = append(out[d], rec)
		}
	}
	return out
}

func isStatColumn(stat string) bool {
	for _, c := range stats.Columns {
		if c == stat {
			return true
		}
	}
	return false
}
