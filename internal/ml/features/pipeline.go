package features

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stitts-dev/hoops-projections/internal/stats"
)

// Request describes one feature build. Unset game fields are taken from the
// player's game row on AsOf when one is stored; otherwise zero TeamID falls
// back to the player's current team and zero OpponentTeamID means the
// opponent is unknown.
type Request struct {
	PlayerID       uint
	AsOf           time.Time
	TeamID         uint
	OpponentTeamID uint
	IsHome         *bool
	IncludeInjury  bool
}

// BatchResult holds vectors for every player that built successfully.
type BatchResult struct {
	Vectors map[uint]*Vector
	Failed  map[uint]error
}

// Pipeline composes the core builder with the player and game-context
// sub-builders over a single history fetch per player.
type Pipeline struct {
	store        stats.Store
	game         *GameContextBuilder
	lookbackDays int
	workers      int
	logger       *logrus.Entry
	onSubError   func()
}

type PipelineOption func(*Pipeline)

// WithWorkers bounds concurrent per-player work in BuildBatch.
func WithWorkers(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithLogger(logger *logrus.Entry) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// WithSubBuilderErrorHook is called each time a sub-builder failure is skipped.
func WithSubBuilderErrorHook(fn func()) PipelineOption {
	return func(p *Pipeline) { p.onSubError = fn }
}

func NewPipeline(store stats.Store, lookbackDays int, opts ...PipelineOption) *Pipeline {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	p := &Pipeline{
		store:        store,
		game:         NewGameContextBuilder(store),
		lookbackDays: lookbackDays,
		workers:      4,
		logger:       logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) LookbackDays() int {
	return p.lookbackDays
}

// Build fetches the player and history once and composes the full vector.
func (p *Pipeline) Build(ctx context.Context, req Request) (*Vector, error) {
	info, err := p.store.Player(ctx, req.PlayerID)
	if err != nil {
		return nil, err
	}
	asOf := stats.Day(req.AsOf)
	history, err := p.store.Query(ctx, req.PlayerID, asOf.AddDate(0, 0, -p.lookbackDays), asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for player %d: %w", req.PlayerID, err)
	}
	if req.OpponentTeamID == 0 || req.IsHome == nil {
		if rec, ok := p.scheduledGames(ctx, []uint{req.PlayerID}, asOf)[req.PlayerID]; ok {
			req = withGame(req, rec)
		}
	}
	return p.Compose(ctx, info, history, req), nil
}

// scheduledGames maps each player to their game row on date. Training
// examples take team, opponent and venue from the same row, so served
// vectors carry the same matchup context. A failed lookup degrades to no
// matchup.
func (p *Pipeline) scheduledGames(ctx context.Context, ids []uint, date time.Time) map[uint]stats.StatRecord {
	recs, err := p.store.RecordsOnDate(ctx, ids, date)
	if err != nil {
		p.logger.WithError(err).WithField("as_of", date.Format("2006-01-02")).
			Warn("Game rows unavailable, building without matchup context")
		if p.onSubError != nil {
			p.onSubError()
		}
		return nil
	}
	out := make(map[uint]stats.StatRecord, len(recs))
	for _, r := range recs {
		if _, seen := out[r.PlayerID]; !seen {
			out[r.PlayerID] = r
		}
	}
	return out
}

// withGame fills the unset game fields of req from rec.
func withGame(req Request, rec stats.StatRecord) Request {
	if req.TeamID == 0 {
		req.TeamID = rec.TeamID
	}
	if req.OpponentTeamID == 0 {
		req.OpponentTeamID = rec.OpponentTeamID
	}
	if req.IsHome == nil {
		req.IsHome = rec.IsHome
	}
	return req
}

// Compose builds core, player and game-context features from a pre-fetched
// history. Sub-builder failures are logged and their features omitted.
func (p *Pipeline) Compose(ctx context.Context, info *stats.PlayerInfo, history []stats.StatRecord, req Request) *Vector {
	asOf := stats.Day(req.AsOf)
	window := HistoryWindow(history, asOf, p.lookbackDays)

	v := BuildCore(info, window, asOf)
	v.Merge(BuildPlayerFeatures(PlayerContext{
		Info:           info,
		History:        window,
		AsOf:           asOf,
		OpponentTeamID: req.OpponentTeamID,
		IsHome:         req.IsHome,
		IncludeInjury:  req.IncludeInjury,
	}))

	teamID := req.TeamID
	position := ""
	if info != nil {
		if teamID == 0 {
			teamID = info.TeamID
		}
		position = info.Position
	}
	gameVec, err := p.game.Build(ctx, GameRequest{
		TeamID:         teamID,
		OpponentTeamID: req.OpponentTeamID,
		Position:       position,
		Date:           asOf,
	})
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"player_id": req.PlayerID,
			"as_of":     asOf.Format("2006-01-02"),
		}).Warn("Game context features unavailable, continuing with partial features")
		if p.onSubError != nil {
			p.onSubError()
		}
	} else {
		v.Merge(gameVec)
	}

	return v
}

// BuildBatch builds vectors for many players as of one date using a single
// player lookup, a single history query and a single game-row query;
// per-player work then runs on a bounded worker pool. Unknown players land
// in Failed.
func (p *Pipeline) BuildBatch(ctx context.Context, playerIDs []uint, asOf time.Time, includeInjury bool) (*BatchResult, error) {
	asOf = stats.Day(asOf)
	ids := dedupe(playerIDs)

	infos, err := p.store.Players(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load players for batch: %w", err)
	}
	histories, err := p.store.QueryPlayers(ctx, ids, asOf.AddDate(0, 0, -p.lookbackDays), asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch history: %w", err)
	}
	games := p.scheduledGames(ctx, ids, asOf)

	result := &BatchResult{
		Vectors: make(map[uint]*Vector, len(ids)),
		Failed:  make(map[uint]error),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, id := range ids {
		id := id
		info, ok := infos[id]
		if !ok {
			result.Failed[id] = fmt.Errorf("player %d: %w", id, stats.ErrPlayerNotFound)
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			req := Request{PlayerID: id, AsOf: asOf, IncludeInjury: includeInjury}
			if rec, ok := games[id]; ok {
				req = withGame(req, rec)
			}
			v := p.Compose(gctx, info, histories[id], req)
			mu.Lock()
			result.Vectors[id] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

// HistoryWindow slices an ascending history to asOf-lookbackDays <= date < asOf.
func HistoryWindow(history []stats.StatRecord, asOf time.Time, lookbackDays int) []stats.StatRecord {
	asOf = stats.Day(asOf)
	start := asOf.AddDate(0, 0, -lookbackDays)
	lo := sort.Search(len(history), func(i int) bool { return !stats.Day(history[i].GameDate).Before(start) })
	hi := sort.Search(len(history), func(i int) bool { return !stats.Day(history[i].GameDate).Before(asOf) })
	if lo >= hi {
		return nil
	}
	return history[lo:hi]
}

func dedupe(ids []uint) []uint {
	seen := make(map[uint]bool, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
