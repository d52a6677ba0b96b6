package stats

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is an in-process Store for fixtures and tests. It counts
// history queries so callers can assert on query fan-out.
type MemoryStore struct {
	mu      sync.RWMutex
	players map[uint]*PlayerInfo
	teams   map[uint]*TeamRatings
	records map[uint][]StatRecord

	queries atomic.Int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players: make(map[uint]*PlayerInfo),
		teams:   make(map[uint]*TeamRatings),
		records: make(map[uint][]StatRecord),
	}
}

func (m *MemoryStore) AddPlayer(p PlayerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Position = strings.ToUpper(p.Position)
	m.players[p.ID] = &p
}

func (m *MemoryStore) AddTeam(t TeamRatings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teams[t.TeamID] = &t
}

// AddRecords appends box scores, keeping each player's history date-ordered.
func (m *MemoryStore) AddRecords(records ...StatRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := map[uint]bool{}
	for _, r := range records {
		r.GameDate = Day(r.GameDate)
		m.records[r.PlayerID] = append(m.records[r.PlayerID], r)
		touched[r.PlayerID] = true
	}
	for id := range touched {
		recs := m.records[id]
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].GameDate.Before(recs[j].GameDate) })
	}
}

// History returns every stored record for a player without counting a query.
func (m *MemoryStore) History(playerID uint) []StatRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StatRecord, len(m.records[playerID]))
	copy(out, m.records[playerID])
	return out
}

// QueryCount is the number of history queries served so far.
func (m *MemoryStore) QueryCount() int64 {
	return m.queries.Load()
}

func (m *MemoryStore) Query(ctx context.Context, playerID uint, from, to time.Time) ([]StatRecord, error) {
	m.queries.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.window(playerID, Day(from), Day(to)), nil
}

func (m *MemoryStore) QueryPlayers(ctx context.Context, playerIDs []uint, from, to time.Time) (map[uint][]StatRecord, error) {
	m.queries.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint][]StatRecord, len(playerIDs))
	for _, id := range playerIDs {
		if recs := m.window(id, Day(from), Day(to)); len(recs) > 0 {
			out[id] = recs
		}
	}
	return out, nil
}

func (m *MemoryStore) window(playerID uint, from, to time.Time) []StatRecord {
	var out []StatRecord
	for _, r := range m.records[playerID] {
		if !r.GameDate.Before(from) && r.GameDate.Before(to) {
			out = append(out, r)
		}
	}
	return out
}

func (m *MemoryStore) EligiblePlayers(ctx context.Context, from, to time.Time, minGames int) ([]uint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	end := Day(to).AddDate(0, 0, 1)
	var ids []uint
	for id := range m.records {
		if len(m.window(id, Day(from), end)) >= minGames {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) DistinctGameDates(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start, end := Day(from), Day(to)
	seen := map[time.Time]bool{}
	for _, recs := range m.records {
		for _, r := range recs {
			if !r.GameDate.Before(start) && !r.GameDate.After(end) {
				seen[r.GameDate] = true
			}
		}
	}
	return sortedDates(seen), nil
}

func (m *MemoryStore) RecordsOnDate(ctx context.Context, playerIDs []uint, date time.Time) ([]StatRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	day := Day(date)
	var out []StatRecord
	for _, id := range playerIDs {
		out = append(out, m.window(id, day, day.AddDate(0, 0, 1))...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out, nil
}

func (m *MemoryStore) Player(ctx context.Context, playerID uint) (*PlayerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.players[playerID]
	if !ok {
		return nil, fmt.Errorf("player %d: %w", playerID, ErrPlayerNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Players(ctx context.Context, playerIDs []uint) (map[uint]*PlayerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint]*PlayerInfo, len(playerIDs))
	for _, id := range playerIDs {
		if p, ok := m.players[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *MemoryStore) ActivePlayers(ctx context.Context, position string, limit int) ([]PlayerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PlayerInfo
	for _, p := range m.players {
		if !p.IsActive {
			continue
		}
		if position != "" && p.Position != strings.ToUpper(position) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TeamRatings(ctx context.Context, teamID uint) (*TeamRatings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teams[teamID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) TeamGameDates(ctx context.Context, teamID uint, from, to time.Time) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start, end := Day(from), Day(to)
	seen := map[time.Time]bool{}
	for id, recs := range m.records {
		for _, r := range recs {
			team := r.TeamID
			if team == 0 {
				if p, ok := m.players[id]; ok {
					team = p.TeamID
				}
			}
			if team == teamID && !r.GameDate.Before(start) && r.GameDate.Before(end) {
				seen[r.GameDate] = true
			}
		}
	}
	return sortedDates(seen), nil
}

func (m *MemoryStore) FantasyPointsAllowed(ctx context.Context, teamID uint, from, to time.Time) (*AllowedSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start, end := Day(from), Day(to)

	total := 0.0
	games := map[time.Time]bool{}
	posTotal := map[string]float64{}
	posGames := map[string]map[time.Time]bool{}
	for id, recs := range m.records {
		pos := ""
		if p, ok := m.players[id]; ok {
			pos = p.Position
		}
		for _, r := range recs {
			if r.OpponentTeamID != teamID || r.GameDate.Before(start) || !r.GameDate.Before(end) {
				continue
			}
			total += r.FantasyPoints
			games[r.GameDate] = true
			if pos == "" {
				continue
			}
			posTotal[pos] += r.FantasyPoints
			if posGames[pos] == nil {
				posGames[pos] = map[time.Time]bool{}
			}
			posGames[pos][r.GameDate] = true
		}
	}

	summary := &AllowedSummary{Games: len(games), ByPosition: map[string]float64{}}
	if len(games) == 0 {
		return summary, nil
	}
	summary.PerGame = total / float64(len(games))
	for pos, t := range posTotal {
		summary.ByPosition[pos] = t / float64(len(posGames[pos]))
	}
	return summary, nil
}

func sortedDates(set map[time.Time]bool) []time.Time {
	out := make([]time.Time, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
