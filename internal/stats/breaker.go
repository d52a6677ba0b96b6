package stats

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerStore guards a Store with a circuit breaker so a failing database
// fails requests fast instead of piling up connections. Missing players and
// cancelled requests do not count as failures.
type BreakerStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerStore(inner Store, threshold int, timeout time.Duration, logger *logrus.Entry) *BreakerStore {
	if threshold <= 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        "stats-store",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrPlayerNotFound) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"component": "circuit_breaker",
				"breaker":   name,
				"from":      from.String(),
				"to":        to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}
	return &BreakerStore{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// State exposes the breaker state for health reporting.
func (b *BreakerStore) State() gobreaker.State {
	return b.breaker.State()
}

func guard[T any](b *BreakerStore, fn func() (T, error)) (T, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}

func (b *BreakerStore) Query(ctx context.Context, playerID uint, from, to time.Time) ([]StatRecord, error) {
	return guard(b, func() ([]StatRecord, error) { return b.inner.Query(ctx, playerID, from, to) })
}

func (b *BreakerStore) QueryPlayers(ctx context.Context, playerIDs []uint, from, to time.Time) (map[uint][]StatRecord, error) {
	return guard(b, func() (map[uint][]StatRecord, error) { return b.inner.QueryPlayers(ctx, playerIDs, from, to) })
}

func (b *BreakerStore) EligiblePlayers(ctx context.Context, from, to time.Time, minGames int) ([]uint, error) {
	return guard(b, func() ([]uint, error) { return b.inner.EligiblePlayers(ctx, from, to, minGames) })
}

func (b *BreakerStore) DistinctGameDates(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	return guard(b, func() ([]time.Time, error) { return b.inner.DistinctGameDates(ctx, from, to) })
}

func (b *BreakerStore) RecordsOnDate(ctx context.Context, playerIDs []uint, date time.Time) ([]StatRecord, error) {
	return guard(b, func() ([]StatRecord, error) { return b.inner.RecordsOnDate(ctx, playerIDs, date) })
}

func (b *BreakerStore) Player(ctx context.Context, playerID uint) (*PlayerInfo, error) {
	return guard(b, func() (*PlayerInfo, error) { return b.inner.Player(ctx, playerID) })
}

func (b *BreakerStore) Players(ctx context.Context, playerIDs []uint) (map[uint]*PlayerInfo, error) {
	return guard(b, func() (map[uint]*PlayerInfo, error) { return b.inner.Players(ctx, playerIDs) })
}

func (b *BreakerStore) ActivePlayers(ctx context.Context, position string, limit int) ([]PlayerInfo, error) {
	return guard(b, func() ([]PlayerInfo, error) { return b.inner.ActivePlayers(ctx, position, limit) })
}

func (b *BreakerStore) TeamRatings(ctx context.Context, teamID uint) (*TeamRatings, error) {
	return guard(b, func() (*TeamRatings, error) { return b.inner.TeamRatings(ctx, teamID) })
}

func (b *BreakerStore) TeamGameDates(ctx context.Context, teamID uint, from, to time.Time) ([]time.Time, error) {
	return guard(b, func() ([]time.Time, error) { return b.inner.TeamGameDates(ctx, teamID, from, to) })
}

func (b *BreakerStore) FantasyPointsAllowed(ctx context.Context, teamID uint, from, to time.Time) (*AllowedSummary, error) {
	return guard(b, func() (*AllowedSummary, error) { return b.inner.FantasyPointsAllowed(ctx, teamID, from, to) })
}
