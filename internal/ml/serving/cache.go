package serving

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"gorm.io/gorm"

	"github.com/stitts-dev/hoops-projections/internal/ml/models"
	dbmodels "github.com/stitts-dev/hoops-projections/internal/models"
	"github.com/stitts-dev/hoops-projections/internal/stats"
)

// PredictionCache stores served predictions keyed by player, date and stat.
// Get reports false for entries older than the cache's TTL.
type PredictionCache interface {
	Get(ctx context.Context, playerID uint, date time.Time, stat string) (*models.PredictionResult, bool, error)
	Set(ctx context.Context, result *models.PredictionResult) error
}

// Purger is a cache that keeps expired entries until they are swept.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// RunPurger sweeps p immediately and then every interval until ctx is done.
func RunPurger(ctx context.Context, p Purger, interval time.Duration, logger *logrus.Entry) {
	sweep := func() {
		n, err := p.Purge(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).Warn("Failed to purge prediction cache")
			}
			return
		}
		if n > 0 {
			logger.WithField("purged", n).Info("Purged expired predictions")
		}
	}

	sweep()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// DBCache keeps predictions in the prediction_cache table and filters by
// created_at.
type DBCache struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

func NewDBCache(db *gorm.DB, ttl time.Duration) *DBCache {
	return &DBCache{db: db, ttl: ttl, now: utcNow}
}

func (c *DBCache) Get(ctx context.Context, playerID uint, date time.Time, stat string) (*models.PredictionResult, bool, error) {
	var row dbmodels.PredictionCacheEntry
	err := c.db.WithContext(ctx).
		Where("player_id = ? AND game_date = ? AND stat_type = ? AND created_at >= ?",
			playerID, stats.Day(date), stat, c.now().Add(-c.ttl)).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read prediction cache: %w", err)
	}
	return rowToResult(&row), true, nil
}

func (c *DBCache) Set(ctx context.Context, result *models.PredictionResult) error {
	row := resultToRow(result)
	row.CreatedAt = c.now()
	if err := c.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to write prediction cache: %w", err)
	}
	return nil
}

// Purge deletes rows older than the TTL and returns how many were removed.
func (c *DBCache) Purge(ctx context.Context) (int64, error) {
	res := c.db.WithContext(ctx).
		Where("created_at < ?", c.now().Add(-c.ttl)).
		Delete(&dbmodels.PredictionCacheEntry{})
	return res.RowsAffected, res.Error
}

func resultToRow(r *models.PredictionResult) *dbmodels.PredictionCacheEntry {
	factors := make(map[string]interface{}, len(r.Factors))
	for k, v := range r.Factors {
		factors[k] = v
	}
	return &dbmodels.PredictionCacheEntry{
		PlayerID:   r.PlayerID,
		GameDate:   stats.Day(r.AsOf),
		StatType:   r.Stat,
		Predicted:  r.Prediction,
		LowerBound: r.Lower,
		UpperBound: r.Upper,
		Confidence: r.Confidence,
		Factors:    factors,
		ModelID:    r.ModelID,
		IsFallback: r.IsFallback,
	}
}

func rowToResult(row *dbmodels.PredictionCacheEntry) *models.PredictionResult {
	factors := make(map[string]float64, len(row.Factors))
	for k, v := range row.Factors {
		switch n := v.(type) {
		case float64:
			factors[k] = n
		case json.Number:
			f, _ := n.Float64()
			factors[k] = f
		}
	}
	return &models.PredictionResult{
		PlayerID:   row.PlayerID,
		Stat:       row.StatType,
		Prediction: row.Predicted,
		Lower:      row.LowerBound,
		Upper:      row.UpperBound,
		Confidence: row.Confidence,
		Factors:    factors,
		AsOf:       stats.Day(row.GameDate),
		ModelID:    row.ModelID,
		IsFallback: row.IsFallback,
	}
}

// RedisCache stores JSON results with a Redis expiry. Calls go through a
// circuit breaker; a missing key is not a failure.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker
}

func NewRedisCache(client *redis.Client, ttl time.Duration, threshold int, logger *logrus.Entry) *RedisCache {
	if threshold <= 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        "prediction-cache",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}
	return &RedisCache{client: client, ttl: ttl, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func PredictionCacheKey(playerID uint, date time.Time, stat string) string {
	return fmt.Sprintf("prediction:%d:%s:%s", playerID, stats.Day(date).Format("2006-01-02"), stat)
}

func (c *RedisCache) Get(ctx context.Context, playerID uint, date time.Time, stat string) (*models.PredictionResult, bool, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.Get(ctx, PredictionCacheKey(playerID, date, stat)).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached prediction: %w", err)
	}
	var result models.PredictionResult
	if err := json.Unmarshal(out.([]byte), &result); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached prediction: %w", err)
	}
	return &result, true, nil
}

func (c *RedisCache) Set(ctx context.Context, result *models.PredictionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal prediction: %w", err)
	}
	key := PredictionCacheKey(result.PlayerID, result.AsOf, result.Stat)
	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.client.Set(ctx, key, data, c.ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to set cached prediction: %w", err)
	}
	return nil
}

// MemoryCache is a process-local cache for tests and single-node runs.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	result  models.PredictionResult
	created time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, entries: map[string]memoryEntry{}}
}

func (c *MemoryCache) Get(_ context.Context, playerID uint, date time.Time, stat string) (*models.PredictionResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := PredictionCacheKey(playerID, date, stat)
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().Sub(e.created) > c.ttl {
		delete(c.entries, key)
		return nil, false, nil
	}
	return cloneResult(&e.result), true, nil
}

// Purge drops expired entries and returns how many were removed.
func (c *MemoryCache) Purge(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for key, e := range c.entries {
		if c.now().Sub(e.created) > c.ttl {
			delete(c.entries, key)
			n++
		}
	}
	return n, nil
}

func (c *MemoryCache) Set(_ context.Context, result *models.PredictionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[PredictionCacheKey(result.PlayerID, result.AsOf, result.Stat)] = memoryEntry{
		result:  *cloneResult(result),
		created: c.now(),
	}
	return nil
}

// cloneResult copies r including its factor map.
func cloneResult(r *models.PredictionResult) *models.PredictionResult {
	out := *r
	if r.Factors != nil {
		out.Factors = make(map[string]float64, len(r.Factors))
		for k, v := range r.Factors {
			out.Factors[k] = v
		}
	}
	return &out
}

func utcNow() time.Time { return time.Now().UTC() }
