package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 4*time.Hour, cfg.PredictionCacheTTL)
	assert.Equal(t, 90, cfg.FeatureLookbackDays)
	assert.Equal(t, []string{"fantasy_points", "points", "rebounds", "assists"}, cfg.DefaultStatTypes)
	assert.Equal(t, 365, cfg.TrainLookbackDays)
	assert.Equal(t, 30, cfg.TrainValidationDays)
	assert.InDelta(t, 1.645, cfg.UncertaintyZ, 1e-9)
	assert.InDelta(t, 0.2, cfg.UncertaintyFallbackFactor, 1e-9)
	assert.InDelta(t, 0.15, cfg.UncertaintyBaseFactor, 1e-9)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("PREDICTION_CACHE_BACKEND", "memory")
	t.Setenv("DEFAULT_STAT_TYPES", "points, steals")
	t.Setenv("UNCERTAINTY_Z", "1.96")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.PredictionCacheBackend)
	assert.Equal(t, []string{"points", "steals"}, cfg.DefaultStatTypes)
	assert.InDelta(t, 1.96, cfg.UncertaintyZ, 1e-9)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown cache backend", func(c *Config) { c.PredictionCacheBackend = "memcached" }, true},
		{"zero lookback", func(c *Config) { c.FeatureLookbackDays = 0 }, true},
		{"validation longer than lookback", func(c *Config) { c.TrainValidationDays = 400 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{
				PredictionCacheBackend: "database",
				FeatureLookbackDays:    90,
				TrainLookbackDays:      365,
				TrainValidationDays:    30,
				BatchWorkers:           4,
			}
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
