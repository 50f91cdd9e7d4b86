package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 150, cfg.MaxQueue)
	assert.Equal(t, 3, cfg.FanoutSize)
	assert.Equal(t, 750, cfg.RateLimitPerHourFree)
	assert.Equal(t, 30*time.Second, cfg.TimeoutFree)
	assert.Equal(t, 45*time.Second, cfg.TimeoutPremium)
	assert.Equal(t, 2000, cfg.Cache.MaxCacheSize)
	assert.Equal(t, 0.85, cfg.Cache.SimilarityThreshold)
	assert.Equal(t, 4, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, 0.3, cfg.Abstention.AbstainThreshold)
	assert.Equal(t, 3, cfg.Abstention.MaxRequery)
}

func TestNewConfigOptions(t *testing.T) {
	cfg, err := NewConfig(
		WithName("test-ensemble"),
		WithMaxQueue(10),
		WithFanoutSize(2),
		WithTimeouts(5*time.Second, 10*time.Second),
		WithBreaker(3, time.Minute),
	)
	require.NoError(t, err)

	assert.Equal(t, "test-ensemble", cfg.Name)
	assert.Equal(t, 10, cfg.MaxQueue)
	assert.Equal(t, 2, cfg.FanoutSize)
	assert.Equal(t, 5*time.Second, cfg.TimeoutFree)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.ResetTimeout)
}

func TestConfigEnvironmentOverride(t *testing.T) {
	t.Setenv("NEURASTACK_MAX_QUEUE", "42")
	t.Setenv("NEURASTACK_CACHE_SIMILARITY", "0.9")
	t.Setenv("NEURASTACK_BREAKER_RESET", "10s")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.MaxQueue)
	assert.Equal(t, 0.9, cfg.Cache.SimilarityThreshold)
	assert.Equal(t, 10*time.Second, cfg.Breaker.ResetTimeout)
}

func TestConfigOptionBeatsEnvironment(t *testing.T) {
	t.Setenv("NEURASTACK_MAX_QUEUE", "42")

	cfg, err := NewConfig(WithMaxQueue(7))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxQueue)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue", func(c *Config) { c.MaxQueue = 0 }},
		{"zero fanout", func(c *Config) { c.FanoutSize = 0 }},
		{"negative retries", func(c *Config) { c.RetryAttempts = -1 }},
		{"similarity out of range", func(c *Config) { c.Cache.SimilarityThreshold = 1.5 }},
		{"non-monotone TTLs", func(c *Config) { c.Cache.LowQualityTTL = 10 * time.Hour }},
		{"meta voter without model", func(c *Config) { c.MetaVoter.Enabled = true; c.MetaVoter.Model = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfiguration))
		})
	}
}

func TestTierAccessors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, cfg.TimeoutFree, cfg.Timeout(TierFree))
	assert.Equal(t, cfg.TimeoutPremium, cfg.Timeout(TierPremium))
	assert.Equal(t, cfg.MaxConcurrentFree, cfg.MaxConcurrent(TierFree))
	assert.Equal(t, cfg.MaxConcurrentPremium, cfg.MaxConcurrent(TierPremium))
}
