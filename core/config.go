package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the ensemble runtime.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithName("neurastack"),
//	    WithMaxQueue(300),
//	    WithModels(DefaultModelRegistry()),
//	)
type Config struct {
	// Core configuration
	Name string `yaml:"name" env:"NEURASTACK_NAME"`

	// Admission and orchestration
	MaxConcurrentFree    int           `yaml:"max_concurrent_free" env:"NEURASTACK_MAX_CONCURRENT_FREE" default:"10"`
	MaxConcurrentPremium int           `yaml:"max_concurrent_premium" env:"NEURASTACK_MAX_CONCURRENT_PREMIUM" default:"25"`
	TimeoutFree          time.Duration `yaml:"timeout_free" env:"NEURASTACK_TIMEOUT_FREE" default:"30s"`
	TimeoutPremium       time.Duration `yaml:"timeout_premium" env:"NEURASTACK_TIMEOUT_PREMIUM" default:"45s"`
	RetryAttempts        int           `yaml:"retry_attempts" env:"NEURASTACK_RETRY_ATTEMPTS" default:"2"`
	RetryDelay           time.Duration `yaml:"retry_delay" env:"NEURASTACK_RETRY_DELAY" default:"500ms"`
	MaxPromptLength      int           `yaml:"max_prompt_length" env:"NEURASTACK_MAX_PROMPT_LENGTH" default:"8000"`
	MaxQueue             int           `yaml:"max_queue" env:"NEURASTACK_MAX_QUEUE" default:"150"`
	RateLimitPerHourFree int           `yaml:"rate_limit_per_hour_free" env:"NEURASTACK_RATE_LIMIT_FREE" default:"750"`
	FanoutSize           int           `yaml:"fanout_size" env:"NEURASTACK_FANOUT_SIZE" default:"3"`
	MaxTokensPerRole     int           `yaml:"max_tokens_per_role" env:"NEURASTACK_MAX_TOKENS_PER_ROLE" default:"250"`

	// Subsystems
	Cache      CacheConfig      `yaml:"cache"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	MetaVoter  MetaVoterConfig  `yaml:"meta_voter"`
	Abstention AbstentionConfig `yaml:"abstention"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Redis      RedisConfig      `yaml:"redis"`

	// Model registry and the fixed fallback triple used when selection
	// errors: cheap, medium, safer.
	Models         []ModelDescriptor `yaml:"models"`
	FallbackModels []string          `yaml:"fallback_models"`
}

// CacheConfig configures the semantic cache.
type CacheConfig struct {
	MaxCacheSize         int           `yaml:"max_cache_size" env:"NEURASTACK_CACHE_MAX_SIZE" default:"2000"`
	SimilarityThreshold  float64       `yaml:"similarity_threshold" env:"NEURASTACK_CACHE_SIMILARITY" default:"0.85"`
	QualityThreshold     float64       `yaml:"quality_threshold" env:"NEURASTACK_CACHE_QUALITY" default:"0.6"`
	CompressionThreshold int           `yaml:"compression_threshold" env:"NEURASTACK_CACHE_COMPRESS_BYTES" default:"4096"`
	UserPatternWindow    int           `yaml:"user_pattern_window" env:"NEURASTACK_CACHE_PATTERN_WINDOW" default:"20"`
	PredictiveThreshold  float64       `yaml:"predictive_threshold" env:"NEURASTACK_CACHE_PREDICTIVE" default:"0.7"`
	HighQualityTTL       time.Duration `yaml:"high_quality_ttl" env:"NEURASTACK_CACHE_TTL_HIGH" default:"6h"`
	MediumQualityTTL     time.Duration `yaml:"medium_quality_ttl" env:"NEURASTACK_CACHE_TTL_MEDIUM" default:"2h"`
	LowQualityTTL        time.Duration `yaml:"low_quality_ttl" env:"NEURASTACK_CACHE_TTL_LOW" default:"30m"`
	EvictionInterval     time.Duration `yaml:"eviction_interval" env:"NEURASTACK_CACHE_EVICTION_INTERVAL" default:"5m"`
	PatternExpiry        time.Duration `yaml:"pattern_expiry" env:"NEURASTACK_CACHE_PATTERN_EXPIRY" default:"24h"`
}

// BreakerConfig configures per-model circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"NEURASTACK_BREAKER_THRESHOLD" default:"4"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"NEURASTACK_BREAKER_RESET" default:"30s"`
}

// MetaVoterConfig configures the optional AI-assisted tie judge.
type MetaVoterConfig struct {
	Enabled     bool          `yaml:"enabled" env:"NEURASTACK_METAVOTER_ENABLED" default:"false"`
	Provider    string        `yaml:"provider" env:"NEURASTACK_METAVOTER_PROVIDER"`
	Model       string        `yaml:"model" env:"NEURASTACK_METAVOTER_MODEL"`
	MaxTokens   int           `yaml:"max_tokens" env:"NEURASTACK_METAVOTER_MAX_TOKENS" default:"600"`
	Temperature float64       `yaml:"temperature" env:"NEURASTACK_METAVOTER_TEMPERATURE" default:"0.2"`
	Timeout     time.Duration `yaml:"timeout" env:"NEURASTACK_METAVOTER_TIMEOUT" default:"12s"`

	// Trigger thresholds: meta-voting fires when the winner margin is at or
	// under MaxWeightDifference or consensus is at or below
	// MinConsensusStrength.
	MaxWeightDifference  float64           `yaml:"max_weight_difference" env:"NEURASTACK_METAVOTER_MAX_DIFF" default:"0.05"`
	MinConsensusStrength ConsensusStrength `yaml:"min_consensus_strength" env:"NEURASTACK_METAVOTER_MIN_CONSENSUS" default:"weak"`
}

// AbstentionConfig configures the decision to not answer.
type AbstentionConfig struct {
	AbstainThreshold float64 `yaml:"abstain_threshold" env:"NEURASTACK_ABSTAIN_THRESHOLD" default:"0.3"`
	MaxRequery       int     `yaml:"max_requery" env:"NEURASTACK_ABSTAIN_MAX_REQUERY" default:"3"`
}

// LoggingConfig controls the production logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"NEURASTACK_LOG_LEVEL" default:"INFO"`
	Format string `yaml:"format" env:"NEURASTACK_LOG_FORMAT"` // "json" or "text"; auto-detected when empty
}

// TelemetryConfig contains observability configuration. Optional module;
// only initialized when Enabled=true.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" env:"NEURASTACK_TELEMETRY_ENABLED" default:"false"`
	Endpoint    string `yaml:"endpoint" env:"NEURASTACK_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"NEURASTACK_TELEMETRY_SERVICE_NAME,OTEL_SERVICE_NAME"`
}

// RedisConfig configures the optional Redis persistence for the cache and
// the free-tier rate limiter. When URL is empty both fall back to in-memory
// implementations.
type RedisConfig struct {
	URL string `yaml:"url" env:"NEURASTACK_REDIS_URL,REDIS_URL"`
}

// Option mutates a Config during construction.
type Option func(*Config)

func WithName(name string) Option            { return func(c *Config) { c.Name = name } }
func WithMaxQueue(n int) Option              { return func(c *Config) { c.MaxQueue = n } }
func WithFanoutSize(k int) Option            { return func(c *Config) { c.FanoutSize = k } }
func WithRetryAttempts(n int) Option         { return func(c *Config) { c.RetryAttempts = n } }
func WithMaxPromptLength(n int) Option       { return func(c *Config) { c.MaxPromptLength = n } }
func WithModels(m []ModelDescriptor) Option  { return func(c *Config) { c.Models = m } }
func WithFallbackModels(keys []string) Option { return func(c *Config) { c.FallbackModels = keys } }
func WithRedisURL(url string) Option         { return func(c *Config) { c.Redis.URL = url } }

func WithTimeouts(free, premium time.Duration) Option {
	return func(c *Config) {
		c.TimeoutFree = free
		c.TimeoutPremium = premium
	}
}

func WithBreaker(threshold int, reset time.Duration) Option {
	return func(c *Config) {
		c.Breaker.FailureThreshold = threshold
		c.Breaker.ResetTimeout = reset
	}
}

func WithCacheTTLs(high, medium, low time.Duration) Option {
	return func(c *Config) {
		c.Cache.HighQualityTTL = high
		c.Cache.MediumQualityTTL = medium
		c.Cache.LowQualityTTL = low
	}
}

func WithMetaVoter(provider, model string) Option {
	return func(c *Config) {
		c.MetaVoter.Enabled = true
		c.MetaVoter.Provider = provider
		c.MetaVoter.Model = model
	}
}

// NewConfig builds a Config from defaults, environment, and options, then
// validates it.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvironment()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the baseline configuration before env and options.
func DefaultConfig() *Config {
	return &Config{
		Name:                 "neurastack",
		MaxConcurrentFree:    10,
		MaxConcurrentPremium: 25,
		TimeoutFree:          30 * time.Second,
		TimeoutPremium:       45 * time.Second,
		RetryAttempts:        2,
		RetryDelay:           500 * time.Millisecond,
		MaxPromptLength:      8000,
		MaxQueue:             150,
		RateLimitPerHourFree: 750,
		FanoutSize:           3,
		MaxTokensPerRole:     250,
		Cache: CacheConfig{
			MaxCacheSize:         2000,
			SimilarityThreshold:  0.85,
			QualityThreshold:     0.6,
			CompressionThreshold: 4096,
			UserPatternWindow:    20,
			PredictiveThreshold:  0.7,
			HighQualityTTL:       6 * time.Hour,
			MediumQualityTTL:     2 * time.Hour,
			LowQualityTTL:        30 * time.Minute,
			EvictionInterval:     5 * time.Minute,
			PatternExpiry:        24 * time.Hour,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 4,
			ResetTimeout:     30 * time.Second,
		},
		MetaVoter: MetaVoterConfig{
			MaxTokens:            600,
			Temperature:          0.2,
			Timeout:              12 * time.Second,
			MaxWeightDifference:  0.05,
			MinConsensusStrength: ConsensusWeak,
		},
		Abstention: AbstentionConfig{
			AbstainThreshold: 0.3,
			MaxRequery:       3,
		},
		Logging: LoggingConfig{Level: "INFO"},
	}
}

// applyEnvironment overlays NEURASTACK_* environment variables.
func (c *Config) applyEnvironment() {
	setString(&c.Name, "NEURASTACK_NAME")
	setInt(&c.MaxConcurrentFree, "NEURASTACK_MAX_CONCURRENT_FREE")
	setInt(&c.MaxConcurrentPremium, "NEURASTACK_MAX_CONCURRENT_PREMIUM")
	setDuration(&c.TimeoutFree, "NEURASTACK_TIMEOUT_FREE")
	setDuration(&c.TimeoutPremium, "NEURASTACK_TIMEOUT_PREMIUM")
	setInt(&c.RetryAttempts, "NEURASTACK_RETRY_ATTEMPTS")
	setDuration(&c.RetryDelay, "NEURASTACK_RETRY_DELAY")
	setInt(&c.MaxPromptLength, "NEURASTACK_MAX_PROMPT_LENGTH")
	setInt(&c.MaxQueue, "NEURASTACK_MAX_QUEUE")
	setInt(&c.RateLimitPerHourFree, "NEURASTACK_RATE_LIMIT_FREE")
	setInt(&c.FanoutSize, "NEURASTACK_FANOUT_SIZE")
	setInt(&c.MaxTokensPerRole, "NEURASTACK_MAX_TOKENS_PER_ROLE")

	setInt(&c.Cache.MaxCacheSize, "NEURASTACK_CACHE_MAX_SIZE")
	setFloat(&c.Cache.SimilarityThreshold, "NEURASTACK_CACHE_SIMILARITY")
	setFloat(&c.Cache.QualityThreshold, "NEURASTACK_CACHE_QUALITY")
	setInt(&c.Cache.CompressionThreshold, "NEURASTACK_CACHE_COMPRESS_BYTES")
	setInt(&c.Cache.UserPatternWindow, "NEURASTACK_CACHE_PATTERN_WINDOW")
	setFloat(&c.Cache.PredictiveThreshold, "NEURASTACK_CACHE_PREDICTIVE")
	setDuration(&c.Cache.HighQualityTTL, "NEURASTACK_CACHE_TTL_HIGH")
	setDuration(&c.Cache.MediumQualityTTL, "NEURASTACK_CACHE_TTL_MEDIUM")
	setDuration(&c.Cache.LowQualityTTL, "NEURASTACK_CACHE_TTL_LOW")
	setDuration(&c.Cache.EvictionInterval, "NEURASTACK_CACHE_EVICTION_INTERVAL")
	setDuration(&c.Cache.PatternExpiry, "NEURASTACK_CACHE_PATTERN_EXPIRY")

	setInt(&c.Breaker.FailureThreshold, "NEURASTACK_BREAKER_THRESHOLD")
	setDuration(&c.Breaker.ResetTimeout, "NEURASTACK_BREAKER_RESET")

	setBool(&c.MetaVoter.Enabled, "NEURASTACK_METAVOTER_ENABLED")
	setString(&c.MetaVoter.Provider, "NEURASTACK_METAVOTER_PROVIDER")
	setString(&c.MetaVoter.Model, "NEURASTACK_METAVOTER_MODEL")
	setInt(&c.MetaVoter.MaxTokens, "NEURASTACK_METAVOTER_MAX_TOKENS")
	setFloat(&c.MetaVoter.Temperature, "NEURASTACK_METAVOTER_TEMPERATURE")
	setDuration(&c.MetaVoter.Timeout, "NEURASTACK_METAVOTER_TIMEOUT")
	setFloat(&c.MetaVoter.MaxWeightDifference, "NEURASTACK_METAVOTER_MAX_DIFF")

	setFloat(&c.Abstention.AbstainThreshold, "NEURASTACK_ABSTAIN_THRESHOLD")
	setInt(&c.Abstention.MaxRequery, "NEURASTACK_ABSTAIN_MAX_REQUERY")

	setString(&c.Logging.Level, "NEURASTACK_LOG_LEVEL")
	setString(&c.Logging.Format, "NEURASTACK_LOG_FORMAT")

	setBool(&c.Telemetry.Enabled, "NEURASTACK_TELEMETRY_ENABLED")
	setString(&c.Telemetry.Endpoint, "NEURASTACK_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&c.Telemetry.ServiceName, "NEURASTACK_TELEMETRY_SERVICE_NAME", "OTEL_SERVICE_NAME")

	setString(&c.Redis.URL, "NEURASTACK_REDIS_URL", "REDIS_URL")
}

// LoadConfigFile overlays a YAML configuration file onto c. Missing file is
// an error; unknown keys are ignored.
func (c *Config) LoadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, ErrInvalidConfiguration)
	}
	return nil
}

// Validate checks invariants the runtime depends on.
func (c *Config) Validate() error {
	if c.MaxQueue < 1 {
		return fmt.Errorf("max_queue must be at least 1, got %d: %w", c.MaxQueue, ErrInvalidConfiguration)
	}
	if c.FanoutSize < 1 {
		return fmt.Errorf("fanout_size must be at least 1, got %d: %w", c.FanoutSize, ErrInvalidConfiguration)
	}
	if c.MaxPromptLength < 1 {
		return fmt.Errorf("max_prompt_length must be positive, got %d: %w", c.MaxPromptLength, ErrInvalidConfiguration)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be non-negative, got %d: %w", c.RetryAttempts, ErrInvalidConfiguration)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure_threshold must be at least 1, got %d: %w", c.Breaker.FailureThreshold, ErrInvalidConfiguration)
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker reset_timeout must be positive, got %v: %w", c.Breaker.ResetTimeout, ErrInvalidConfiguration)
	}
	if t := c.Cache.SimilarityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("cache similarity_threshold must be in [0,1], got %f: %w", t, ErrInvalidConfiguration)
	}
	if t := c.Cache.QualityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("cache quality_threshold must be in [0,1], got %f: %w", t, ErrInvalidConfiguration)
	}
	if c.Cache.HighQualityTTL < c.Cache.MediumQualityTTL || c.Cache.MediumQualityTTL < c.Cache.LowQualityTTL {
		return fmt.Errorf("cache TTLs must be monotone in quality: %w", ErrInvalidConfiguration)
	}
	if t := c.Abstention.AbstainThreshold; t < 0 || t > 1 {
		return fmt.Errorf("abstain_threshold must be in [0,1], got %f: %w", t, ErrInvalidConfiguration)
	}
	if c.MetaVoter.Enabled && c.MetaVoter.Model == "" {
		return fmt.Errorf("meta voter enabled without a model: %w", ErrInvalidConfiguration)
	}
	return nil
}

// Timeout returns the request deadline budget for a tier.
func (c *Config) Timeout(tier Tier) time.Duration {
	if tier == TierPremium {
		return c.TimeoutPremium
	}
	return c.TimeoutFree
}

// MaxConcurrent returns the in-flight cap for a tier.
func (c *Config) MaxConcurrent(tier Tier) int {
	if tier == TierPremium {
		return c.MaxConcurrentPremium
	}
	return c.MaxConcurrentFree
}

// DefaultModelRegistry returns a sample registry used by tests and as a
// starting point for deployments. Real registries are configuration, not
// code.
func DefaultModelRegistry() []ModelDescriptor {
	return []ModelDescriptor{
		{
			Name: "gpt-4o-mini", Provider: "openai",
			CostPerKToken: 0.00015, Speed: SpeedFast, Quality: QualityGood,
			Specialties:         map[string]bool{"general": true, "conversational": true},
			MaxTokens:           16384,
			BaselineReliability: 0.95,
		},
		{
			Name: "gemini-1.5-flash", Provider: "google",
			CostPerKToken: 0.000075, Speed: SpeedFast, Quality: QualityGood,
			Specialties:         map[string]bool{"general": true, "factual": true},
			MaxTokens:           8192,
			BaselineReliability: 0.93,
		},
		{
			Name: "claude-3-5-haiku", Provider: "anthropic",
			CostPerKToken: 0.0008, Speed: SpeedMedium, Quality: QualityPremium,
			Specialties:         map[string]bool{"analytical": true, "technical": true},
			MaxTokens:           8192,
			BaselineReliability: 0.96,
		},
	}
}

// DefaultFallbackModels returns the fixed cheap/medium/safer triple used
// when selection errors.
func DefaultFallbackModels() []string {
	return []string{"google:gemini-1.5-flash", "openai:gpt-4o-mini", "anthropic:claude-3-5-haiku"}
}

// env helpers

func setString(dst *string, keys ...string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			*dst = v
			return
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
