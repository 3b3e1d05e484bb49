package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	EnvLocal      = "local"
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// Config holds all configuration for the remembr service.
type Config struct {
	// Environment is "local", "staging", or "production". Local relaxes
	// secret-key requirements; production refuses to start with the
	// default secret.
	Environment string

	// Database
	DBURL string

	// Run schema migrations on startup.
	MigrateAtStart bool

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Redis
	RedisURL string

	// Cache backend type: "redis" or "none".
	CacheType string

	// Short-term window cache TTL.
	WindowTTL time.Duration

	// Short-term window token budget and auto-checkpoint trigger ratio.
	ShortTermMaxTokens      int
	AutoCheckpointThreshold float64

	// Embedding type: "none", "local", or "openai".
	EmbedType string

	// OpenAI
	OpenAIAPIKey     string
	OpenAIModelName  string
	OpenAIBaseURL    string
	OpenAIDimensions int

	// Enrichment worker pool.
	EmbedWorkers      int
	EmbedQueueSize    int
	EmbedBatchSize    int
	EmbedSweepEvery   time.Duration
	EmbedAttemptLimit int

	// Security
	SecretKey                string
	AccessTokenExpireMinutes int
	RefreshTokenExpireDays   int

	// OIDC (optional bearer verification alongside HS256 tokens).
	OIDCIssuer       string
	OIDCDiscoveryURL string

	// Rate limits (requests per minute per identity).
	RateLimitDefaultPerMinute int
	RateLimitSearchPerMinute  int

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR}
	// expansion. Defaults to "service=remembr".
	MetricsLabels string

	// Server
	Listener ListenerConfig

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Environment:               EnvLocal,
		MigrateAtStart:            true,
		DBMaxOpenConns:            25,
		DBMaxIdleConns:            5,
		CacheType:                 "none",
		WindowTTL:                 24 * time.Hour,
		ShortTermMaxTokens:        4000,
		AutoCheckpointThreshold:   0.8,
		EmbedType:                 "none",
		OpenAIModelName:           "text-embedding-3-small",
		OpenAIBaseURL:             "https://api.openai.com/v1",
		OpenAIDimensions:          1536,
		EmbedWorkers:              4,
		EmbedQueueSize:            256,
		EmbedBatchSize:            100,
		EmbedSweepEvery:           30 * time.Second,
		EmbedAttemptLimit:         3,
		SecretKey:                 "dev-secret-change-me",
		AccessTokenExpireMinutes:  30,
		RefreshTokenExpireDays:    7,
		RateLimitDefaultPerMinute: 120,
		RateLimitSearchPerMinute:  60,
		Listener: ListenerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		DrainTimeout: 30,
	}
}

// AccessTokenTTL returns the access token lifetime as a duration.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenExpireMinutes) * time.Minute
}

// RefreshTokenTTL returns the refresh token lifetime as a duration.
func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenExpireDays) * 24 * time.Hour
}
