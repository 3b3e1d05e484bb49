package serve

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/remembr/remembr/internal/config"
	registrycache "github.com/remembr/remembr/internal/registry/cache"
	registryembed "github.com/remembr/remembr/internal/registry/embed"

	// Import all plugins to trigger init() registration
	_ "github.com/remembr/remembr/internal/plugin/cache/noop"
	_ "github.com/remembr/remembr/internal/plugin/cache/redis"
	_ "github.com/remembr/remembr/internal/plugin/embed/disabled"
	_ "github.com/remembr/remembr/internal/plugin/embed/local"
	_ "github.com/remembr/remembr/internal/plugin/embed/openai"
	_ "github.com/remembr/remembr/internal/plugin/route/system"
	_ "github.com/remembr/remembr/internal/plugin/store/postgres"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the remembr HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "environment",
			Category:    "Server:",
			Sources:     cli.EnvVars("REMEMBR_ENVIRONMENT"),
			Destination: &cfg.Environment,
			Value:       cfg.Environment,
			Usage:       "Deployment environment (local|staging|production)",
		},
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("REMEMBR_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("REMEMBR_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("REMEMBR_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},

		// ── Database ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("REMEMBR_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Postgres connection URL",
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("REMEMBR_MIGRATE_AT_START"),
			Destination: &cfg.MigrateAtStart,
			Value:       cfg.MigrateAtStart,
			Usage:       "Run schema migrations on startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("REMEMBR_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("REMEMBR_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("REMEMBR_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("REMEMBR_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.DurationFlag{
			Name:        "window-ttl",
			Category:    "Cache:",
			Sources:     cli.EnvVars("REMEMBR_WINDOW_TTL"),
			Destination: &cfg.WindowTTL,
			Value:       cfg.WindowTTL,
			Usage:       "Idle TTL for short-term session windows",
		},

		// ── Short-Term Memory ─────────────────────────────────────
		&cli.IntFlag{
			Name:        "short-term-max-tokens",
			Category:    "Short-Term Memory:",
			Sources:     cli.EnvVars("REMEMBR_SHORT_TERM_MAX_TOKENS"),
			Destination: &cfg.ShortTermMaxTokens,
			Value:       cfg.ShortTermMaxTokens,
			Usage:       "Token budget per session window",
		},
		&cli.FloatFlag{
			Name:        "auto-checkpoint-threshold",
			Category:    "Short-Term Memory:",
			Sources:     cli.EnvVars("REMEMBR_AUTO_CHECKPOINT_THRESHOLD"),
			Destination: &cfg.AutoCheckpointThreshold,
			Value:       cfg.AutoCheckpointThreshold,
			Usage:       "Window usage ratio that triggers an automatic checkpoint",
		},

		// ── Embedding ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "embedding-kind",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("REMEMBR_EMBEDDING_KIND"),
			Destination: &cfg.EmbedType,
			Value:       cfg.EmbedType,
			Usage:       "Embedding provider (" + strings.Join(registryembed.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("REMEMBR_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key",
		},
		&cli.StringFlag{
			Name:        "openai-model",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("REMEMBR_OPENAI_MODEL"),
			Destination: &cfg.OpenAIModelName,
			Value:       cfg.OpenAIModelName,
			Usage:       "OpenAI embedding model name",
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("REMEMBR_OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "OpenAI-compatible API base URL",
		},
		&cli.IntFlag{
			Name:        "embed-workers",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("REMEMBR_EMBED_WORKERS"),
			Destination: &cfg.EmbedWorkers,
			Value:       cfg.EmbedWorkers,
			Usage:       "Concurrent enrichment workers",
		},
		&cli.IntFlag{
			Name:        "embed-queue-size",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("REMEMBR_EMBED_QUEUE_SIZE"),
			Destination: &cfg.EmbedQueueSize,
			Value:       cfg.EmbedQueueSize,
			Usage:       "Enrichment queue capacity; overflow defers to the backfill sweep",
		},
		&cli.IntFlag{
			Name:        "embed-batch-size",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("REMEMBR_EMBED_BATCH_SIZE"),
			Destination: &cfg.EmbedBatchSize,
			Value:       cfg.EmbedBatchSize,
			Usage:       "Episodes fetched per backfill sweep",
		},
		&cli.DurationFlag{
			Name:        "embed-sweep-interval",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("REMEMBR_EMBED_SWEEP_INTERVAL"),
			Destination: &cfg.EmbedSweepEvery,
			Value:       cfg.EmbedSweepEvery,
			Usage:       "Interval between embedding backfill sweeps",
		},
		&cli.IntFlag{
			Name:        "embed-attempt-limit",
			Category:    "Embedding:",
			Sources:     cli.EnvVars("REMEMBR_EMBED_ATTEMPT_LIMIT"),
			Destination: &cfg.EmbedAttemptLimit,
			Value:       cfg.EmbedAttemptLimit,
			Usage:       "Embedding attempts per episode before deferring to backfill",
		},

		// ── Security ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "secret-key",
			Category:    "Security:",
			Sources:     cli.EnvVars("REMEMBR_SECRET_KEY"),
			Destination: &cfg.SecretKey,
			Value:       cfg.SecretKey,
			Usage:       "HS256 signing key for access and refresh tokens",
		},
		&cli.IntFlag{
			Name:        "access-token-expire-minutes",
			Category:    "Security:",
			Sources:     cli.EnvVars("REMEMBR_ACCESS_TOKEN_EXPIRE_MINUTES"),
			Destination: &cfg.AccessTokenExpireMinutes,
			Value:       cfg.AccessTokenExpireMinutes,
			Usage:       "Access token lifetime in minutes",
		},
		&cli.IntFlag{
			Name:        "refresh-token-expire-days",
			Category:    "Security:",
			Sources:     cli.EnvVars("REMEMBR_REFRESH_TOKEN_EXPIRE_DAYS"),
			Destination: &cfg.RefreshTokenExpireDays,
			Value:       cfg.RefreshTokenExpireDays,
			Usage:       "Refresh token lifetime in days",
		},
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Security:",
			Sources:     cli.EnvVars("REMEMBR_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL (enables OIDC bearer verification)",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Security:",
			Sources:     cli.EnvVars("REMEMBR_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "OIDC discovery URL (internal URL when issuer is not directly reachable)",
		},

		// ── Rate Limits ───────────────────────────────────────────
		&cli.IntFlag{
			Name:        "rate-limit-per-minute",
			Category:    "Rate Limits:",
			Sources:     cli.EnvVars("REMEMBR_RATE_LIMIT_PER_MINUTE"),
			Destination: &cfg.RateLimitDefaultPerMinute,
			Value:       cfg.RateLimitDefaultPerMinute,
			Usage:       "Requests per minute per identity (0 disables)",
		},
		&cli.IntFlag{
			Name:        "search-rate-limit-per-minute",
			Category:    "Rate Limits:",
			Sources:     cli.EnvVars("REMEMBR_SEARCH_RATE_LIMIT_PER_MINUTE"),
			Destination: &cfg.RateLimitSearchPerMinute,
			Value:       cfg.RateLimitSearchPerMinute,
			Usage:       "Search requests per minute per identity (0 disables)",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("REMEMBR_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=remembr",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
