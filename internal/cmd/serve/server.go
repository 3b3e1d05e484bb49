package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/remembr/remembr/internal/audit"
	"github.com/remembr/remembr/internal/config"
	"github.com/remembr/remembr/internal/forget"
	"github.com/remembr/remembr/internal/httpapi"
	routeapikeys "github.com/remembr/remembr/internal/plugin/route/apikeys"
	routeauth "github.com/remembr/remembr/internal/plugin/route/auth"
	routeforget "github.com/remembr/remembr/internal/plugin/route/forget"
	routememories "github.com/remembr/remembr/internal/plugin/route/memories"
	routesearch "github.com/remembr/remembr/internal/plugin/route/search"
	routesessions "github.com/remembr/remembr/internal/plugin/route/sessions"
	routesystem "github.com/remembr/remembr/internal/plugin/route/system"
	"github.com/remembr/remembr/internal/ratelimit"
	registrycache "github.com/remembr/remembr/internal/registry/cache"
	registryembed "github.com/remembr/remembr/internal/registry/embed"
	registrymigrate "github.com/remembr/remembr/internal/registry/migrate"
	registryroute "github.com/remembr/remembr/internal/registry/route"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/search"
	"github.com/remembr/remembr/internal/security"
	"github.com/remembr/remembr/internal/service"
	"github.com/remembr/remembr/internal/shortterm"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config *config.Config
	Store  registrystore.Store
	Router *gin.Engine
	// Port is the bound listener port; useful when the configured port
	// was 0.
	Port int

	httpServer *http.Server
}

// Shutdown gracefully drains and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// StartServer initializes all subsystems and starts the HTTP listener.
// Use cfg.Listener.Port=0 for an OS-assigned port; the bound port is in
// Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting remembr",
		"port", cfg.Listener.Port,
		"cache", cfg.CacheType,
		"embedding", cfg.EmbedType,
	)

	ctx = config.WithContext(ctx, cfg)

	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	if cfg.MigrateAtStart {
		if err := registrymigrate.RunAll(ctx); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}

	// Initialize cache; a cache fault degrades short-term memory and
	// the auth cache but never blocks startup.
	ca := loadCache(ctx, cfg)
	ctx = registrycache.WithContext(ctx, ca)

	storeLoader, err := registrystore.Select("postgres")
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	tokens, err := security.NewTokenManager(cfg)
	if err != nil {
		return nil, err
	}
	resolver := security.NewTokenResolver(cfg, tokens, store, ca)
	auth := security.AuthMiddleware(resolver)

	windows := shortterm.NewEngine(ca, store, cfg)

	// Embedder is optional; without one, writes skip enrichment and
	// search degrades to filter-only retrieval.
	var embedder registryembed.Embedder
	if cfg.EmbedType != "" && cfg.EmbedType != "none" {
		embedLoader, err := registryembed.Select(cfg.EmbedType)
		if err != nil {
			log.Warn("Embedder not available", "embedding", cfg.EmbedType, "err", err)
		} else if embedder, err = embedLoader(ctx); err != nil {
			log.Warn("Failed to initialize embedder", "embedding", cfg.EmbedType, "err", err)
			embedder = nil
		}
	}

	var enricher *service.Enricher
	if embedder != nil {
		enricher = service.NewEnricher(store, embedder, cfg)
		enricher.Start(ctx)
		sweeper := service.NewBackfillSweeper(store, enricher, cfg)
		go sweeper.Start(ctx)
	}

	searchEngine := search.NewEngine(store, embedder, windows)
	forgetSvc := forget.NewService(store, windows, audit.NewRecorder(store))

	defaultLimiter := ratelimit.NewLimiter(cfg.RateLimitDefaultPerMinute)
	searchLimiter := ratelimit.NewLimiter(cfg.RateLimitSearchPerMinute)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	router.Use(httpapi.RequestIDMiddleware())
	router.Use(security.MetricsMiddleware())
	router.Use(ratelimit.Middleware(defaultLimiter))

	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	routeauth.MountRoutes(router, store, tokens, resolver, ca)
	routeapikeys.MountRoutes(router, store, resolver, auth)
	routesessions.MountRoutes(router, store, windows, auth)
	routememories.MountRoutes(router, store, windows, enricher, auth)
	routesearch.MountRoutes(router, searchEngine, searchLimiter, auth)
	routeforget.MountRoutes(router, forgetSvc, auth)

	for _, loader := range registryroute.ManagementRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Listener.Port))
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "err", err)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	log.Info("Server listening", "port", port)

	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Store:      store,
		Router:     router,
		Port:       port,
		httpServer: srv,
	}, nil
}

// loadCache selects the configured cache backend, falling back to the
// in-process no-op cache when it cannot be initialized.
func loadCache(ctx context.Context, cfg *config.Config) registrycache.Cache {
	loader, err := registrycache.Select(cfg.CacheType)
	if err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if ca, err := loader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
	} else {
		return ca
	}

	noopLoader, err := registrycache.Select("none")
	if err != nil {
		return nil
	}
	ca, err := noopLoader(ctx)
	if err != nil {
		return nil
	}
	return ca
}
