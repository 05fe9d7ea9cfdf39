package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/billing"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/catalog"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.Setup(cfg.Env, cfg.LogLevel)

	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("Starting LLM Gateway")

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load catalog
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("Failed to load catalog")
	}
	log.Info().Int("models", len(cat.Models)).Int("providers", len(cat.Providers)).Msg("✓ Loaded catalog")

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("✓ Connected to PostgreSQL")

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()
	log.Info().Msg("✓ Connected to Redis")

	// Billing
	limits, err := billing.NewSubscriptionLimits(cfg.SubscriptionWeeklyLimitUSD, cfg.SubscriptionRollingLimitUSD, cfg.SubscriptionRollingWindow)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid subscription limits")
	}
	var reloader billing.Reloader = billing.LogReloader{}
	if cfg.ReloadWebhookURL != "" {
		reloader = billing.NewWebhookReloader(cfg.ReloadWebhookURL, 10*time.Second)
	}
	reload := billing.NewAutoReload(db, reloader, cfg.ReloadTriggerUSD, cfg.ReloadLock)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gateway := handlers.NewGateway(handlers.Options{
		MaxRetries:           cfg.MaxRetries,
		FreeWorkspaces:       cfg.FreeWorkspaces,
		MaxBodyBytes:         cfg.MaxBodyBytes,
		RateLimitWindowHours: cfg.RateLimitWindowHours,
		StickyTTL:            cfg.StickyTTL,
		Subscription:         limits,
	}, handlers.Deps{
		Catalog:  cat,
		Auth:     db,
		Usage:    db,
		Store:    redisClient,
		Reload:   reload,
		Client:   handlers.NewUpstreamClient(cfg.UpstreamTimeout),
		Registry: m,
	})

	// Setup router
	r := chi.NewRouter()

	// Global middleware. No request timeout: streams can run for minutes.
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(handlers.AccessLog)
	r.Use(handlers.Recover)
	r.Use(handlers.CORSMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(r.Context()); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	gateway.Routes(r)

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("🚀 Server listening on http://localhost:%s", cfg.Port)
		log.Info().Msg("   POST /v1/messages                             - Messages")
		log.Info().Msg("   POST /v1/chat/completions                     - Chat completions")
		log.Info().Msg("   POST /v1/responses                            - Responses")
		log.Info().Msg("   POST /v1/models/{model}:generateContent       - Generate content")
		log.Info().Msg("   POST /v1/models/{model}:streamGenerateContent - Stream generate content")
		log.Info().Msg("   GET  /health                                  - Health check")
		log.Info().Msg("   GET  /metrics                                 - Prometheus metrics")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down gracefully...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Server stopped")
}
