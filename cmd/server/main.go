/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the coin engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment
  2. Open the ledger store (SQLite or PostgreSQL)
  3. Wire resolver, engine, auditor, and HTTP handler
  4. Start the audit scheduler
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SERVER_SHUTDOWN_TIMEOUT)
  3. Stop the audit scheduler
  4. Close the store
  5. Exit

ENVIRONMENT:
  SERVER_ADDR             Listen address (default :8080)
  DB_DRIVER               sqlite | postgres (default sqlite)
  DB_SQLITE_PATH          SQLite path, ":memory:" for in-memory
  DB_POSTGRES_DSN         PostgreSQL DSN
  AUDIT_ENABLED           Scheduled audits on/off (default true)
  AUDIT_SCHEDULE          Cron spec (default @hourly)
  ENGINE_RETRY_ATTEMPTS   Conflict retry budget (default 4)
  ENGINE_RETRY_BACKOFF    Initial retry backoff (default 25ms)
  LOG_LEVEL               zerolog level (default info)
  LOG_PRETTY              Human-readable console output

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration schema
*/
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/coin-engine/api"
	"github.com/warp/coin-engine/coin"
	"github.com/warp/coin-engine/config"
	"github.com/warp/coin-engine/store/postgres"
	"github.com/warp/coin-engine/store/sqlite"
)

// backend is the full store surface the server wires together.
type backend interface {
	api.Backend
	coin.Store
	Close() error
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("configuration error")
	}

	log := newLogger(cfg.Log)

	var store backend
	switch cfg.DB.Driver {
	case config.DriverPostgres:
		store, err = postgres.New(cfg.DB.PostgresDSN)
	default:
		store, err = sqlite.New(cfg.DB.SQLitePath)
	}
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("failed to open ledger store")
	}
	defer store.Close()

	resolver := coin.NewResolver(store)
	engine := coin.NewEngine(store, resolver, store, store,
		coin.WithLogger(log.With().Str("component", "engine").Logger()),
		coin.WithEmitter(coin.LogEmitter{Log: log.With().Str("component", "events").Logger()}),
		coin.WithRetry(cfg.Engine.RetryAttempts, cfg.Engine.RetryBackoff),
	)
	auditor := coin.NewAuditor(store, log.With().Str("component", "auditor").Logger())

	handler := api.NewHandler(engine, auditor, store, resolver, log)
	router := api.NewRouter(handler)

	scheduler := api.NewAuditScheduler(handler, cfg.Audit.Schedule, log.With().Str("component", "scheduler").Logger())
	if cfg.Audit.Enabled {
		if err := scheduler.Start(); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.Audit.Schedule).Msg("invalid audit schedule")
		}
		defer scheduler.Stop()
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("driver", cfg.DB.Driver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}

	log.Info().Msg("server stopped")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stderr
	logger := zerolog.New(out)
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
