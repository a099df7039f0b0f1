package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/PratikDhanave/hook-ingestion-service/internal/config"
	"github.com/PratikDhanave/hook-ingestion-service/internal/dedupe"
	"github.com/PratikDhanave/hook-ingestion-service/internal/dispatch"
	"github.com/PratikDhanave/hook-ingestion-service/internal/httpserver"
	"github.com/PratikDhanave/hook-ingestion-service/internal/logging"
	"github.com/PratikDhanave/hook-ingestion-service/internal/metrics"
	"github.com/PratikDhanave/hook-ingestion-service/internal/pipeline"
	"github.com/PratikDhanave/hook-ingestion-service/internal/queue"
	"github.com/PratikDhanave/hook-ingestion-service/internal/reconcile"
	"github.com/PratikDhanave/hook-ingestion-service/internal/schema"
	"github.com/PratikDhanave/hook-ingestion-service/internal/store"
	"github.com/PratikDhanave/hook-ingestion-service/internal/transcript"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run boots the service: config -> DB -> schema -> pipeline -> HTTP server.
func run() error {
	var configPath, addr string
	flagSet := pflag.NewFlagSet("hook-ingestion-api", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&addr, "addr", "", "listen address (overrides LISTEN_ADDR)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to durable storage (Postgres) using a connection pool.
	db, err := store.NewPostgresStore(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Ensure required tables/indexes exist so `docker compose up --build` is enough.
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	validator, err := schema.New()
	if err != nil {
		return err
	}

	m := metrics.New()
	ready := map[string]httpserver.Pinger{"postgres": db}
	deps := pipeline.Deps{
		Audit:      db,
		Detector:   dedupe.NewDefault(db, db),
		Validator:  validator,
		Dispatcher: dispatch.New(db, logger),
		Metrics:    m,
		Log:        logger,
	}

	// The queue is optional; without it timed-out reconciliations are only logged.
	var scheduler reconcile.Scheduler
	if cfg.Redis.Addr != "" {
		q, err := queue.NewRedisQueue(queue.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		defer q.Close()
		scheduler = q
		deps.Retries = q
		ready["redis"] = q
		go reportQueueDepth(ctx, q, m, logger)
	}
	deps.Reconciler = reconcile.New(db, transcript.NewFileParser(cfg.TranscriptRoot), scheduler, cfg.ReconcileTimeout, logger)

	router := httpserver.NewRouter(cfg, httpserver.Deps{
		Ingester: pipeline.New(deps),
		Queries:  db,
		Ready:    ready,
		Metrics:  m,
		Log:      logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started", "addr", cfg.ListenAddr, "queue", cfg.Redis.Addr != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func reportQueueDepth(ctx context.Context, q *queue.RedisQueue, m *metrics.Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc, rt, err := q.Depths(ctx)
			if err != nil {
				logger.Warn("queue depth unavailable", "error", err)
				continue
			}
			m.SetQueueDepth("reconcile", rc)
			m.SetQueueDepth("retry", rt)
		}
	}
}
