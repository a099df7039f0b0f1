// reconciler drains the deferred reconciliation list: sessions whose
// transcript backfill timed out during SessionEnd are retried here.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/PratikDhanave/hook-ingestion-service/internal/config"
	"github.com/PratikDhanave/hook-ingestion-service/internal/logging"
	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
	"github.com/PratikDhanave/hook-ingestion-service/internal/queue"
	"github.com/PratikDhanave/hook-ingestion-service/internal/reconcile"
	"github.com/PratikDhanave/hook-ingestion-service/internal/store"
	"github.com/PratikDhanave/hook-ingestion-service/internal/transcript"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var timeout time.Duration
	flagSet := pflag.NewFlagSet("hook-ingestion-reconciler", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.DurationVar(&timeout, "timeout", time.Minute, "per-session reconciliation timeout")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Redis.Addr == "" {
		return errors.New("REDIS_ADDR required")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewPostgresStore(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

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

	// A run that times out again goes back on the list.
	trigger := reconcile.New(db, transcript.NewFileParser(cfg.TranscriptRoot), q, timeout, logger)
	logger.Info("reconciler started", "transcript_root", cfg.TranscriptRoot)
	return drain(ctx, q, db, trigger, logger)
}

type sessionSource interface {
	PopReconcile(ctx context.Context) (string, error)
}

type conversationFinder interface {
	FindConversationBySession(ctx context.Context, sessionID string) (*models.Conversation, error)
}

type runner interface {
	Run(ctx context.Context, sessionID, conversationID string) models.Reconciliation
}

func drain(ctx context.Context, src sessionSource, convs conversationFinder, r runner, logger *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		sessionID, err := src.PopReconcile(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("pop reconcile", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if sessionID == "" {
			continue
		}
		conv, err := convs.FindConversationBySession(ctx, sessionID)
		if err != nil {
			logger.Warn("skip reconcile: conversation lookup failed", "session_id", sessionID, "error", err)
			continue
		}
		res := r.Run(ctx, sessionID, conv.ID)
		logger.Info("session reconciled",
			"session_id", sessionID,
			"messages_added", res.MessagesAdded,
			"tool_uses_added", res.ToolUsesAdded,
			"rescheduled", res.Scheduled,
			"error", res.Error)
	}
}
