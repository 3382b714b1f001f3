package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/flowgate/internal/config"
	"github.com/SirClappington/flowgate/internal/domain"
	"github.com/SirClappington/flowgate/internal/logging"
	"github.com/SirClappington/flowgate/internal/queue"
	"github.com/SirClappington/flowgate/internal/storage"
)

func main() {
	cfg := config.MustLoad()
	logger, err := logging.New(cfg.Dev(), cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Connect(ctx, storage.ConnectParams{
		PostgresDSN:   cfg.PostgresDSN,
		SQLitePath:    cfg.SQLitePath,
		MigrationsDir: cfg.MigrationsDir,
	}, logger)
	if err != nil {
		logger.Fatal("connect store", zap.Error(err))
	}
	defer store.Close()

	// The queue runs no handlers here; it is only used for its stale sweep.
	q := queue.New(store, cfg.QueueConfig(), queue.WithLogger(logger.Named("sweeper")))

	tick := time.NewTicker(cfg.SchedulerInterval)
	defer tick.Stop()

	logger.Info("scheduler started",
		zap.Duration("interval", cfg.SchedulerInterval),
		zap.Duration("stale_after", cfg.Queue.StaleAfter),
		zap.String("stale_policy", cfg.Queue.StalePolicy),
	)
	for {
		sweep(ctx, q, store, logger)
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-tick.C:
		}
	}
}

// sweep recovers stale jobs and logs the queue depth. With Postgres only one
// scheduler replica acts per cycle; the others hold no advisory lock and skip.
func sweep(ctx context.Context, q *queue.Queue, store storage.Store, logger *zap.Logger) {
	if _, err := q.Sweep(ctx); err != nil {
		logger.Error("stale sweep", zap.Error(err))
		return
	}
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		logger.Warn("count jobs", zap.Error(err))
		return
	}
	logger.Info("queue depth",
		zap.Int64("pending", counts[domain.Pending]),
		zap.Int64("processing", counts[domain.Processing]),
		zap.Int64("failed", counts[domain.Failed]),
	)
}
