package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/flowgate/internal/config"
	"github.com/SirClappington/flowgate/internal/httpapi"
	"github.com/SirClappington/flowgate/internal/logging"
	"github.com/SirClappington/flowgate/internal/queue"
	"github.com/SirClappington/flowgate/internal/ratelimit"
	"github.com/SirClappington/flowgate/internal/storage"
)

const metricsNamespace = "flowgate"

func main() {
	cfg := config.MustLoad()
	logger, err := logging.New(cfg.Dev(), cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("api exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Connect(ctx, storage.ConnectParams{
		PostgresDSN:   cfg.PostgresDSN,
		SQLitePath:    cfg.SQLitePath,
		MigrationsDir: cfg.MigrationsDir,
	}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	limiterMetrics := ratelimit.NewMetricsCollector(metricsNamespace)
	limiterMetrics.MustRegister(reg)
	queueMetrics := queue.NewMetricsCollector(metricsNamespace)
	queueMetrics.MustRegister(reg)

	limiter := ratelimit.New(rdb, ratelimit.Options{
		FailClosed:   !cfg.RateLimit.FailOpen,
		AtomicScript: cfg.RateLimit.AtomicScript,
		Logger:       logger.Named("ratelimit"),
		Metrics:      limiterMetrics,
	})
	q := queue.New(store, cfg.QueueConfig(),
		queue.WithLogger(logger.Named("queue")),
		queue.WithMetrics(queueMetrics),
		queue.WithNotifier(queue.NewRedisNotifier(rdb, metricsNamespace)),
	)

	srv := &http.Server{
		Addr: cfg.APIAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Limiter:      limiter,
			Publisher:    q,
			Store:        store,
			DefaultQuota: cfg.DefaultQuota(),
			Logger:       logger.Named("http"),
			Gatherer:     reg,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
		defer cancel()
		logger.Info("api shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
