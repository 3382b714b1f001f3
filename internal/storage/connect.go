package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type ConnectParams struct {
	// PostgresDSN selects Postgres; SQLitePath is used when it is empty.
	PostgresDSN string
	SQLitePath  string
	// MigrationsDir, when set, is applied with goose before the pool is opened.
	MigrationsDir string
	// MaxWait bounds how long Connect keeps retrying an unreachable Postgres.
	MaxWait time.Duration
}

// Connect opens the configured store, retrying Postgres with exponential
// backoff while the database comes up.
func Connect(ctx context.Context, p ConnectParams, logger *zap.Logger) (Store, error) {
	if p.PostgresDSN == "" {
		logger.Info("using sqlite job store", zap.String("path", p.SQLitePath))
		return OpenSQLite(p.SQLitePath)
	}
	if p.MaxWait <= 0 {
		p.MaxWait = time.Minute
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = p.MaxWait
	retry := func(op string, fn func() error) error {
		return backoff.RetryNotify(fn, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
			logger.Warn("postgres not ready, retrying", zap.String("op", op), zap.Duration("backoff", d), zap.Error(err))
		})
	}

	if p.MigrationsDir != "" {
		if err := retry("migrate", func() error { return MigratePostgres(p.PostgresDSN, p.MigrationsDir) }); err != nil {
			return nil, err
		}
		logger.Info("postgres migrations applied", zap.String("dir", p.MigrationsDir))
	}

	pool, err := pgxpool.New(ctx, p.PostgresDSN)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	b.Reset()
	if err := retry("ping", func() error { return pool.Ping(ctx) }); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	logger.Info("using postgres job store")
	return NewPostgres(pool), nil
}
