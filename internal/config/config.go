package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/SirClappington/flowgate/internal/domain"
	"github.com/SirClappington/flowgate/internal/queue"
	"github.com/SirClappington/flowgate/internal/storage"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	APIAddr  string `env:"API_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// PostgresDSN selects the Postgres store; SQLitePath is used when it is empty.
	PostgresDSN   string `env:"POSTGRES_DSN"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"flowgate.db"`
	MigrationsDir string `env:"MIGRATIONS_DIR"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	RateLimit RateLimit `envPrefix:"RATELIMIT_"`
	Queue     Queue     `envPrefix:"QUEUE_"`

	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1m"`
}

type RateLimit struct {
	FailOpen     bool `env:"FAIL_OPEN" envDefault:"true"`
	AtomicScript bool `env:"ATOMIC_SCRIPT"`
	DefaultRPM   int  `env:"DEFAULT_RPM" envDefault:"60"`
	DefaultRPH   int  `env:"DEFAULT_RPH" envDefault:"1000"`
	DefaultRPD   int  `env:"DEFAULT_RPD" envDefault:"10000"`
}

type Queue struct {
	PollInterval       time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	BatchSize          int           `env:"BATCH_SIZE" envDefault:"10"`
	DefaultMaxAttempts int           `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	BaseRetryDelay     time.Duration `env:"BASE_RETRY_DELAY" envDefault:"1s"`
	MaxRetryDelay      time.Duration `env:"MAX_RETRY_DELAY" envDefault:"1h"`
	StaleAfter         time.Duration `env:"STALE_AFTER" envDefault:"24h"`
	StaleSweepInterval time.Duration `env:"STALE_SWEEP_INTERVAL" envDefault:"10m"`
	StalePolicy        string        `env:"STALE_POLICY" envDefault:"requeue"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// MustLoad is Load for process entry points; it exits on error.
func MustLoad() Config {
	c, err := Load()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func (c Config) validate() error {
	if c.PostgresDSN == "" && c.SQLitePath == "" {
		return fmt.Errorf("one of POSTGRES_DSN or SQLITE_PATH is required")
	}
	if _, err := storage.ParseStalePolicy(c.Queue.StalePolicy); err != nil {
		return fmt.Errorf("QUEUE_STALE_POLICY: %w", err)
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be positive, got %d", c.Queue.BatchSize)
	}
	if c.Queue.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_DEFAULT_MAX_ATTEMPTS must be positive, got %d", c.Queue.DefaultMaxAttempts)
	}
	return nil
}

func (c Config) Dev() bool { return c.AppEnv == "dev" }

// DefaultQuota is applied to callers that do not carry their own quota.
func (c Config) DefaultQuota() domain.Quota {
	return domain.Quota{
		PerMinute: c.RateLimit.DefaultRPM,
		PerHour:   c.RateLimit.DefaultRPH,
		PerDay:    c.RateLimit.DefaultRPD,
	}
}

func (c Config) QueueConfig() queue.Config {
	// validated in Load
	policy, _ := storage.ParseStalePolicy(c.Queue.StalePolicy)
	return queue.Config{
		PollInterval:       c.Queue.PollInterval,
		BatchSize:          c.Queue.BatchSize,
		DefaultMaxAttempts: c.Queue.DefaultMaxAttempts,
		BaseRetryDelay:     c.Queue.BaseRetryDelay,
		MaxRetryDelay:      c.Queue.MaxRetryDelay,
		StaleAfter:         c.Queue.StaleAfter,
		StaleSweepInterval: c.Queue.StaleSweepInterval,
		StalePolicy:        policy,
		ShutdownTimeout:    c.Queue.ShutdownTimeout,
	}
}
