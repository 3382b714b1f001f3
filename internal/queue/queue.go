// Package queue runs a persistent priority job queue on top of a storage.Store.
//
// Publish durably records a PENDING job and wakes the poll loop. The loop
// claims due jobs for the topics this process has handlers for, dispatches
// each claimed job to its handler outside of any store transaction and
// records the outcome. Failed jobs are retried with exponential backoff until
// their attempt ceiling is reached. Mutual exclusion between workers comes
// only from the store's claim; the in-memory active set guards against
// dispatching the same job twice within one process.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/flowgate/internal/domain"
	"github.com/SirClappington/flowgate/internal/storage"
)

var (
	ErrShutdownTimeout = errors.New("queue shutdown timed out with jobs in flight")
	ErrAlreadyStarted  = errors.New("queue already started")
	ErrEmptyTopic      = errors.New("topic is required")
	ErrInvalidPayload  = errors.New("payload is not valid JSON")
)

// Handler processes one job. A returned error (or a panic) counts as a failed
// attempt; wrap it with Permanent to skip the remaining retries.
type Handler func(ctx context.Context, job domain.Job) error

type Config struct {
	PollInterval       time.Duration
	BatchSize          int
	DefaultMaxAttempts int
	BaseRetryDelay     time.Duration
	MaxRetryDelay      time.Duration
	// StaleAfter is how long a job may stay PROCESSING before a sweep reclaims it.
	StaleAfter time.Duration
	// StaleSweepInterval enables periodic sweeps; zero sweeps only on Start.
	StaleSweepInterval time.Duration
	StalePolicy        storage.StalePolicy
	ShutdownTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		BatchSize:          10,
		DefaultMaxAttempts: 3,
		BaseRetryDelay:     time.Second,
		MaxRetryDelay:      time.Hour,
		StaleAfter:         24 * time.Hour,
		StalePolicy:        storage.StaleRequeue,
		ShutdownTimeout:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = d.DefaultMaxAttempts
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.MaxRetryDelay < c.BaseRetryDelay {
		c.MaxRetryDelay = max(d.MaxRetryDelay, c.BaseRetryDelay)
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.StalePolicy == "" {
		c.StalePolicy = d.StalePolicy
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

type Option func(*Queue)

func WithLogger(l *zap.Logger) Option { return func(q *Queue) { q.logger = l } }

func WithMetrics(m *MetricsCollector) Option { return func(q *Queue) { q.metrics = m } }

// WithNotifier lets publishes in one process wake the poll loops of others.
func WithNotifier(n Notifier) Option { return func(q *Queue) { q.notifier = n } }

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

type Queue struct {
	store    storage.Store
	cfg      Config
	logger   *zap.Logger
	metrics  *MetricsCollector
	notifier Notifier
	now      func() time.Time

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	observersMu sync.RWMutex
	observers   map[int]func(Event)
	nextObs     int

	activeMu sync.Mutex
	active   map[string]struct{}
	inflight sync.WaitGroup
	running  atomic.Int64

	polling atomic.Bool
	wakeup  chan struct{}

	runMu    sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
	// baseCtx is set once in New and never canceled; handlers, claims and
	// outcome writes use it so Shutdown never tears a store write.
	baseCtx context.Context
}

func New(store storage.Store, cfg Config, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		cfg:       cfg.withDefaults(),
		logger:    zap.NewNop(),
		now:       time.Now,
		handlers:  make(map[string]Handler),
		observers: make(map[int]func(Event)),
		active:    make(map[string]struct{}),
		wakeup:    make(chan struct{}, 1),
		baseCtx:   context.Background(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

type publishOptions struct {
	priority    domain.Priority
	maxAttempts int
}

type PublishOption func(*publishOptions)

func WithPriority(p domain.Priority) PublishOption {
	return func(o *publishOptions) { o.priority = p }
}

func WithMaxAttempts(n int) PublishOption {
	return func(o *publishOptions) { o.maxAttempts = n }
}

// Publish records a PENDING job and returns its id. The payload must be JSON
// (empty means null); stores may normalize its formatting. Store errors are
// returned to the caller; nothing is enqueued in that case.
func (q *Queue) Publish(ctx context.Context, topic string, payload []byte, opts ...PublishOption) (string, error) {
	if topic == "" {
		return "", ErrEmptyTopic
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", ErrInvalidPayload
	}
	po := publishOptions{priority: domain.Medium, maxAttempts: q.cfg.DefaultMaxAttempts}
	for _, o := range opts {
		o(&po)
	}
	if po.maxAttempts <= 0 {
		po.maxAttempts = q.cfg.DefaultMaxAttempts
	}

	job, err := q.store.InsertJob(ctx, storage.InsertJobParams{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		Priority:    po.priority,
		MaxAttempts: po.maxAttempts,
		CreatedAt:   q.now(),
	})
	if err != nil {
		q.logger.Error("publish failed", zap.String("topic", topic), zap.Error(err))
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}

	q.metrics.published(topic)
	q.logger.Debug("job published",
		zap.String("job_id", job.ID),
		zap.String("topic", topic),
		zap.Stringer("priority", job.Priority),
	)
	q.emit(Event{Type: EventPublished, Job: job, At: job.CreatedAt})

	q.Wake()
	if q.notifier != nil {
		if err := q.notifier.Notify(ctx, topic); err != nil {
			q.logger.Warn("publish notification failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	return job.ID, nil
}

// Subscribe registers h for topic, replacing any previous handler. Jobs of
// topics without a handler are not claimed by this process and stay PENDING.
func (q *Queue) Subscribe(topic string, h Handler) {
	q.handlersMu.Lock()
	q.handlers[topic] = h
	q.handlersMu.Unlock()
	q.logger.Info("subscribed", zap.String("topic", topic))
	q.Wake()
}

// Unsubscribe stops future claims for topic. Jobs already dispatched finish normally.
func (q *Queue) Unsubscribe(topic string) {
	q.handlersMu.Lock()
	delete(q.handlers, topic)
	q.handlersMu.Unlock()
	q.logger.Info("unsubscribed", zap.String("topic", topic))
}

func (q *Queue) handler(topic string) Handler {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	return q.handlers[topic]
}

func (q *Queue) topics() []string {
	q.handlersMu.RLock()
	out := make([]string, 0, len(q.handlers))
	for t := range q.handlers {
		out = append(out, t)
	}
	q.handlersMu.RUnlock()
	sort.Strings(out)
	return out
}

// Observe registers fn for every queue event and returns a func that removes it.
// Observers run synchronously on the goroutine producing the event.
func (q *Queue) Observe(fn func(Event)) (remove func()) {
	q.observersMu.Lock()
	id := q.nextObs
	q.nextObs++
	q.observers[id] = fn
	q.observersMu.Unlock()
	return func() {
		q.observersMu.Lock()
		delete(q.observers, id)
		q.observersMu.Unlock()
	}
}

func (q *Queue) emit(ev Event) {
	q.observersMu.RLock()
	fns := make([]func(Event), 0, len(q.observers))
	for _, fn := range q.observers {
		fns = append(fns, fn)
	}
	q.observersMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Wake requests an immediate poll without waiting for the next tick.
func (q *Queue) Wake() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}
