package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/SirClappington/flowgate/internal/domain"
	"github.com/SirClappington/flowgate/internal/storage"
)

const waitFor = 5 * time.Second

type QueueTestSuite struct {
	suite.Suite
	store  *storage.SQLite
	ctx    context.Context
	queues []*Queue
}

func TestQueue(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}

func (ts *QueueTestSuite) SetupTest() {
	s, err := storage.OpenSQLite(filepath.Join(ts.T().TempDir(), "queue.db"))
	ts.Require().NoError(err)
	ts.store = s
	ts.ctx = context.Background()
}

func (ts *QueueTestSuite) TearDownTest() {
	for _, q := range ts.queues {
		_ = q.Shutdown(context.Background())
	}
	ts.queues = nil
	_ = ts.store.Close()
}

func testConfig() Config {
	return Config{
		PollInterval:       5 * time.Millisecond,
		BatchSize:          10,
		DefaultMaxAttempts: 3,
		BaseRetryDelay:     10 * time.Millisecond,
		MaxRetryDelay:      time.Second,
		ShutdownTimeout:    time.Second,
	}
}

func (ts *QueueTestSuite) newQueue(cfg Config, opts ...Option) *Queue {
	q := New(ts.store, cfg, opts...)
	ts.queues = append(ts.queues, q)
	return q
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) of(t EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (ts *QueueTestSuite) waitStatus(id string, want domain.Status) domain.Job {
	var job domain.Job
	ts.Require().Eventually(func() bool {
		j, err := ts.store.GetJob(ts.ctx, id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, waitFor, 5*time.Millisecond)
	return job
}

func (ts *QueueTestSuite) TestPublishDefaults() {
	q := ts.newQueue(testConfig())
	log := &eventLog{}
	q.Observe(log.record)

	id, err := q.Publish(ts.ctx, "emails", []byte(`{"to":"a@b.c"}`))
	ts.Require().NoError(err)

	job, err := ts.store.GetJob(ts.ctx, id)
	ts.Require().NoError(err)
	ts.Equal(domain.Pending, job.Status)
	ts.Equal(domain.Medium, job.Priority)
	ts.Equal(3, job.MaxAttempts)
	ts.Equal(0, job.Attempts)
	ts.Len(log.of(EventPublished), 1)

	_, err = q.Publish(ts.ctx, "", nil)
	ts.ErrorIs(err, ErrEmptyTopic)
}

func (ts *QueueTestSuite) TestPublishReturnsStoreErrors() {
	q := ts.newQueue(testConfig())
	ts.Require().NoError(ts.store.Close())
	_, err := q.Publish(ts.ctx, "emails", nil)
	ts.Error(err)
}

func (ts *QueueTestSuite) TestPriorityOrderOfFirstClaims() {
	cfg := testConfig()
	cfg.BatchSize = 1
	q := ts.newQueue(cfg)

	var failedOnce atomic.Bool
	var medID string
	q.Subscribe("work", func(ctx context.Context, job domain.Job) error {
		if job.ID == medID && failedOnce.CompareAndSwap(false, true) {
			return errors.New("transient")
		}
		return nil
	})

	var (
		mu    sync.Mutex
		first []string
		seen  = map[string]bool{}
	)
	q.Observe(func(ev Event) {
		if ev.Type != EventClaimed {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if !seen[ev.Job.ID] {
			seen[ev.Job.ID] = true
			first = append(first, ev.Job.ID)
		}
	})

	low, err := q.Publish(ts.ctx, "work", nil, WithPriority(domain.Low), WithMaxAttempts(2))
	ts.Require().NoError(err)
	crit, err := q.Publish(ts.ctx, "work", nil, WithPriority(domain.Critical), WithMaxAttempts(2))
	ts.Require().NoError(err)
	medID, err = q.Publish(ts.ctx, "work", nil, WithPriority(domain.Medium), WithMaxAttempts(2))
	ts.Require().NoError(err)

	ts.Require().NoError(q.Start(ts.ctx))

	for _, id := range []string{low, crit, medID} {
		ts.waitStatus(id, domain.Completed)
	}
	mu.Lock()
	ts.Equal([]string{crit, medID, low}, first)
	mu.Unlock()

	med, err := ts.store.GetJob(ts.ctx, medID)
	ts.Require().NoError(err)
	ts.Equal(2, med.Attempts)
	for _, id := range []string{low, crit} {
		j, err := ts.store.GetJob(ts.ctx, id)
		ts.Require().NoError(err)
		ts.Equal(1, j.Attempts)
	}
}

func (ts *QueueTestSuite) TestAlwaysFailingHandlerUsesExponentialBackoff() {
	q := ts.newQueue(testConfig())
	log := &eventLog{}
	q.Observe(log.record)

	var calls atomic.Int32
	q.Subscribe("flaky", func(ctx context.Context, job domain.Job) error {
		calls.Add(1)
		return errors.New("always broken")
	})

	id, err := q.Publish(ts.ctx, "flaky", nil, WithMaxAttempts(3))
	ts.Require().NoError(err)
	ts.Require().NoError(q.Start(ts.ctx))

	ts.Require().Eventually(func() bool { return len(log.of(EventFailed)) == 1 }, waitFor, 5*time.Millisecond)

	job, err := ts.store.GetJob(ts.ctx, id)
	ts.Require().NoError(err)
	ts.Equal(domain.Failed, job.Status)
	ts.Equal(3, job.Attempts)
	ts.True(job.Terminal())
	ts.Nil(job.NextRetryAt)
	ts.Require().NotNil(job.Error)
	ts.Equal("always broken", *job.Error)
	ts.Equal(int32(3), calls.Load())

	retries := log.of(EventRetryScheduled)
	ts.Require().Len(retries, 2)
	for i, ev := range retries {
		ts.Require().NotNil(ev.RetryAt)
		ts.Equal(10*time.Millisecond<<i, ev.RetryAt.Sub(ev.At))
		ts.Equal(i+1, ev.Job.Attempts)
	}
}

func (ts *QueueTestSuite) TestUnsubscribedTopicStaysPending() {
	q := ts.newQueue(testConfig())
	q.Subscribe("known", func(ctx context.Context, job domain.Job) error { return nil })

	id, err := q.Publish(ts.ctx, "orphan", nil)
	ts.Require().NoError(err)

	for i := 0; i < 3; i++ {
		n, err := q.PollOnce(ts.ctx)
		ts.Require().NoError(err)
		ts.Equal(0, n)
	}
	job, err := ts.store.GetJob(ts.ctx, id)
	ts.Require().NoError(err)
	ts.Equal(domain.Pending, job.Status)
	ts.Equal(0, job.Attempts)
}

// unsubscribingStore drops the handler right after a successful claim.
type unsubscribingStore struct {
	storage.Store
	after func()
}

func (s *unsubscribingStore) ClaimJobs(ctx context.Context, p storage.ClaimParams) ([]domain.Job, error) {
	jobs, err := s.Store.ClaimJobs(ctx, p)
	if err == nil && len(jobs) > 0 {
		s.after()
	}
	return jobs, err
}

func (ts *QueueTestSuite) TestClaimedJobWithoutHandlerIsReleased() {
	wrapped := &unsubscribingStore{Store: ts.store}
	q := New(wrapped, testConfig())
	wrapped.after = func() { q.Unsubscribe("reports") }

	log := &eventLog{}
	q.Observe(log.record)
	q.Subscribe("reports", func(ctx context.Context, job domain.Job) error {
		ts.Fail("handler must not run")
		return nil
	})

	id, err := q.Publish(ts.ctx, "reports", nil)
	ts.Require().NoError(err)

	n, err := q.PollOnce(ts.ctx)
	ts.Require().NoError(err)
	ts.Equal(0, n)
	ts.Len(log.of(EventReleased), 1)

	job, err := ts.store.GetJob(ts.ctx, id)
	ts.Require().NoError(err)
	ts.Equal(domain.Pending, job.Status)
	ts.Equal(0, job.Attempts)
	ts.Nil(job.StartedAt)
}

func (ts *QueueTestSuite) TestCompetingQueuesProcessEachJobOnce() {
	const total = 40
	var (
		mu      sync.Mutex
		handled = map[string]int{}
	)
	handler := func(ctx context.Context, job domain.Job) error {
		mu.Lock()
		handled[job.ID]++
		mu.Unlock()
		return nil
	}

	publisher := ts.newQueue(testConfig())
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		id, err := publisher.Publish(ts.ctx, "fanout", nil, WithPriority(domain.Priority(i%4)))
		ts.Require().NoError(err)
		ids = append(ids, id)
	}

	for i := 0; i < 4; i++ {
		cfg := testConfig()
		cfg.BatchSize = 3
		w := ts.newQueue(cfg)
		w.Subscribe("fanout", handler)
		ts.Require().NoError(w.Start(ts.ctx))
	}

	for _, id := range ids {
		ts.waitStatus(id, domain.Completed)
	}
	mu.Lock()
	defer mu.Unlock()
	ts.Len(handled, total)
	for id, n := range handled {
		ts.Equalf(1, n, "job %s handled %d times", id, n)
	}
}

func (ts *QueueTestSuite) TestPanickingHandlerCountsAsFailure() {
	q := ts.newQueue(testConfig())
	q.Subscribe("boom", func(ctx context.Context, job domain.Job) error {
		panic("kaboom")
	})

	id, err := q.Publish(ts.ctx, "boom", nil, WithMaxAttempts(1))
	ts.Require().NoError(err)
	ts.Require().NoError(q.Start(ts.ctx))

	job := ts.waitStatus(id, domain.Failed)
	ts.Equal(1, job.Attempts)
	ts.Require().NotNil(job.Error)
	ts.Contains(*job.Error, "kaboom")
}

func (ts *QueueTestSuite) TestPermanentErrorSkipsRetries() {
	q := ts.newQueue(testConfig())
	q.Subscribe("strict", func(ctx context.Context, job domain.Job) error {
		return Permanent(errors.New("bad input"))
	})

	id, err := q.Publish(ts.ctx, "strict", nil, WithMaxAttempts(5))
	ts.Require().NoError(err)
	ts.Require().NoError(q.Start(ts.ctx))

	job := ts.waitStatus(id, domain.Failed)
	ts.Equal(1, job.Attempts)
	ts.True(job.Terminal())
}

type signup struct {
	Email string `json:"email"`
}

func (ts *QueueTestSuite) TestTypedTopic() {
	q := ts.newQueue(testConfig())
	topic := NewTopic[signup]("signups")

	got := make(chan signup, 1)
	topic.Subscribe(q, func(ctx context.Context, s signup) error {
		got <- s
		return nil
	})

	id, err := topic.Publish(ts.ctx, q, signup{Email: "x@y.z"}, WithPriority(domain.High))
	ts.Require().NoError(err)
	ts.Require().NoError(q.Start(ts.ctx))

	select {
	case s := <-got:
		ts.Equal("x@y.z", s.Email)
	case <-time.After(waitFor):
		ts.FailNow("handler not called")
	}
	ts.waitStatus(id, domain.Completed)

	bad, err := q.Publish(ts.ctx, "signups", []byte(`"not an object"`), WithMaxAttempts(3))
	ts.Require().NoError(err)
	job := ts.waitStatus(bad, domain.Failed)
	ts.Equal(1, job.Attempts)
	ts.True(job.Terminal())
}

func (ts *QueueTestSuite) TestShutdownTimesOutWithInFlightJobs() {
	cfg := testConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	q := New(ts.store, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	q.Subscribe("slow", func(ctx context.Context, job domain.Job) error {
		close(started)
		<-release
		return nil
	})

	id, err := q.Publish(ts.ctx, "slow", nil)
	ts.Require().NoError(err)
	ts.Require().NoError(q.Start(ts.ctx))
	ts.Require().ErrorIs(q.Start(ts.ctx), ErrAlreadyStarted)

	select {
	case <-started:
	case <-time.After(waitFor):
		ts.FailNow("handler not started")
	}

	ts.ErrorIs(q.Shutdown(ts.ctx), ErrShutdownTimeout)

	close(release)
	ts.waitStatus(id, domain.Completed)
	ts.NoError(q.Shutdown(ts.ctx))
}

func (ts *QueueTestSuite) TestShutdownWaitsForInFlightJobs() {
	cfg := testConfig()
	cfg.ShutdownTimeout = waitFor
	q := New(ts.store, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	q.Subscribe("slow", func(ctx context.Context, job domain.Job) error {
		close(started)
		<-release
		return nil
	})

	id, err := q.Publish(ts.ctx, "slow", nil)
	ts.Require().NoError(err)
	ts.Require().NoError(q.Start(ts.ctx))

	select {
	case <-started:
	case <-time.After(waitFor):
		ts.FailNow("handler not started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- q.Shutdown(ts.ctx) }()

	select {
	case err := <-stopped:
		ts.FailNowf("shutdown returned before the job finished", "err: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		ts.Require().NoError(err)
	case <-time.After(waitFor):
		ts.FailNow("shutdown did not return")
	}

	job, err := ts.store.GetJob(ts.ctx, id)
	ts.Require().NoError(err)
	ts.Equal(domain.Completed, job.Status)
}

func (ts *QueueTestSuite) TestShutdownIdleQueueWithDoneContext() {
	q := ts.newQueue(testConfig())
	q.Subscribe("idle", func(ctx context.Context, job domain.Job) error { return nil })

	done, cancel := context.WithCancel(ts.ctx)
	cancel()
	for i := 0; i < 50; i++ {
		ts.Require().NoError(q.Start(ts.ctx))
		ts.Require().NoError(q.Shutdown(done), "iteration %d", i)
	}
}

func (ts *QueueTestSuite) TestRestartAfterTimedOutShutdown() {
	cfg := testConfig()
	cfg.ShutdownTimeout = 20 * time.Millisecond
	q := ts.newQueue(cfg)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	q.Subscribe("slow", func(ctx context.Context, job domain.Job) error {
		started <- struct{}{}
		<-release
		return nil
	})

	first, err := q.Publish(ts.ctx, "slow", nil)
	ts.Require().NoError(err)
	ts.Require().NoError(q.Start(ts.ctx))
	<-started
	ts.ErrorIs(q.Shutdown(ts.ctx), ErrShutdownTimeout)

	second, err := q.Publish(ts.ctx, "slow", nil)
	ts.Require().NoError(err)
	ts.Require().NoError(q.Start(ts.ctx))
	<-started

	close(release)
	ts.waitStatus(first, domain.Completed)
	ts.waitStatus(second, domain.Completed)
}

func (ts *QueueTestSuite) TestPublishRejectsInvalidJSON() {
	q := ts.newQueue(testConfig())
	_, err := q.Publish(ts.ctx, "raw", []byte("not json"))
	ts.ErrorIs(err, ErrInvalidPayload)

	counts, err := ts.store.CountByStatus(ts.ctx)
	ts.Require().NoError(err)
	ts.Empty(counts)
}

func (ts *QueueTestSuite) TestSweepRecoversStaleJobs() {
	cfg := testConfig()
	cfg.StaleAfter = time.Hour
	q := ts.newQueue(cfg)
	log := &eventLog{}
	q.Observe(log.record)

	id, err := q.Publish(ts.ctx, "stuck", nil)
	ts.Require().NoError(err)
	_, err = ts.store.ClaimJobs(ts.ctx, storage.ClaimParams{
		Topics: []string{"stuck"},
		Limit:  1,
		Now:    time.Now().Add(-2 * time.Hour),
	})
	ts.Require().NoError(err)

	n, err := q.Sweep(ts.ctx)
	ts.Require().NoError(err)
	ts.Equal(int64(1), n)

	recovered := log.of(EventRecovered)
	ts.Require().Len(recovered, 1)
	ts.Equal(int64(1), recovered[0].Count)

	job, err := ts.store.GetJob(ts.ctx, id)
	ts.Require().NoError(err)
	ts.Equal(domain.Pending, job.Status)
	ts.Equal(0, job.Attempts)
}

func (ts *QueueTestSuite) TestMetrics() {
	mc := NewMetricsCollector("test")
	q := ts.newQueue(testConfig(), WithMetrics(mc))
	q.Subscribe("m", func(ctx context.Context, job domain.Job) error { return nil })

	id, err := q.Publish(ts.ctx, "m", nil)
	ts.Require().NoError(err)
	ts.Require().NoError(q.Start(ts.ctx))
	ts.waitStatus(id, domain.Completed)

	ts.Equal(1.0, testutil.ToFloat64(mc.Published.WithLabelValues("m")))
	ts.Require().Eventually(func() bool {
		return testutil.ToFloat64(mc.Processed.WithLabelValues("m", outcomeCompleted)) == 1
	}, waitFor, 5*time.Millisecond)
	ts.Require().Eventually(func() bool {
		return testutil.ToFloat64(mc.InFlight) == 0
	}, waitFor, 5*time.Millisecond)
}

func (ts *QueueTestSuite) TestObserverRemoval() {
	q := ts.newQueue(testConfig())
	var n atomic.Int32
	remove := q.Observe(func(Event) { n.Add(1) })

	_, err := q.Publish(ts.ctx, "t", nil)
	ts.Require().NoError(err)
	remove()
	_, err = q.Publish(ts.ctx, "t", nil)
	ts.Require().NoError(err)
	ts.Equal(int32(1), n.Load())
}

func TestRetryDelay(t *testing.T) {
	base, maxDelay := time.Second, 10*time.Second
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		require.Equal(t, w, RetryDelay(base, maxDelay, i+1), "attempt %d", i+1)
	}
	require.Equal(t, time.Second, RetryDelay(base, maxDelay, 0))
}

func TestPermanent(t *testing.T) {
	require.Nil(t, Permanent(nil))
	err := Permanent(errors.New("nope"))
	require.True(t, IsPermanent(err))
	require.False(t, IsPermanent(errors.New("transient")))
	require.EqualError(t, err, "nope")
}

func TestRedisNotifierWakesListener(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	defer rdb.Close()

	n := NewRedisNotifier(rdb, "test")
	require.Equal(t, "test:wakeup", n.Channel())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	woke := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- n.Listen(ctx, func() {
			select {
			case woke <- struct{}{}:
			default:
			}
		})
	}()

	require.Eventually(t, func() bool {
		_ = n.Notify(context.Background(), "emails")
		select {
		case <-woke:
			return true
		default:
			return false
		}
	}, waitFor, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("listener did not stop")
	}
}
