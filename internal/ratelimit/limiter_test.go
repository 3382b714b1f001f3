package ratelimit

import (
	"context"
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
)

type LimiterTestSuite struct {
	suite.Suite
	atomicScript bool

	mr  *miniredis.Miniredis
	rdb *r.Client
	now time.Time
}

func TestLimiterPipeline(t *testing.T) {
	suite.Run(t, &LimiterTestSuite{})
}

func TestLimiterAtomicScript(t *testing.T) {
	suite.Run(t, &LimiterTestSuite{atomicScript: true})
}

func (ts *LimiterTestSuite) SetupTest() {
	ts.mr = miniredis.RunT(ts.T())
	ts.rdb = r.NewClient(&r.Options{Addr: ts.mr.Addr(), MaxRetries: -1})
	ts.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (ts *LimiterTestSuite) TearDownTest() {
	_ = ts.rdb.Close()
}

func (ts *LimiterTestSuite) newLimiter(opts Options) *Limiter {
	opts.AtomicScript = ts.atomicScript
	opts.Now = func() time.Time { return ts.now }
	return New(ts.rdb, opts)
}

func (ts *LimiterTestSuite) TestTwoPerMinuteThirdDenied() {
	lim := ts.newLimiter(Options{})
	quota := domain.Quota{PerMinute: 2, PerHour: 100, PerDay: 1000}
	ctx := context.Background()

	var allowed []bool
	var last Result
	for i := 0; i < 3; i++ {
		res, err := lim.Check(ctx, "caller-1", quota)
		ts.Require().NoError(err)
		allowed = append(allowed, res.Allowed)
		last = res
	}
	ts.Equal([]bool{true, true, false}, allowed)
	ts.Equal(int64(0), last.Remaining.Minute)
	ts.Equal(int64(2), last.Current.Minute)
	ts.Equal(int64(3), last.Current.Hour)
	ts.Equal(int64(97), last.Remaining.Hour)
	ts.Equal(ts.now.Add(time.Minute), last.ResetAt.Minute)
	ts.Equal(ts.now.Add(24*time.Hour), last.ResetAt.Day)
}

func (ts *LimiterTestSuite) TestQuotaNeverExceededSequential() {
	lim := ts.newLimiter(Options{})
	ctx := context.Background()
	for _, k := range []int{1, 3, 7} {
		caller := "seq-" + string(rune('a'+k))
		quota := domain.Quota{PerMinute: k, PerHour: 1000, PerDay: 1000}
		var n int
		for i := 0; i < 20; i++ {
			res, err := lim.Check(ctx, caller, quota)
			ts.Require().NoError(err)
			if res.Allowed {
				n++
			}
		}
		ts.Equal(k, n, "rpm=%d", k)

		stats, err := lim.Stats(ctx, caller)
		ts.Require().NoError(err)
		ts.Equal(int64(k), stats.Minute)
	}
}

func (ts *LimiterTestSuite) TestQuotaNeverExceededConcurrent() {
	lim := ts.newLimiter(Options{})
	quota := domain.Quota{PerMinute: 5, PerHour: 1000, PerDay: 1000}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := lim.Check(context.Background(), "busy", quota)
			ts.NoError(err)
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	ts.LessOrEqual(allowed.Load(), int64(5))
	ts.GreaterOrEqual(allowed.Load(), int64(1))
}

func (ts *LimiterTestSuite) TestRollbackOnlyExceededWindows() {
	lim := ts.newLimiter(Options{})
	quota := domain.Quota{PerMinute: 10, PerHour: 1, PerDay: 100}
	ctx := context.Background()

	res, err := lim.Check(ctx, "hourly", quota)
	ts.Require().NoError(err)
	ts.True(res.Allowed)

	res, err = lim.Check(ctx, "hourly", quota)
	ts.Require().NoError(err)
	ts.False(res.Allowed)
	ts.Equal(int64(1), res.Current.Hour)
	ts.Equal(int64(0), res.Remaining.Hour)

	stats, err := lim.Stats(ctx, "hourly")
	ts.Require().NoError(err)
	ts.Equal(domain.Usage{Minute: 2, Hour: 1, Day: 2}, stats)
}

func (ts *LimiterTestSuite) TestZeroQuotaAlwaysDenies() {
	lim := ts.newLimiter(Options{})
	for i := 0; i < 3; i++ {
		res, err := lim.Check(context.Background(), "blocked", domain.Quota{PerMinute: 0, PerHour: 10, PerDay: 10})
		ts.Require().NoError(err)
		ts.False(res.Allowed)
		ts.Equal(int64(0), res.Remaining.Minute)
	}
}

func (ts *LimiterTestSuite) TestWindowSlides() {
	lim := ts.newLimiter(Options{})
	quota := domain.Quota{PerMinute: 1, PerHour: 10, PerDay: 10}
	ctx := context.Background()

	res, err := lim.Check(ctx, "slider", quota)
	ts.Require().NoError(err)
	ts.True(res.Allowed)

	ts.now = ts.now.Add(30 * time.Second)
	res, err = lim.Check(ctx, "slider", quota)
	ts.Require().NoError(err)
	ts.False(res.Allowed)

	ts.now = ts.now.Add(31 * time.Second)
	res, err = lim.Check(ctx, "slider", quota)
	ts.Require().NoError(err)
	ts.True(res.Allowed)
	ts.Equal(int64(1), res.Current.Minute)
	ts.Equal(int64(3), res.Current.Hour)
}

func (ts *LimiterTestSuite) TestKeysExpire() {
	lim := ts.newLimiter(Options{})
	_, err := lim.Check(context.Background(), "idle", domain.Quota{PerMinute: 5, PerHour: 5, PerDay: 5})
	ts.Require().NoError(err)

	ttl := ts.mr.TTL("ratelimit:{idle}:minute")
	ts.Greater(ttl, time.Minute)
	ts.LessOrEqual(ttl, time.Minute+time.Second)

	ts.mr.FastForward(2 * time.Minute)
	ts.False(ts.mr.Exists("ratelimit:{idle}:minute"))
	ts.True(ts.mr.Exists("ratelimit:{idle}:hour"))
}

func (ts *LimiterTestSuite) TestStatsIsReadOnly() {
	lim := ts.newLimiter(Options{})
	ctx := context.Background()
	_, err := lim.Check(ctx, "reader", domain.Quota{PerMinute: 5, PerHour: 5, PerDay: 5})
	ts.Require().NoError(err)

	for i := 0; i < 3; i++ {
		stats, err := lim.Stats(ctx, "reader")
		ts.Require().NoError(err)
		ts.Equal(domain.Usage{Minute: 1, Hour: 1, Day: 1}, stats)
	}

	stats, err := lim.Stats(ctx, "nobody")
	ts.Require().NoError(err)
	ts.Equal(domain.Usage{}, stats)
}

func (ts *LimiterTestSuite) TestReset() {
	lim := ts.newLimiter(Options{})
	ctx := context.Background()
	quota := domain.Quota{PerMinute: 1, PerHour: 1, PerDay: 1}

	res, err := lim.Check(ctx, "admin", quota)
	ts.Require().NoError(err)
	ts.True(res.Allowed)
	res, err = lim.Check(ctx, "admin", quota)
	ts.Require().NoError(err)
	ts.False(res.Allowed)

	ts.Require().NoError(lim.Reset(ctx, "admin"))
	stats, err := lim.Stats(ctx, "admin")
	ts.Require().NoError(err)
	ts.Equal(domain.Usage{}, stats)

	res, err = lim.Check(ctx, "admin", quota)
	ts.Require().NoError(err)
	ts.True(res.Allowed)
}

func (ts *LimiterTestSuite) TestFailOpen() {
	metrics := NewMetricsCollector("test")
	lim := ts.newLimiter(Options{Metrics: metrics})
	ts.mr.Close()

	for i := 0; i < 5; i++ {
		res, err := lim.Check(context.Background(), "caller", domain.Quota{PerMinute: 1, PerHour: 1, PerDay: 1})
		ts.Require().NoError(err)
		ts.True(res.Allowed)
		ts.True(res.Degraded)
		ts.Equal(domain.Usage{}, res.Current)
		ts.Equal(domain.Usage{Minute: 1, Hour: 1, Day: 1}, res.Remaining)
	}
	ts.Equal(float64(5), testutil.ToFloat64(metrics.Decisions.WithLabelValues(decisionFailOpen)))
	ts.Error(lim.HealthCheck(context.Background()))
}

func (ts *LimiterTestSuite) TestFailClosed() {
	lim := ts.newLimiter(Options{FailClosed: true})
	ts.mr.Close()

	res, err := lim.Check(context.Background(), "caller", domain.Quota{PerMinute: 10, PerHour: 10, PerDay: 10})
	ts.Require().ErrorIs(err, ErrStoreUnavailable)
	ts.False(res.Allowed)
}

func (ts *LimiterTestSuite) TestCanceledContextIsNotAnOutage() {
	metrics := NewMetricsCollector("test")
	lim := ts.newLimiter(Options{Metrics: metrics, FailClosed: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := lim.Check(ctx, "caller", domain.Quota{PerMinute: 10, PerHour: 10, PerDay: 10})
	ts.Require().ErrorIs(err, context.Canceled)
	ts.NotErrorIs(err, ErrStoreUnavailable)
	ts.False(res.Allowed)
	ts.False(res.Degraded)
	ts.Equal(float64(0), testutil.ToFloat64(metrics.Decisions.WithLabelValues(decisionFailClosed)))
	ts.Equal(float64(0), testutil.ToFloat64(metrics.Decisions.WithLabelValues(decisionFailOpen)))

	stats, err := lim.Stats(context.Background(), "caller")
	ts.Require().NoError(err)
	ts.Equal(domain.Usage{}, stats)
}

func (ts *LimiterTestSuite) TestMetricsCountDecisions() {
	metrics := NewMetricsCollector("test")
	lim := ts.newLimiter(Options{Metrics: metrics})
	quota := domain.Quota{PerMinute: 1, PerHour: 10, PerDay: 10}
	for i := 0; i < 3; i++ {
		_, err := lim.Check(context.Background(), "counted", quota)
		ts.Require().NoError(err)
	}
	ts.Equal(float64(1), testutil.ToFloat64(metrics.Decisions.WithLabelValues(decisionAllowed)))
	ts.Equal(float64(2), testutil.ToFloat64(metrics.Decisions.WithLabelValues(decisionDenied)))
}

func TestHealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	defer rdb.Close()
	require.NoError(t, New(rdb, Options{}).HealthCheck(context.Background()))
}
