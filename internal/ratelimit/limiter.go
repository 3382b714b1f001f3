// Package ratelimit implements per-caller admission control across three
// overlapping sliding windows (minute, hour and day) kept in Redis sorted sets.
//
// Every Check both evaluates and commits one unit of consumption. When a
// request is denied, its entry is removed only from the windows whose quota it
// exceeded; windows that still had room keep the entry. When Redis is
// unavailable the limiter admits the request unless it was built with
// FailClosed.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/flowgate/internal/domain"
)

// ErrStoreUnavailable wraps Redis failures surfaced when fail-open is disabled.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

const defaultKeyPrefix = "ratelimit"

type window struct {
	name string
	dur  time.Duration
}

var windows = [3]window{
	{name: "minute", dur: time.Minute},
	{name: "hour", dur: time.Hour},
	{name: "day", dur: 24 * time.Hour},
}

// Result is the outcome of a single Check.
type Result struct {
	Allowed   bool              `json:"allowed"`
	Current   domain.Usage      `json:"current"`
	Remaining domain.Usage      `json:"remaining"`
	ResetAt   domain.ResetTimes `json:"resetAt"`
	// Degraded is set when the decision was made without consulting Redis.
	Degraded bool `json:"degraded,omitempty"`
}

type Options struct {
	// FailClosed denies requests and returns ErrStoreUnavailable when Redis errors.
	// The zero value keeps the limiter fail-open.
	FailClosed bool
	// AtomicScript evaluates all three windows in one Lua script, so a denied
	// request never touches the windows it exceeded.
	AtomicScript bool
	KeyPrefix    string
	// ExpiryPadding is added to each window's duration for the key TTL.
	ExpiryPadding time.Duration
	Logger        *zap.Logger
	Metrics       *MetricsCollector
	Now           func() time.Time
}

type Limiter struct {
	rdb  r.UniversalClient
	opts Options
}

func New(rdb r.UniversalClient, opts Options) *Limiter {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if opts.ExpiryPadding <= 0 {
		opts.ExpiryPadding = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{rdb: rdb, opts: opts}
}

// keys share the {callerID} hash tag so one caller's windows live in one cluster slot.
func (l *Limiter) keys(callerID string) [3]string {
	var out [3]string
	for i, w := range windows {
		out[i] = fmt.Sprintf("%s:{%s}:%s", l.opts.KeyPrefix, callerID, w.name)
	}
	return out
}

func quotas(q domain.Quota) [3]int64 {
	return [3]int64{int64(q.PerMinute), int64(q.PerHour), int64(q.PerDay)}
}

// Check evaluates the caller's three windows and records the request.
// A canceled or expired ctx is returned as is and never counts as a store
// outage.
func (l *Limiter) Check(ctx context.Context, callerID string, quota domain.Quota) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	start := time.Now()
	now := l.opts.Now()
	limits := quotas(quota)
	member := callerID + ":" + strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()

	var (
		counts   [3]int64
		exceeded [3]bool
		err      error
	)
	if l.opts.AtomicScript {
		counts, exceeded, err = l.checkScript(ctx, callerID, member, limits, now)
	} else {
		counts, exceeded, err = l.checkPipeline(ctx, callerID, member, limits, now)
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Result{}, cerr
		}
		if l.opts.FailClosed {
			l.opts.Metrics.observe(decisionFailClosed, time.Since(start))
			l.opts.Logger.Error("rate limit store error, denying", zap.String("caller_id", callerID), zap.Error(err))
			return Result{Allowed: false, Degraded: true}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		l.opts.Metrics.observe(decisionFailOpen, time.Since(start))
		l.opts.Logger.Warn("rate limit store error, failing open", zap.String("caller_id", callerID), zap.Error(err))
		return failOpenResult(limits, now), nil
	}

	res := buildResult(limits, counts, exceeded, now)
	if res.Allowed {
		l.opts.Metrics.observe(decisionAllowed, time.Since(start))
	} else {
		l.opts.Metrics.observe(decisionDenied, time.Since(start))
		l.opts.Logger.Debug("rate limit exceeded",
			zap.String("caller_id", callerID),
			zap.Bools("exceeded", exceeded[:]),
		)
	}
	return res, nil
}

func (l *Limiter) checkPipeline(
	ctx context.Context, callerID, member string, limits [3]int64, now time.Time,
) (counts [3]int64, exceeded [3]bool, err error) {
	keys := l.keys(callerID)
	nowMs := now.UnixMilli()

	pipe := l.rdb.TxPipeline()
	var cards [3]*r.IntCmd
	for i, w := range windows {
		pipe.ZRemRangeByScore(ctx, keys[i], "-inf", "("+strconv.FormatInt(nowMs-w.dur.Milliseconds(), 10))
		cards[i] = pipe.ZCard(ctx, keys[i])
		pipe.ZAdd(ctx, keys[i], r.Z{Score: float64(nowMs), Member: member})
		pipe.Expire(ctx, keys[i], w.dur+l.opts.ExpiryPadding)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return counts, exceeded, err
	}

	var denied bool
	for i := range windows {
		counts[i] = cards[i].Val()
		exceeded[i] = counts[i]+1 > limits[i]
		denied = denied || exceeded[i]
	}
	if !denied {
		return counts, exceeded, nil
	}

	// The decision is already made; a failed rollback leaves a surplus entry
	// that expires with the window. The rollback outlives the caller's ctx.
	rbCtx := context.WithoutCancel(ctx)
	rb := l.rdb.TxPipeline()
	for i := range windows {
		if exceeded[i] {
			rb.ZRem(rbCtx, keys[i], member)
		}
	}
	if _, rbErr := rb.Exec(rbCtx); rbErr != nil {
		l.opts.Logger.Warn("rate limit rollback failed", zap.String("caller_id", callerID), zap.Error(rbErr))
	}
	return counts, exceeded, nil
}

func buildResult(limits, counts [3]int64, exceeded [3]bool, now time.Time) Result {
	res := Result{Allowed: true}
	var current, remaining [3]int64
	for i := range windows {
		current[i] = counts[i]
		if exceeded[i] {
			res.Allowed = false
		} else {
			current[i]++
		}
		remaining[i] = max(0, limits[i]-current[i])
	}
	res.Current = usage(current)
	res.Remaining = usage(remaining)
	res.ResetAt = resetTimes(now)
	return res
}

func failOpenResult(limits [3]int64, now time.Time) Result {
	var remaining [3]int64
	for i := range limits {
		remaining[i] = max(0, limits[i])
	}
	return Result{
		Allowed:   true,
		Remaining: usage(remaining),
		ResetAt:   resetTimes(now),
		Degraded:  true,
	}
}

func usage(v [3]int64) domain.Usage {
	return domain.Usage{Minute: v[0], Hour: v[1], Day: v[2]}
}

func resetTimes(now time.Time) domain.ResetTimes {
	return domain.ResetTimes{
		Minute: now.Add(windows[0].dur),
		Hour:   now.Add(windows[1].dur),
		Day:    now.Add(windows[2].dur),
	}
}

// Stats returns the caller's current usage per window without modifying it.
func (l *Limiter) Stats(ctx context.Context, callerID string) (domain.Usage, error) {
	keys := l.keys(callerID)
	nowMs := l.opts.Now().UnixMilli()

	pipe := l.rdb.Pipeline()
	var cmds [3]*r.IntCmd
	for i, w := range windows {
		cmds[i] = pipe.ZCount(ctx, keys[i], strconv.FormatInt(nowMs-w.dur.Milliseconds(), 10), "+inf")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Usage{}, fmt.Errorf("read rate limit stats: %w", err)
	}
	return usage([3]int64{cmds[0].Val(), cmds[1].Val(), cmds[2].Val()}), nil
}

// Reset drops every window for the caller.
func (l *Limiter) Reset(ctx context.Context, callerID string) error {
	keys := l.keys(callerID)
	if err := l.rdb.Del(ctx, keys[:]...).Err(); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	l.opts.Logger.Info("rate limit reset", zap.String("caller_id", callerID))
	return nil
}

func (l *Limiter) HealthCheck(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}
