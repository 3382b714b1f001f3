package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/flowgate/internal/ratelimit"
)

// rateLimit admits or rejects a request against the caller's default quota.
// The X-RateLimit headers are always set; a degraded (fail-open) decision
// still reports the full quota as remaining.
func (a *api) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get(HeaderCallerID)
		if caller == "" {
			respondError(rw, http.StatusBadRequest, "missingCallerId", HeaderCallerID+" header is required", a.Logger)
			return
		}

		res, err := a.Limiter.Check(r.Context(), caller, a.DefaultQuota)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, ratelimit.ErrStoreUnavailable) {
				respondError(rw, http.StatusServiceUnavailable, "rateLimitUnavailable", "rate limit store unavailable", a.Logger)
				return
			}
			a.Logger.Error("rate limit check", zap.String("caller_id", caller), zap.Error(err))
			respondError(rw, http.StatusInternalServerError, "internal", "", a.Logger)
			return
		}

		setRateLimitHeaders(rw.Header(), res)
		if !res.Allowed {
			retryAfter := time.Until(earliestReset(res)).Round(time.Second)
			if retryAfter > 0 {
				rw.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			}
			respondJSON(rw, http.StatusTooManyRequests, res, a.Logger)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func setRateLimitHeaders(h http.Header, res ratelimit.Result) {
	h.Set("X-RateLimit-Remaining-Minute", strconv.FormatInt(res.Remaining.Minute, 10))
	h.Set("X-RateLimit-Remaining-Hour", strconv.FormatInt(res.Remaining.Hour, 10))
	h.Set("X-RateLimit-Remaining-Day", strconv.FormatInt(res.Remaining.Day, 10))
	h.Set("X-RateLimit-Reset-Minute", strconv.FormatInt(res.ResetAt.Minute.Unix(), 10))
	h.Set("X-RateLimit-Reset-Hour", strconv.FormatInt(res.ResetAt.Hour.Unix(), 10))
	h.Set("X-RateLimit-Reset-Day", strconv.FormatInt(res.ResetAt.Day.Unix(), 10))
}

// earliestReset is the reset time of the shortest window with nothing remaining.
func earliestReset(res ratelimit.Result) time.Time {
	switch {
	case res.Remaining.Minute == 0:
		return res.ResetAt.Minute
	case res.Remaining.Hour == 0:
		return res.ResetAt.Hour
	default:
		return res.ResetAt.Day
	}
}

func (a *api) limitStats(rw http.ResponseWriter, r *http.Request) {
	caller := chi.URLParam(r, "caller")
	usage, err := a.Limiter.Stats(r.Context(), caller)
	if err != nil {
		a.Logger.Error("rate limit stats", zap.String("caller_id", caller), zap.Error(err))
		respondError(rw, http.StatusServiceUnavailable, "rateLimitUnavailable", "rate limit store unavailable", a.Logger)
		return
	}
	respondJSON(rw, http.StatusOK, usage, a.Logger)
}

func (a *api) resetLimit(rw http.ResponseWriter, r *http.Request) {
	caller := chi.URLParam(r, "caller")
	if err := a.Limiter.Reset(r.Context(), caller); err != nil {
		a.Logger.Error("rate limit reset", zap.String("caller_id", caller), zap.Error(err))
		respondError(rw, http.StatusServiceUnavailable, "rateLimitUnavailable", "rate limit store unavailable", a.Logger)
		return
	}
	a.Logger.Info("rate limit reset", zap.String("caller_id", caller))
	rw.WriteHeader(http.StatusNoContent)
}
