// Package httpapi exposes the limiter and the queue over HTTP. Callers are
// identified by the X-Caller-ID header, which an upstream gateway is trusted
// to have authenticated.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/flowgate/internal/domain"
	"github.com/SirClappington/flowgate/internal/queue"
	"github.com/SirClappington/flowgate/internal/ratelimit"
	"github.com/SirClappington/flowgate/internal/storage"
)

const HeaderCallerID = "X-Caller-ID"

// Limiter is the subset of *ratelimit.Limiter the API depends on.
type Limiter interface {
	Check(ctx context.Context, callerID string, quota domain.Quota) (ratelimit.Result, error)
	Stats(ctx context.Context, callerID string) (domain.Usage, error)
	Reset(ctx context.Context, callerID string) error
	HealthCheck(ctx context.Context) error
}

// Publisher enqueues jobs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, opts ...queue.PublishOption) (string, error)
}

type Deps struct {
	Limiter      Limiter
	Publisher    Publisher
	Store        storage.Store
	DefaultQuota domain.Quota
	Logger       *zap.Logger
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

type api struct {
	Deps
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	a := &api{Deps: d}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(requestLogger(d.Logger))
	rtr.Use(middleware.Recoverer)

	rtr.Get("/healthz", a.health)
	if d.Gatherer != nil {
		rtr.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.With(a.rateLimit).Post("/jobs", a.publishJob)
		rtr.Get("/jobs/{id}", a.getJob)
		rtr.Get("/limits/{caller}", a.limitStats)
		rtr.Delete("/limits/{caller}", a.resetLimit)
		rtr.Get("/queue/stats", a.queueStats)
	})
	return rtr
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(rw, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

type healthResponse struct {
	Redis string `json:"redis"`
	Store string `json:"store"`
}

func (a *api) health(rw http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Redis: "ok", Store: "ok"}
	status := http.StatusOK
	if err := a.Limiter.HealthCheck(r.Context()); err != nil {
		resp.Redis = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := a.Store.Ping(r.Context()); err != nil {
		resp.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	respondJSON(rw, status, resp, a.Logger)
}
