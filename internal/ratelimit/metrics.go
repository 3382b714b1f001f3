package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsLabelDecision = "decision"

const (
	decisionAllowed    = "allowed"
	decisionDenied     = "denied"
	decisionFailOpen   = "fail_open"
	decisionFailClosed = "fail_closed"
)

// MetricsCollector counts limiter decisions and measures Redis round trips.
type MetricsCollector struct {
	Decisions     *prometheus.CounterVec
	CheckDuration *prometheus.HistogramVec
}

func NewMetricsCollector(namespace string) *MetricsCollector {
	return &MetricsCollector{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Number of rate limit decisions by outcome.",
		}, []string{metricsLabelDecision}),
		CheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_check_duration_seconds",
			Help:      "Latency of rate limit checks.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{metricsLabelDecision}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(mc.Decisions, mc.CheckDuration)
}

func (mc *MetricsCollector) Unregister(reg prometheus.Registerer) {
	reg.Unregister(mc.Decisions)
	reg.Unregister(mc.CheckDuration)
}

func (mc *MetricsCollector) observe(decision string, elapsed time.Duration) {
	if mc == nil {
		return
	}
	mc.Decisions.WithLabelValues(decision).Inc()
	mc.CheckDuration.WithLabelValues(decision).Observe(elapsed.Seconds())
}
