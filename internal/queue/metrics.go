package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsLabelTopic   = "topic"
	metricsLabelOutcome = "outcome"
)

const (
	outcomeCompleted = "completed"
	outcomeRetry     = "retry"
	outcomeFailed    = "failed"
	outcomeReleased  = "released"
)

// MetricsCollector exposes queue throughput and handler latency.
type MetricsCollector struct {
	Published       *prometheus.CounterVec
	Processed       *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge
	PollErrors      prometheus.Counter
	Recovered       prometheus.Counter
}

func NewMetricsCollector(namespace string) *MetricsCollector {
	return &MetricsCollector{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_published_total",
			Help:      "Number of jobs published.",
		}, []string{metricsLabelTopic}),
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Number of handler outcomes recorded, by topic and outcome.",
		}, []string{metricsLabelTopic, metricsLabelOutcome}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_handler_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{metricsLabelTopic}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently dispatched to handlers in this process.",
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_poll_errors_total",
			Help:      "Number of failed claim attempts.",
		}),
		Recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_recovered_total",
			Help:      "Number of stale PROCESSING jobs reclaimed by sweeps.",
		}),
	}
}

func (mc *MetricsCollector) collectors() []prometheus.Collector {
	return []prometheus.Collector{mc.Published, mc.Processed, mc.HandlerDuration, mc.InFlight, mc.PollErrors, mc.Recovered}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(mc.collectors()...)
}

func (mc *MetricsCollector) Unregister(reg prometheus.Registerer) {
	for _, c := range mc.collectors() {
		reg.Unregister(c)
	}
}

func (mc *MetricsCollector) published(topic string) {
	if mc == nil {
		return
	}
	mc.Published.WithLabelValues(topic).Inc()
}

func (mc *MetricsCollector) processed(topic, outcome string) {
	if mc == nil {
		return
	}
	mc.Processed.WithLabelValues(topic, outcome).Inc()
}

func (mc *MetricsCollector) handled(topic string, elapsed time.Duration) {
	if mc == nil {
		return
	}
	mc.HandlerDuration.WithLabelValues(topic).Observe(elapsed.Seconds())
}

func (mc *MetricsCollector) inFlight(delta float64) {
	if mc == nil {
		return
	}
	mc.InFlight.Add(delta)
}

func (mc *MetricsCollector) pollFailed() {
	if mc == nil {
		return
	}
	mc.PollErrors.Inc()
}

func (mc *MetricsCollector) recovered(n int64) {
	if mc == nil {
		return
	}
	mc.Recovered.Add(float64(n))
}
