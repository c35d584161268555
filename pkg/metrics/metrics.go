package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrunner_executions_total",
			Help: "Total number of executions by tool and terminal status",
		},
		[]string{"tool", "status"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolrunner_execution_duration_seconds",
			Help:    "Execution wall-clock duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	ExecutionRetries = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolrunner_execution_retries",
			Help:    "Number of retry attempts consumed per execution",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"tool"},
	)

	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrunner_cache_hits_total",
			Help: "Total number of idempotence cache hits by tool",
		},
		[]string{"tool"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrunner_cache_misses_total",
			Help: "Total number of idempotence cache misses by tool",
		},
		[]string{"tool"},
	)

	CircuitBreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolrunner_circuit_breaker_open",
			Help: "Whether the sandbox executor circuit breaker is open (1) or closed/half-open (0)",
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrunner_api_requests_total",
			Help: "Total number of gateway requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolrunner_api_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	SchemaCompileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrunner_schema_compiles_total",
			Help: "Total number of JSON-Schema compilations by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDuration,
		ExecutionRetries,
		CacheHitsTotal,
		CacheMissesTotal,
		CircuitBreakerOpen,
		APIRequestsTotal,
		APIRequestDuration,
		SchemaCompileTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation and reports it to a histogram on completion.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
