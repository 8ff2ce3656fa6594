package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Collector exposes request outcomes in the Prometheus exposition format.
// All metrics live on a private registry so tests and multiple instances
// never collide on the global one.
//
// Metrics:
//   - <ns>_requests_total{status}
//   - <ns>_request_duration_seconds
//   - <ns>_tokens_total
//   - <ns>_errors_total{kind}
//   - <ns>_upstream_attempts_total{outcome}
//   - <ns>_circuit_breaker_state (0=closed 1=open 2=half_open)
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	tokensTotal     prometheus.Counter
	errorsTotal     *prometheus.CounterVec
	attemptsTotal   *prometheus.CounterVec
	breakerState    prometheus.Gauge
}

// NewCollector creates and registers all metrics under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "heyhi_proxy"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of chat requests handled",
			},
			[]string{"status"},
		),

		// LLM latencies: 100ms - 60s
		requestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end chat request duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),

		tokensTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Total tokens reported by the upstream for successful requests",
			},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Failed chat requests by error kind",
			},
			[]string{"kind"},
		),

		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_attempts_total",
				Help:      "Upstream HTTP attempts by classified outcome",
			},
			[]string{"outcome"},
		),

		breakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed 1=open 2=half_open)",
			},
		),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.tokensTotal,
		c.errorsTotal,
		c.attemptsTotal,
		c.breakerState,
	)

	return c
}

// ObserveRequest records one completed chat request.
func (c *Collector) ObserveRequest(success bool, latency time.Duration, tokens int, errorKind string) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	c.requestsTotal.WithLabelValues(status).Inc()
	c.requestDuration.Observe(latency.Seconds())

	if success {
		if tokens > 0 {
			c.tokensTotal.Add(float64(tokens))
		}
		return
	}
	if errorKind != "" {
		c.errorsTotal.WithLabelValues(errorKind).Inc()
	}
}

// ObserveAttempt records the classified outcome of one upstream attempt.
func (c *Collector) ObserveAttempt(outcome string) {
	c.attemptsTotal.WithLabelValues(outcome).Inc()
}

// SetBreakerState sets the breaker gauge; state is the numeric breaker state.
func (c *Collector) SetBreakerState(state int) {
	c.breakerState.Set(float64(state))
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
