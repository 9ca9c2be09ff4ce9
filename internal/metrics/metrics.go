// Package metrics exposes render pipeline counters and histograms to
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mermend"

// Metrics holds every collector the service records into. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Renders           *prometheus.CounterVec
	RenderDuration    *prometheus.HistogramVec
	StaleRenders      prometheus.Counter
	GatedRequests     *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	Recoveries        *prometheus.CounterVec
	RetryAttempts     *prometheus.CounterVec
	TransformFailures *prometheus.CounterVec
	CircuitState      *prometheus.GaugeVec
	ActiveSessions    prometheus.Gauge
	PoolActive        prometheus.Gauge
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Renders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "render",
				Name:      "total",
				Help:      "Renderer invocations by renderer and outcome",
			},
			[]string{"renderer", "outcome"},
		),

		RenderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "render",
				Name:      "duration_seconds",
				Help:      "Renderer invocation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"renderer"},
		),

		StaleRenders: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "render",
				Name:      "stale_total",
				Help:      "Render results discarded because a newer request had started",
			},
		),

		GatedRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "oracle",
				Name:      "gated_total",
				Help:      "Streaming requests held back as incomplete",
			},
			[]string{"grammar"},
		),

		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Render cache lookups by result (hit or miss)",
			},
			[]string{"result"},
		),

		Recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recovery",
				Name:      "total",
				Help:      "Render failures by error kind and the handler that claimed them",
			},
			[]string{"kind", "handler"},
		),

		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "render",
				Name:      "retries_total",
				Help:      "Automatic render retries",
			},
			[]string{"renderer"},
		),

		TransformFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "preprocess",
				Name:      "failures_total",
				Help:      "Preprocessor rules skipped after an error or panic",
			},
			[]string{"rule", "grammar"},
		),

		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit",
				Name:      "state",
				Help:      "Renderer circuit state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"renderer"},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Mounted render sessions",
			},
		),

		PoolActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "active",
				Help:      "Renders currently running on the worker pool",
			},
		),
	}

	m.registry.MustRegister(
		m.Renders, m.RenderDuration, m.StaleRenders, m.GatedRequests,
		m.CacheLookups, m.Recoveries, m.RetryAttempts, m.TransformFailures,
		m.CircuitState, m.ActiveSessions, m.PoolActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRender records one renderer invocation.
func (m *Metrics) ObserveRender(renderer, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Renders.WithLabelValues(renderer, outcome).Inc()
	m.RenderDuration.WithLabelValues(renderer).Observe(d.Seconds())
}

// Stale counts a discarded render result.
func (m *Metrics) Stale() {
	if m == nil {
		return
	}
	m.StaleRenders.Inc()
}

// Gated counts a request held back by the completeness gate.
func (m *Metrics) Gated(grammar string) {
	if m == nil {
		return
	}
	m.GatedRequests.WithLabelValues(grammar).Inc()
}

// Cache counts a render cache lookup.
func (m *Metrics) Cache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// Recovered counts a failure routed through recovery. handler is empty when
// nothing claimed it.
func (m *Metrics) Recovered(kind, handler string) {
	if m == nil {
		return
	}
	if handler == "" {
		handler = "unhandled"
	}
	m.Recoveries.WithLabelValues(kind, handler).Inc()
}

// Retry counts an automatic render retry.
func (m *Metrics) Retry(renderer string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(renderer).Inc()
}

// TransformFailed counts a skipped preprocessor rule.
func (m *Metrics) TransformFailed(rule, grammar string) {
	if m == nil {
		return
	}
	m.TransformFailures.WithLabelValues(rule, grammar).Inc()
}

// Circuit records a renderer's breaker state.
func (m *Metrics) Circuit(renderer string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(renderer).Set(float64(state))
}

// SessionsDelta adjusts the mounted session gauge.
func (m *Metrics) SessionsDelta(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(float64(n))
}

// PoolDelta adjusts the busy worker gauge.
func (m *Metrics) PoolDelta(n int) {
	if m == nil {
		return
	}
	m.PoolActive.Add(float64(n))
}
