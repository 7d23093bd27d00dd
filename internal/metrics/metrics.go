// Package metrics exposes pipeline, GPU and cache collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/simple-recipe-pipeline/internal/gpu"
)

const namespace = "recipe_pipeline"

// Metrics holds every collector. It implements gpu.Observer and cache.Observer.
type Metrics struct {
	registry *prometheus.Registry

	Requests     *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	StageSeconds *prometheus.HistogramVec
	StageRetries *prometheus.CounterVec
	Coalesced    prometheus.Counter

	GPULeases      *prometheus.CounterVec
	GPURejections  *prometheus.CounterVec
	GPUWaitSeconds *prometheus.HistogramVec
	GPUHoldSeconds *prometheus.HistogramVec
	GPUOutstanding prometheus.Gauge
	GPUWaiting     prometheus.Gauge

	CacheLookups *prometheus.CounterVec
	CacheWrites  *prometheus.CounterVec
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total",
			Help: "Recipe requests by terminal outcome.",
		}, []string{"outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "state_transitions_total",
			Help: "State machine transitions by target state.",
		}, []string{"state"}),
		StageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_duration_seconds",
			Help:    "Duration of each stage attempt.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage", "result"}),
		StageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stage_retries_total",
			Help: "Automatic stage retries.",
		}, []string{"stage"}),
		Coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "coalesced_requests_total",
			Help: "Requests served by another in-flight computation.",
		}),
		GPULeases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gpu", Name: "leases_total",
			Help: "GPU leases granted.",
		}, []string{"kind"}),
		GPURejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gpu", Name: "rejections_total",
			Help: "GPU acquisitions that did not produce a lease.",
		}, []string{"kind", "code"}),
		GPUWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "gpu", Name: "wait_seconds",
			Help:    "Time spent queued before a lease was granted.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"kind"}),
		GPUHoldSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "gpu", Name: "hold_seconds",
			Help:    "Time a lease was held.",
			Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
		}, []string{"kind"}),
		GPUOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gpu", Name: "outstanding_cost",
			Help: "Sum of the costs of outstanding leases.",
		}),
		GPUWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gpu", Name: "waiting",
			Help: "Callers queued for a lease.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Cache lookups by backend and result.",
		}, []string{"backend", "result"}),
		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "writes_total",
			Help: "Cache writes by backend and result.",
		}, []string{"backend", "result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Requests, m.Transitions, m.StageSeconds, m.StageRetries, m.Coalesced,
		m.GPULeases, m.GPURejections, m.GPUWaitSeconds, m.GPUHoldSeconds, m.GPUOutstanding, m.GPUWaiting,
		m.CacheLookups, m.CacheWrites,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Acquired implements gpu.Observer.
func (m *Metrics) Acquired(kind gpu.Kind, wait time.Duration) {
	m.GPULeases.WithLabelValues(string(kind)).Inc()
	m.GPUWaitSeconds.WithLabelValues(string(kind)).Observe(wait.Seconds())
}

// Released implements gpu.Observer.
func (m *Metrics) Released(kind gpu.Kind, held time.Duration) {
	m.GPUHoldSeconds.WithLabelValues(string(kind)).Observe(held.Seconds())
}

// Rejected implements gpu.Observer.
func (m *Metrics) Rejected(kind gpu.Kind, code string) {
	m.GPURejections.WithLabelValues(string(kind), code).Inc()
}

// Usage implements gpu.Observer.
func (m *Metrics) Usage(outstanding int64, waiting int) {
	m.GPUOutstanding.Set(float64(outstanding))
	m.GPUWaiting.Set(float64(waiting))
}

// CacheLookup implements cache.Observer.
func (m *Metrics) CacheLookup(backend, result string) {
	m.CacheLookups.WithLabelValues(backend, result).Inc()
}

// CacheWrite implements cache.Observer.
func (m *Metrics) CacheWrite(backend string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CacheWrites.WithLabelValues(backend, result).Inc()
}

// Transition records entry into state.
func (m *Metrics) Transition(state string) {
	m.Transitions.WithLabelValues(state).Inc()
}

// Stage records one stage attempt.
func (m *Metrics) Stage(stage string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StageSeconds.WithLabelValues(stage, result).Observe(d.Seconds())
}

// Retry records an automatic retry of stage.
func (m *Metrics) Retry(stage string) {
	m.StageRetries.WithLabelValues(stage).Inc()
}

// Outcome records a terminal request outcome.
func (m *Metrics) Outcome(outcome string, coalesced bool) {
	m.Requests.WithLabelValues(outcome).Inc()
	if coalesced {
		m.Coalesced.Inc()
	}
}
