// Package metrics provides Prometheus metrics for the care-calendar service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing, which keeps tests and one-shot runs free of registry
// state.
type Metrics struct {
	registry *prometheus.Registry

	BackendRequests      *prometheus.CounterVec
	BackendDuration      *prometheus.HistogramVec
	BackendCacheFallback prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec
	RefreshRuns          *prometheus.CounterVec
	RefreshDuration      prometheus.Histogram
	OccurrencesExpanded  prometheus.Gauge
	SchedulesTruncated   prometheus.Counter
	HTTPRequests         *prometheus.CounterVec
}

// New creates the metrics and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helicare_backend_requests_total",
			Help: "Requests sent to the HeLiCare backend",
		}, []string{"method", "endpoint", "status"}),
		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helicare_backend_request_duration_seconds",
			Help:    "Backend request duration",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "endpoint"}),
		BackendCacheFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helicare_backend_cache_fallback_total",
			Help: "Responses served from the on-disk cache because the backend failed",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "helicare_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		RefreshRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helicare_refresh_runs_total",
			Help: "Snapshot refresh runs by result",
		}, []string{"result"}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "helicare_refresh_duration_seconds",
			Help:    "Snapshot refresh duration",
			Buckets: prometheus.DefBuckets,
		}),
		OccurrencesExpanded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helicare_occurrences_expanded",
			Help: "Occurrences in the latest snapshot",
		}),
		SchedulesTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helicare_schedules_truncated_total",
			Help: "Schedules whose expansion hit the occurrence cap",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helicare_http_requests_total",
			Help: "Requests served by the HTTP API",
		}, []string{"route", "status"}),
	}

	m.registry.MustRegister(
		m.BackendRequests,
		m.BackendDuration,
		m.BackendCacheFallback,
		m.CircuitBreakerState,
		m.RefreshRuns,
		m.RefreshDuration,
		m.OccurrencesExpanded,
		m.SchedulesTruncated,
		m.HTTPRequests,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveBackend(method, endpoint string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.BackendDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

func (m *Metrics) CacheFallback() {
	if m == nil {
		return
	}
	m.BackendCacheFallback.Inc()
}

// SetBreakerState records 0=closed, 1=open, 2=half-open.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) ObserveRefresh(ok bool, d time.Duration, occurrences, truncated int) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.RefreshRuns.WithLabelValues(result).Inc()
	m.RefreshDuration.Observe(d.Seconds())
	if ok {
		m.OccurrencesExpanded.Set(float64(occurrences))
		m.SchedulesTruncated.Add(float64(truncated))
	}
}

func (m *Metrics) ObserveHTTP(route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
