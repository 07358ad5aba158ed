// Package metrics exposes the Prometheus collectors owned by the engine
// process itself: throttle waits, worker occupancy and control endpoint
// traffic. Event-derived metrics live in progress/sinks.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups the engine collectors registered on one registry.
type Collectors struct {
	throttleWait        *prometheus.HistogramVec
	activeWorkers       prometheus.Gauge
	retries             *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	gatherer            prometheus.Gatherer
}

// New registers the collectors on reg. A nil reg selects a fresh registry so
// tests never collide with the process-wide default.
func New(reg *prometheus.Registry) (*Collectors, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collectors{
		throttleWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsfrontier_throttle_wait_seconds",
			Help:    "Time spent waiting for a per-host throttle permit.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newsfrontier_active_workers",
			Help: "Number of workers currently processing a frontier entry.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsfrontier_fetch_retries_total",
			Help: "Fetch retries scheduled, partitioned by error kind.",
		}, []string{"error_kind"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsfrontier_control_requests_total",
			Help: "Control endpoint requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsfrontier_control_request_duration_seconds",
			Help:    "Control endpoint latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"}),
		gatherer: reg,
	}
	for _, collector := range []prometheus.Collector{
		c.throttleWait,
		c.activeWorkers,
		c.retries,
		c.httpRequestsTotal,
		c.httpRequestDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register engine collector: %w", err)
		}
	}
	return c, nil
}

// Handler returns an http.Handler exposing every collector of the registry.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// ObserveThrottleWait records how long a fetch waited for its host permit.
func (c *Collectors) ObserveThrottleWait(host string, d time.Duration) {
	if c == nil {
		return
	}
	if host == "" {
		host = "unknown"
	}
	c.throttleWait.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveRetry counts a scheduled retry.
func (c *Collectors) ObserveRetry(kind string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(kind).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func (c *Collectors) IncActiveWorkers() {
	if c != nil {
		c.activeWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func (c *Collectors) DecActiveWorkers() {
	if c != nil {
		c.activeWorkers.Dec()
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (c *Collectors) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
