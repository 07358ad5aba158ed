package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/newsfrontier/internal/crawler"
	"github.com/JakeFAU/newsfrontier/internal/progress"
)

// PrometheusSink exports crawl telemetry via Prometheus. It owns all
// collectors for jobs, fetches, host health and frontier depth.
type PrometheusSink struct {
	events        *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobsCompleted *prometheus.CounterVec

	visits        *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fallbacks     *prometheus.CounterVec

	hostsLocked  prometheus.Gauge
	queuePending prometheus.Gauge
	queueHeld    prometheus.Gauge
	phase        *prometheus.GaugeVec

	jobs  *keySet
	hosts *keySet
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsfrontier_events_total",
			Help: "Telemetry events partitioned by type and severity.",
		}, []string{"type", "severity"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newsfrontier_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsfrontier_jobs_completed_total",
			Help: "Finished jobs partitioned by exit reason.",
		}, []string{"reason"}),
		visits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsfrontier_url_visits_total",
			Help: "Successful fetches partitioned by host and source method.",
		}, []string{"host", "method"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsfrontier_url_errors_total",
			Help: "Failed fetches partitioned by host and error kind.",
		}, []string{"host", "error_kind"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsfrontier_fetch_bytes_total",
			Help: "Bytes obtained per host.",
		}, []string{"host"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsfrontier_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by source method.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsfrontier_headless_fallbacks_total",
			Help: "Headless fallbacks activated per host.",
		}, []string{"host"}),
		hostsLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newsfrontier_hosts_locked_out",
			Help: "Hosts currently locked out by the retry coordinator.",
		}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newsfrontier_frontier_pending",
			Help: "Dispatchable frontier entries at the last sample.",
		}),
		queueHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newsfrontier_frontier_held",
			Help: "Frontier entries held for locked-out hosts at the last sample.",
		}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "newsfrontier_phase_active",
			Help: "1 for the orchestrator phase currently running.",
		}, []string{"phase"}),
		jobs:  newKeySet(),
		hosts: newKeySet(),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.jobsRunning,
		s.jobsCompleted,
		s.visits,
		s.fetchErrors,
		s.fetchBytes,
		s.fetchDuration,
		s.fallbacks,
		s.hostsLocked,
		s.queuePending,
		s.queueHeld,
		s.phase,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register telemetry collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.events.WithLabelValues(string(evt.Type), string(evt.Severity)).Inc()
	switch evt.Type {
	case progress.TypeStart:
		if s.jobs.add(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.TypeStop:
		s.jobsCompleted.WithLabelValues(labelOr(evt.StringField(progress.KeyReason), "unknown")).Inc()
		if s.jobs.remove(evt.JobID) {
			s.jobsRunning.Dec()
		}
	case progress.TypeURLVisited:
		s.handleVisit(evt)
	case progress.TypeURLError:
		host := labelOr(evt.StringField(progress.KeyHost), "unknown")
		s.fetchErrors.WithLabelValues(host, labelOr(evt.StringField(progress.KeyErrorKind), string(crawler.ErrUnknown))).Inc()
	case progress.TypeFallbackActivated:
		s.fallbacks.WithLabelValues(labelOr(evt.StringField(progress.KeyHost), "unknown")).Inc()
	case progress.TypeHostLockedOut:
		if s.hosts.add(evt.StringField(progress.KeyHost)) {
			s.hostsLocked.Inc()
		}
	case progress.TypeHostRecovered:
		if s.hosts.remove(evt.StringField(progress.KeyHost)) {
			s.hostsLocked.Dec()
		}
	case progress.TypeQueueDepth:
		s.queuePending.Set(float64(evt.Int64Field(progress.KeyPending)))
		s.queueHeld.Set(float64(evt.Int64Field(progress.KeyHeld)))
	case progress.TypePhaseChanged:
		s.phase.Reset()
		if p := evt.StringField(progress.KeyPhase); p != "" {
			s.phase.WithLabelValues(p).Set(1)
		}
	}
}

func (s *PrometheusSink) handleVisit(evt progress.Event) {
	host := labelOr(evt.StringField(progress.KeyHost), "unknown")
	method := labelOr(evt.StringField(progress.KeyMethod), string(crawler.MethodNetwork))
	s.visits.WithLabelValues(host, method).Inc()
	if b := evt.Int64Field(progress.KeyBytes); b > 0 && method != string(crawler.MethodCache) {
		s.fetchBytes.WithLabelValues(host).Add(float64(b))
	}
	if ms := evt.Int64Field(progress.KeyDurationMs); ms > 0 {
		s.fetchDuration.WithLabelValues(method).Observe(float64(ms) / 1000)
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

type keySet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newKeySet() *keySet {
	return &keySet{keys: make(map[string]struct{})}
}

func (k *keySet) add(key string) bool {
	if key == "" {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[key]; ok {
		return false
	}
	k.keys[key] = struct{}{}
	return true
}

func (k *keySet) remove(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[key]; !ok {
		return false
	}
	delete(k.keys, key)
	return true
}
