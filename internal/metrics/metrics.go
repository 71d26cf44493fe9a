package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"FeedTriage/internal/domain"
	"FeedTriage/internal/infrastructure/resolver"
	"FeedTriage/internal/redundancy"
	"FeedTriage/internal/triage"
	"FeedTriage/internal/usecase"
)

// Metrics holds the Prometheus collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	BackendCalls    *prometheus.CounterVec
	BackendDuration *prometheus.HistogramVec
	ParseWarnings   *prometheus.CounterVec
	Resolutions     *prometheus.CounterVec
	ResolutionHops  prometheus.Histogram
	LedgerWrites    *prometheus.CounterVec
	Runs            *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	ItemsAccepted   prometheus.Counter
}

// New registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BackendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedtriage_backend_calls_total",
			Help: "Backend calls by backend and outcome.",
		}, []string{"backend", "outcome"}),
		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedtriage_backend_call_duration_seconds",
			Help:    "Duration of individual backend calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}, []string{"backend"}),
		ParseWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedtriage_parse_warnings_total",
			Help: "Items that fell back to the default judgment.",
		}, []string{"backend"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedtriage_link_resolutions_total",
			Help: "Link resolutions by method and error kind.",
		}, []string{"method", "error_kind"}),
		ResolutionHops: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedtriage_link_resolution_hops",
			Help:    "Redirect hops followed per resolved link.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
		LedgerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedtriage_ledger_writes_total",
			Help: "Ledger appends by outcome.",
		}, []string{"outcome"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedtriage_runs_total",
			Help: "Runs by topic and final state.",
		}, []string{"topic", "state"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedtriage_stage_duration_seconds",
			Help:    "Duration of run stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 9), // 10ms .. ~655s
		}, []string{"stage"}),
		ItemsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedtriage_items_accepted_total",
			Help: "Items accepted above the inclusion threshold.",
		}),
	}

	m.registry.MustRegister(
		m.BackendCalls,
		m.BackendDuration,
		m.ParseWarnings,
		m.Resolutions,
		m.ResolutionHops,
		m.LedgerWrites,
		m.Runs,
		m.StageDuration,
		m.ItemsAccepted,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RouterHooks feeds backend observations into the collectors.
func (m *Metrics) RouterHooks() triage.RouterHooks {
	return triage.RouterHooks{
		OnCall: func(backend, outcome string, d time.Duration) {
			m.BackendCalls.WithLabelValues(backend, outcome).Inc()
			m.BackendDuration.WithLabelValues(backend).Observe(d.Seconds())
		},
		OnParseWarnings: func(backend string, n int) {
			m.ParseWarnings.WithLabelValues(backend).Add(float64(n))
		},
	}
}

// ResolverHooks counts resolutions.
func (m *Metrics) ResolverHooks() resolver.Hooks {
	return resolver.Hooks{
		OnResolve: func(res domain.ResolutionResult) {
			m.Resolutions.WithLabelValues(string(res.Method), string(res.ErrorKind)).Inc()
			if res.Method == domain.MethodRedirect && res.Succeeded {
				m.ResolutionHops.Observe(float64(res.HopCount))
			}
		},
	}
}

// LedgerHooks counts ledger appends.
func (m *Metrics) LedgerHooks() redundancy.Hooks {
	return redundancy.Hooks{
		OnAppend: func(outcome string) {
			m.LedgerWrites.WithLabelValues(outcome).Inc()
		},
	}
}

// PipelineHooks records stage timings and run outcomes.
func (m *Metrics) PipelineHooks() usecase.Hooks {
	return usecase.Hooks{
		OnStage: func(stage usecase.State, d time.Duration) {
			m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
		},
		OnFinish: func(topic string, state usecase.State, accepted int) {
			m.Runs.WithLabelValues(topic, string(state)).Inc()
			m.ItemsAccepted.Add(float64(accepted))
		},
	}
}

// WriteTextfile writes the registry in the node_exporter textfile format.
// An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
