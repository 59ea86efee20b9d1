package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the runtime
type Metrics struct {
	registry *prometheus.Registry

	// Provider metrics
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec
	ProviderRetriesTotal *prometheus.CounterVec

	// Tool metrics
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Run metrics
	RunsActive          prometheus.Gauge
	RunIterationsTotal  prometheus.Counter
	SummarizationsTotal prometheus.Counter
}

// New creates and registers all metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ProviderCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_calls_total",
				Help: "Total number of LLM provider calls",
			},
			[]string{"provider", "status"},
		),
		ProviderCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_call_duration_seconds",
				Help:    "Duration of LLM provider calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		ProviderRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_retries_total",
				Help: "Total number of retried provider calls",
			},
			[]string{"provider", "reason"},
		),

		ToolExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_executions_total",
				Help: "Total number of tool executions",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),

		RunsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "runs_active",
				Help: "Number of agent runs currently in flight",
			},
		),
		RunIterationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "run_iterations_total",
				Help: "Total number of agent loop iterations",
			},
		),
		SummarizationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "history_summarizations_total",
				Help: "Total number of short-term history collapses",
			},
		),
	}

	registry.MustRegister(
		m.ProviderCallsTotal,
		m.ProviderCallDuration,
		m.ProviderRetriesTotal,
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.RunsActive,
		m.RunIterationsTotal,
		m.SummarizationsTotal,
	)

	return m
}

// Handler returns an http.Handler serving the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
