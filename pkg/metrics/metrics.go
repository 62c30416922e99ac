// Package metrics exposes chain engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-chain/pkg/chain"
)

// Metrics holds the Prometheus collectors for chain engines. It implements
// chain.Observer.
type Metrics struct {
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	resultsTotal    *prometheus.CounterVec
	chainLength     prometheus.Histogram
	configReloads   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_attempts_total",
				Help: "Total number of requests sent by chain engines by status class",
			},
			[]string{"status_class"},
		),

		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_attempt_duration_seconds",
				Help:    "Latency of a single send in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status_class"},
		),

		resultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_results_total",
				Help: "Total number of finished chains by result",
			},
			[]string{"result"},
		),

		chainLength: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chain_length",
				Help:    "Number of sends per finished chain",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 10, 15},
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.attemptsTotal,
		m.attemptDuration,
		m.resultsTotal,
		m.chainLength,
		m.configReloads,
	)

	return m
}

// AttemptFinished implements chain.Observer.
func (m *Metrics) AttemptFinished(_ context.Context, attempt chain.Attempt) {
	class := attempt.StatusClass()
	m.attemptsTotal.WithLabelValues(class).Inc()
	m.attemptDuration.WithLabelValues(class).Observe(attempt.Duration.Seconds())
}

// ChainFinished implements chain.Observer.
func (m *Metrics) ChainFinished(_ context.Context, summary chain.Summary) {
	m.resultsTotal.WithLabelValues(string(summary.Result)).Inc()
	m.chainLength.Observe(float64(summary.Attempts))
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
