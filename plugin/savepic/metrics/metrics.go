// Package metrics provides Prometheus metrics for the picture-store
// commands.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports command counters and latencies in Prometheus format.
type Metrics struct {
	registry *prometheus.Registry

	commands *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	saves    *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "savepic",
			Name:      "commands_total",
			Help:      "Total number of handled commands",
		},
		[]string{"command", "status"},
	)

	m.latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "savepic",
			Name:      "command_duration_seconds",
			Help:      "Command handling latency in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"command"},
	)

	m.saves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "savepic",
			Name:      "saves_total",
			Help:      "Total number of save requests by outcome",
		},
		[]string{"outcome"},
	)

	m.registry.MustRegister(m.commands, m.latency, m.saves)
	return m
}

// ObserveCommand records one handled command.
func (m *Metrics) ObserveCommand(command string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.commands.WithLabelValues(command, status).Inc()
	m.latency.WithLabelValues(command).Observe(duration.Seconds())
}

// ObserveSave records a save request outcome: created, merged, reused_slot,
// rejected_similar or rejected_conflict.
func (m *Metrics) ObserveSave(outcome string) {
	m.saves.WithLabelValues(outcome).Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
