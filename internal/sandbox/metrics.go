package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for sandbox orchestration.
type Metrics struct {
	Creations         *prometheus.CounterVec
	Releases          *prometheus.CounterVec
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	Reaped            prometheus.Counter
	Active            prometheus.Gauge
}

// NewMetrics registers sandbox metrics on the given registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Creations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dotbox",
			Subsystem: "sandbox",
			Name:      "creations_total",
			Help:      "Total sandbox creation attempts.",
		}, []string{"status"}),

		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dotbox",
			Subsystem: "sandbox",
			Name:      "releases_total",
			Help:      "Total sandbox releases.",
		}, []string{"status"}),

		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dotbox",
			Subsystem: "exec",
			Name:      "commands_total",
			Help:      "Total commands executed inside sandboxes.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dotbox",
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"status"}),

		Reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dotbox",
			Subsystem: "sandbox",
			Name:      "reaped_total",
			Help:      "Sandboxes reclaimed by the idle reaper.",
		}),

		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dotbox",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Number of sandboxes currently holding slots.",
		}),
	}

	reg.MustRegister(
		m.Creations,
		m.Releases,
		m.Executions,
		m.ExecutionDuration,
		m.Reaped,
		m.Active,
	)

	return m
}
