// Package metric provides Prometheus metrics for the coordinator.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all coordinator metrics.
type Metrics struct {
	// Experiment metrics
	ExperimentsTotal   *prometheus.CounterVec
	ActiveExperiments  prometheus.Gauge
	QueueDepth         prometheus.Gauge
	ExperimentDuration *prometheus.HistogramVec

	// Device event metrics
	DeviceEventsTotal *prometheus.CounterVec

	// NATS metrics
	NATSConnected prometheus.Gauge
	NATSRTT       prometheus.Gauge
}

// NewMetrics creates all coordinator metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ExperimentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ot2",
				Subsystem: "experiments",
				Name:      "total",
				Help:      "Total number of experiments by terminal status",
			},
			[]string{"status"},
		),

		ActiveExperiments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ot2",
				Subsystem: "experiments",
				Name:      "active",
				Help:      "Number of currently running experiments (0 or 1)",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ot2",
				Subsystem: "experiments",
				Name:      "queue_depth",
				Help:      "Number of experiments waiting in the FIFO queue",
			},
		),

		ExperimentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ot2",
				Subsystem: "experiments",
				Name:      "duration_seconds",
				Help:      "Time spent per experiment step",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"step"},
		),

		DeviceEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ot2",
				Subsystem: "device",
				Name:      "events_total",
				Help:      "Inbound device and sensor events by type and outcome",
			},
			[]string{"type", "outcome"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ot2",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ot2",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),
	}
}

// RecordExperiment increments the experiment counter for a terminal status.
func (m *Metrics) RecordExperiment(status string) {
	m.ExperimentsTotal.WithLabelValues(status).Inc()
}

// RecordQueueDepth updates the queue depth gauge.
func (m *Metrics) RecordQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// RecordDuration records the duration of an experiment step.
func (m *Metrics) RecordDuration(step string, d time.Duration) {
	m.ExperimentDuration.WithLabelValues(step).Observe(d.Seconds())
}

// RecordDeviceEvent counts an inbound device or sensor event.
func (m *Metrics) RecordDeviceEvent(eventType, outcome string) {
	m.DeviceEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordNATSStatus updates the NATS connection gauge.
func (m *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSRTT updates the NATS round-trip time gauge.
func (m *Metrics) RecordNATSRTT(rtt time.Duration) {
	m.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// Registry couples the coordinator metrics with their Prometheus registry.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
}

// NewRegistry creates a registry with all coordinator metrics plus the Go
// runtime and process collectors registered.
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics()

	registry.MustRegister(
		metrics.ExperimentsTotal,
		metrics.ActiveExperiments,
		metrics.QueueDepth,
		metrics.ExperimentDuration,
		metrics.DeviceEventsTotal,
		metrics.NATSConnected,
		metrics.NATSRTT,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{
		prometheusRegistry: registry,
		Metrics:            metrics,
	}
}

// Handler returns the HTTP handler exposing the registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}
