// Package metrics exposes the ingestion pipeline's health over
// Prometheus, replacing the hand-rolled counter/gauge/histogram
// registry and text-exposition writer with the real client_golang
// library already pinned in go.mod.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the pipeline reports
// through, registered once at startup and shared by every component
// via method calls instead of global package state.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested   *prometheus.CounterVec
	EventsNormalized *prometheus.CounterVec
	ParseFailures    *prometheus.CounterVec
	DeadLettered     *prometheus.CounterVec
	ProducerErrors   *prometheus.CounterVec

	BufferSize       prometheus.Gauge
	DiskBacklogBytes prometheus.Gauge
	BatchSize        prometheus.Gauge
	CircuitState     *prometheus.GaugeVec
	BackpressureState prometheus.Gauge

	DispatchLatency prometheus.Histogram
	ParseLatency    prometheus.Histogram
}

// New builds and registers every collector against a fresh registry so
// tests can construct independent instances without clashing with the
// default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_events_ingested_total",
			Help: "Total raw events accepted by a collector.",
		}, []string{"source", "collector"}),

		EventsNormalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_events_normalized_total",
			Help: "Total events successfully normalized by a parser.",
		}, []string{"source", "parser"}),

		ParseFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_parse_failures_total",
			Help: "Total events that fell through to the fallback normalizer.",
		}, []string{"source"}),

		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_dead_lettered_total",
			Help: "Total events routed to the dead-letter sink.",
		}, []string{"reason"}),

		ProducerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_producer_errors_total",
			Help: "Total producer pool send failures.",
		}, []string{"topic"}),

		BufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_buffer_size_events",
			Help: "Current in-memory buffer occupancy.",
		}),

		DiskBacklogBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_disk_backlog_bytes",
			Help: "Bytes currently spilled to the disk buffer.",
		}),

		BatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_batch_size_events",
			Help: "Current adaptive batch size.",
		}),

		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingestor_circuit_state",
			Help: "Circuit breaker state (0=closed, 0.5=half-open, 1=open).",
		}, []string{"breaker"}),

		BackpressureState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_backpressure_state",
			Help: "Backpressure monitor state (0=inactive, 1=active, 2=emergency).",
		}),

		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestor_dispatch_latency_seconds",
			Help:    "Latency of a single dispatcher send-or-requeue cycle.",
			Buckets: prometheus.DefBuckets,
		}),

		ParseLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestor_parse_latency_seconds",
			Help:    "Latency of one parser dispatch call.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}
}

// Handler returns the /metrics endpoint serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CircuitStateValue maps a gobreaker-style state name to the numeric
// gauge value CircuitState reports.
func CircuitStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 0.5
	default:
		return 0
	}
}
