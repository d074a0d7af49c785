// Package metrics exposes Prometheus collectors for the tunnel.
//
// A nil *Metrics is valid and records nothing, so components take one
// optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dicomrelay"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// Metrics groups the collectors of both tunnel sides.
type Metrics struct {
	gatherer prometheus.Gatherer

	forwarded           *prometheus.CounterVec
	forwardLatency      *prometheus.HistogramVec
	chunksPublished     prometheus.Counter
	chunksReceived      prometheus.Counter
	incompleteTransfers prometheus.Counter
	dispatched          *prometheus.CounterVec
	swept               *prometheus.CounterVec
	outbound            prometheus.Gauge
	admissionRejected   prometheus.Counter
}

// New registers the collectors with reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "forwarded_requests_total",
			Help:      "DIMSE requests forwarded over the bus, by command and outcome.",
		}, []string{"command", "outcome"}),
		forwardLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "forward_duration_seconds",
			Help:      "Round trip from publishing the first chunk to the reply.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"command"}),
		chunksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "chunks_published_total",
			Help:      "Request chunks published.",
		}),
		chunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "chunks_received_total",
			Help:      "Request chunks received.",
		}),
		incompleteTransfers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "incomplete_transfers_total",
			Help:      "Requests dropped because chunks were missing.",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dispatched_requests_total",
			Help:      "Requests replayed against the target, by command and outcome.",
		}, []string{"command", "outcome"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "swept_entries_total",
			Help:      "Idle entries reaped, by kind.",
		}, []string{"kind"}),
		outbound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "outbound_associations",
			Help:      "Registered associations to the target.",
		}),
		admissionRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "admission_rejected_total",
			Help:      "Associations rejected by admission control.",
		}),
	}
	reg.MustRegister(
		m.forwarded,
		m.forwardLatency,
		m.chunksPublished,
		m.chunksReceived,
		m.incompleteTransfers,
		m.dispatched,
		m.swept,
		m.outbound,
		m.admissionRejected,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler serves the registry the collectors were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Forwarded(command, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(command, outcome).Inc()
	m.forwardLatency.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (m *Metrics) ChunksPublished(n int) {
	if m == nil {
		return
	}
	m.chunksPublished.Add(float64(n))
}

func (m *Metrics) ChunkReceived() {
	if m == nil {
		return
	}
	m.chunksReceived.Inc()
}

func (m *Metrics) IncompleteTransfer() {
	if m == nil {
		return
	}
	m.incompleteTransfers.Inc()
}

func (m *Metrics) Dispatched(command, outcome string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) Swept(kind string, n int) {
	if m == nil {
		return
	}
	m.swept.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) SetOutbound(n int) {
	if m == nil {
		return
	}
	m.outbound.Set(float64(n))
}

func (m *Metrics) AdmissionRejected() {
	if m == nil {
		return
	}
	m.admissionRejected.Inc()
}
