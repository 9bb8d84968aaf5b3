// Package metrics exposes the Prometheus collectors of the sync server.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "collabtext"

// Metrics holds all collectors, registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ActiveDocuments   prometheus.Gauge

	RequestsTotal   *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec
	CommitsTotal    prometheus.Counter
	TransformedOps  prometheus.Counter

	BroadcastRecipients prometheus.Histogram
	DeliveryFailures    prometheus.Counter

	ArchiveDropped prometheus.Counter
	ArchiveErrors  *prometheus.CounterVec
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open websocket connections",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of websocket connections accepted",
		}),
		ActiveDocuments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_documents",
			Help:      "Number of live document sessions",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by request type",
		}, []string{"type"}),
		RejectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Requests rejected, by error code",
		}, []string{"code"}),
		CommitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Operations committed across all documents",
		}),
		TransformedOps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transformed_operations_total",
			Help:      "Committed operations that were issued against a stale version",
		}),
		BroadcastRecipients: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_recipients",
			Help:      "Connections addressed per broadcast",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		DeliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Messages that could not be queued to a connection",
		}),
		ArchiveDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_dropped_total",
			Help:      "Archive events dropped because the queue was full",
		}),
		ArchiveErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_errors_total",
			Help:      "Archive writes that failed after retries, by sink",
		}, []string{"sink"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
	m.ConnectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) SetDocuments(n int) {
	if m == nil {
		return
	}
	m.ActiveDocuments.Set(float64(n))
}

func (m *Metrics) Request(kind string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Rejected(code string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(code).Inc()
}

// Committed records one commit; stale reports whether it was transformed.
func (m *Metrics) Committed(stale bool) {
	if m == nil {
		return
	}
	m.CommitsTotal.Inc()
	if stale {
		m.TransformedOps.Inc()
	}
}

func (m *Metrics) Broadcast(recipients, failures int) {
	if m == nil {
		return
	}
	m.BroadcastRecipients.Observe(float64(recipients))
	m.DeliveryFailures.Add(float64(failures))
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

func (m *Metrics) ArchiveDrop() {
	if m == nil {
		return
	}
	m.ArchiveDropped.Inc()
}

func (m *Metrics) ArchiveError(sink string) {
	if m == nil {
		return
	}
	m.ArchiveErrors.WithLabelValues(sink).Inc()
}
