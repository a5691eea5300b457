// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Notifications         *prometheus.CounterVec
	DeliveryFailures      *prometheus.CounterVec
	AuthFailures          prometheus.Counter
	ConnectedSessions     prometheus.Gauge
	AuthenticatedSessions prometheus.Gauge
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seqcache",
			Name:      "notifications_total",
			Help:      "Change notifications handed to the event loop, by kind and outcome.",
		}, []string{"kind", "result"}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seqcache",
			Name:      "delivery_failures_total",
			Help:      "Per-session send failures, by message type.",
		}, []string{"type"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seqcache",
			Name:      "auth_failures_total",
			Help:      "Rejected authentication attempts.",
		}),
		ConnectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "seqcache",
			Name:      "sessions_connected",
			Help:      "Open WebSocket connections.",
		}),
		AuthenticatedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "seqcache",
			Name:      "sessions_authenticated",
			Help:      "Open WebSocket connections that have authenticated.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Notifications,
		m.DeliveryFailures,
		m.AuthFailures,
		m.ConnectedSessions,
		m.AuthenticatedSessions,
	)
	return m
}

// Notification counts one notification outcome.
func (m *Metrics) Notification(kind, result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind, result).Inc()
}

// DeliveryFailure counts one failed send.
func (m *Metrics) DeliveryFailure(msgType string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.WithLabelValues(msgType).Inc()
}

// AuthFailure counts one rejected authentication attempt.
func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

// Sessions records the current connection counts.
func (m *Metrics) Sessions(connected, authenticated int) {
	if m == nil {
		return
	}
	m.ConnectedSessions.Set(float64(connected))
	m.AuthenticatedSessions.Set(float64(authenticated))
}
