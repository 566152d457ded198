// Package telemetry exposes prometheus metrics for the presence protocol.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zentalk_presence"

// Send results
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics groups the protocol's collectors. A nil *Metrics is valid and
// records nothing, so components can take one unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	ReachablePeers   prometheus.Gauge
	OpenSessions     prometheus.Gauge
	PayloadsSent     *prometheus.CounterVec
	PayloadsReceived *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	Relayed          prometheus.Counter
	PendingDelivered prometheus.Counter
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ReachablePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reachable_peers",
			Help:      "Number of peers in the presence table.",
		}),
		OpenSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Number of open transport sessions.",
		}),
		PayloadsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_sent_total",
			Help:      "Payloads sent, by kind and result.",
		}, []string{"kind", "result"}),
		PayloadsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_received_total",
			Help:      "Payloads received and decoded, by kind.",
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Received payloads that failed to decode.",
		}),
		Relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_messages_total",
			Help:      "Directed messages forwarded to another peer.",
		}),
		PendingDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_delivered_total",
			Help:      "Start-up directed messages handed to the transport.",
		}),
	}
	m.registry.MustRegister(
		m.ReachablePeers, m.OpenSessions, m.PayloadsSent, m.PayloadsReceived,
		m.DecodeErrors, m.Relayed, m.PendingDelivered,
	)
	return m
}

// Handler serves the metrics in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetReachable records the current size of the presence table.
func (m *Metrics) SetReachable(n int) {
	if m == nil {
		return
	}
	m.ReachablePeers.Set(float64(n))
}

// SessionOpened and SessionClosed track open transport sessions.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.OpenSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.OpenSessions.Dec()
}

// Sent counts one send attempt of the given payload kind.
func (m *Metrics) Sent(kind string, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.PayloadsSent.WithLabelValues(kind, result).Inc()
}

// Received counts one decoded payload.
func (m *Metrics) Received(kind string) {
	if m == nil {
		return
	}
	m.PayloadsReceived.WithLabelValues(kind).Inc()
}

// DecodeFailed counts one payload that could not be decoded.
func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// MessageRelayed counts one forwarded directed message.
func (m *Metrics) MessageRelayed() {
	if m == nil {
		return
	}
	m.Relayed.Inc()
}

// PendingSent counts the start-up directed message.
func (m *Metrics) PendingSent() {
	if m == nil {
		return
	}
	m.PendingDelivered.Inc()
}
