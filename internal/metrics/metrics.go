package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded by DroppedEvent.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonValidation      = "validation"
	ReasonRateLimited     = "rate_limited"
	ReasonNotAuthorized   = "not_authorized"
	ReasonStoreError      = "store_error"
	ReasonUnknownEvent    = "unknown_event"
	ReasonAlreadyJoined   = "already_joined"
)

// Metrics owns a private registry so several instances (tests) never clash.
// Every method is safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	events      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	stored      *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	connections prometheus.Gauge
	online      prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "events_total",
			Help:      "Inbound websocket events by name.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped without a broadcast, by reason.",
		}, []string{"event", "reason"}),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "messages_stored_total",
			Help:      "Messages persisted, by room.",
		}, []string{"room"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "store_errors_total",
			Help:      "Failed document store calls, by operation.",
		}, []string{"op"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle",
			Name:      "online_identities",
			Help:      "Distinct authenticated identities.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events, m.dropped, m.stored, m.storeErrors, m.connections, m.online,
	)
	return m
}

// Registry exposes the private registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Event(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

func (m *Metrics) DroppedEvent(event, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(event, reason).Inc()
}

func (m *Metrics) MessageStored(room string) {
	if m == nil {
		return
	}
	m.stored.WithLabelValues(room).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) SetOnline(n int) {
	if m == nil {
		return
	}
	m.online.Set(float64(n))
}
