// ABOUTME: Prometheus collectors for the connection lifecycle.
// ABOUTME: Tracks active connections, reconnect attempts, engine events, and init latency.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors. A single instance is
// created at startup and injected where needed.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	MessagesProcessed prometheus.Counter
	MessagesDropped   prometheus.Counter
	EngineEvents      *prometheus.CounterVec
	InitializeSeconds prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weave_active_connections",
			Help: "Number of live connection sessions in the registry.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weave_reconnect_attempts_total",
			Help: "Total scheduled reconnection attempts.",
		}),
		MessagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weave_messages_processed_total",
			Help: "Inbound messages forwarded to the conversation engine.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weave_messages_dropped_total",
			Help: "Inbound messages dropped (duplicates, wrong status, self-sent).",
		}),
		EngineEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weave_engine_events_total",
			Help: "Engine events received, by event type.",
		}, []string{"type"}),
		InitializeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "weave_initialize_seconds",
			Help:    "Duration of engine client initialization attempts.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ReconnectAttempts,
		m.MessagesProcessed,
		m.MessagesDropped,
		m.EngineEvents,
		m.InitializeSeconds,
	)
	return m
}

// NewUnregistered creates collectors without registering them. Used in tests
// so multiple instances can coexist.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
