// Package metrics provides Prometheus instrumentation for the Whisper chat
// client and the development server. Client metrics track connection health,
// event throughput and auth latency; server metrics track connected sockets
// and relayed messages.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection health values reported by ConnectionHealth.
const (
	HealthDisconnected = 0
	HealthConnected    = 1
	HealthErrored      = 2
)

var (
	// ConnectionHealth is the client's current connection health:
	// 0 disconnected, 1 connected, 2 errored.
	ConnectionHealth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_client_connection_health",
		Help: "Current realtime connection health (0 disconnected, 1 connected, 2 errored)",
	})

	// ConnectAttempts counts connection attempts labeled by transport and
	// result ("ok" or "error").
	ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_client_connect_attempts_total",
		Help: "Realtime connection attempts",
	}, []string{"transport", "result"})

	// ReconnectsTotal counts scheduled reconnection attempts.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_client_reconnects_total",
		Help: "Reconnection attempts scheduled by the reconnect policy",
	})

	// ActiveTransport is 1 for the transport carrying the live connection.
	ActiveTransport = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "whisper_client_active_transport",
		Help: "Transport carrying the live connection",
	}, []string{"transport"})

	// EventsTotal counts realtime events labeled by direction ("in", "out")
	// and event name.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_client_events_total",
		Help: "Realtime events received and sent",
	}, []string{"direction", "event"})

	// StaleEventsDropped counts events from a torn-down channel that were
	// discarded.
	StaleEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_client_stale_events_dropped_total",
		Help: "Events from a closed channel discarded by the event loop",
	})

	// AuthRequests counts auth gateway calls labeled by operation ("signin",
	// "signup") and outcome ("ok", "invalid", "rejected", "network").
	AuthRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_client_auth_requests_total",
		Help: "Auth gateway requests",
	}, []string{"op", "outcome"})

	// AuthLatency records auth round-trip time in seconds.
	AuthLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whisper_client_auth_latency_seconds",
		Help:    "Auth gateway round-trip latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"op"})

	// ServerConnections tracks the current number of realtime sockets on the
	// development server.
	ServerConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_devserver_connections",
		Help: "Current number of realtime connections",
	})

	// ServerMessages counts messages processed by the development server,
	// labeled by type: "relayed", "rejected" or "rate_limited".
	ServerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_devserver_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		ConnectionHealth,
		ConnectAttempts,
		ReconnectsTotal,
		ActiveTransport,
		EventsTotal,
		StaleEventsDropped,
		AuthRequests,
		AuthLatency,
		ServerConnections,
		ServerMessages,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
