// Package metrics provides Prometheus instrumentation for the room chat
// client and the roomd signaling server. Client-side collectors describe the
// session manager (backend choice, fallbacks, message flow); server-side
// collectors describe connections and room traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsByBackend tracks live session managers by active backend,
	// labeled "real" or "simulated".
	SessionsByBackend = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomchat_sessions",
		Help: "Current number of initialized session managers by backend",
	}, []string{"backend"})

	// FallbacksTotal counts switches to the simulated backend, labeled by the
	// reason: "sdk_load", "engine_create" or "join".
	FallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_fallbacks_total",
		Help: "Total number of fallbacks to the simulated backend",
	}, []string{"reason"})

	// SDKLoadDuration records how long the external engine manifest took to
	// load, successful or not.
	SDKLoadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomchat_sdk_load_duration_seconds",
		Help:    "Time spent loading the external engine",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// ClientMessagesTotal counts messages seen by session managers, labeled by
	// direction ("sent", "received") and backend.
	ClientMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomchat_client_messages_total",
		Help: "Total number of messages sent or received by session managers",
	}, []string{"direction", "backend"})

	// ConnectionsTotal tracks the current number of active websocket
	// connections on a roomd instance.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomd_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts broadcast messages processed by roomd, labeled by
	// type: "sent", "delivered", "rejected", "blocked" or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomd_messages_total",
		Help: "Total number of broadcast messages processed",
	}, []string{"type"})

	// RoomMembers tracks the local member count of each room.
	RoomMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomd_room_members",
		Help: "Current number of members connected to this instance per room",
	}, []string{"room"})

	// RequestLatency records request handling latency in seconds, labeled by
	// request type.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomd_request_latency_seconds",
		Help:    "Request processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		SessionsByBackend,
		FallbacksTotal,
		SDKLoadDuration,
		ClientMessagesTotal,
		ConnectionsTotal,
		MessagesTotal,
		RoomMembers,
		RequestLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
