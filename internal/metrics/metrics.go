// Package metrics provides Prometheus instrumentation for the Veilroom relay.
// It exposes gauges for room, session, and connection counts, and counters for
// relayed payload and key-distribution traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veilroom_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsActive tracks the current number of live rooms.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veilroom_rooms_active",
		Help: "Current number of live rooms",
	})

	// SessionsActive tracks sessions across all rooms, live or in grace period.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veilroom_sessions_active",
		Help: "Current number of sessions across all rooms",
	})

	// MessagesRelayed counts relayed encrypted payloads, labeled by kind:
	// "message", "image", or "image_chunk".
	MessagesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veilroom_messages_relayed_total",
		Help: "Total number of encrypted payloads relayed",
	}, []string{"kind"})

	// KeySharesRelayed counts key-distribution relays, labeled by kind:
	// "public", "symmetric", or "reshare".
	KeySharesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veilroom_key_shares_relayed_total",
		Help: "Total number of key-distribution relays",
	}, []string{"kind"})

	// Reconnects counts successful session rejoins within the grace period.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veilroom_reconnects_total",
		Help: "Total number of successful session rejoins",
	})

	// GraceExpiries counts grace periods that elapsed without a rejoin.
	GraceExpiries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veilroom_grace_expiries_total",
		Help: "Total number of grace periods that elapsed without rejoin",
	})

	// ChunkBuffersOpen tracks reassembly buffers currently holding fragments.
	ChunkBuffersOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veilroom_chunk_buffers_open",
		Help: "Current number of open image reassembly buffers",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomsActive,
		SessionsActive,
		MessagesRelayed,
		KeySharesRelayed,
		Reconnects,
		GraceExpiries,
		ChunkBuffersOpen,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
