// Package metrics holds the Prometheus collectors of the chat client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketchat_reconnect_attempts_total",
			Help: "Total reconnect attempts scheduled on the persistent channel",
		},
	)

	ConnectionsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketchat_connections_failed_total",
			Help: "Total rooms whose reconnect budget was exhausted",
		},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketchat_frames_received_total",
			Help: "Total inbound frames by type",
		},
		[]string{"type"},
	)

	// Delivery metrics
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketchat_deliveries_total",
			Help: "Total message sends by path and outcome",
		},
		[]string{"path", "outcome"}, // path: "persistent" or "fallback"
	)

	HistoryLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketchat_history_loads_total",
			Help: "Total historical message loads by outcome",
		},
		[]string{"outcome"},
	)
)
