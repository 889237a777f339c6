package tap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_tap_connections_accepted_total",
		Help: "Inbound tap connections accepted, before authorization.",
	})

	connectionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_tap_connections_dropped_total",
		Help: "Inbound tap connections dropped: handshake failure or missing peer identity.",
	})

	connectionsUnauthenticated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_tap_connections_unauthenticated_total",
		Help: "Inbound tap connections served the Unauthenticated stub due to peer identity mismatch.",
	})

	connectionsAuthorized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_tap_connections_authorized_total",
		Help: "Inbound tap connections authorized to serve the admin RPC.",
	})
)
