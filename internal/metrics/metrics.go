// Package metrics holds the Prometheus collectors exported on the debug
// listener's /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mixproxy"

// Protocol label values.
const (
	ProtocolHTTP    = "http"
	ProtocolConnect = "connect"
	ProtocolSOCKS5  = "socks5"
	ProtocolUnknown = "unknown"
)

var (
	// Connections counts accepted connections by the protocol they were
	// classified as. Connections that close before sending a byte count as
	// "unknown".
	Connections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Accepted client connections by detected protocol.",
	}, []string{"protocol"})

	ActiveTunnels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_tunnels",
		Help:      "Established CONNECT and SOCKS5 relays.",
	}, []string{"protocol"})

	// DialFailures counts failed destination dials by errno-style code.
	DialFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dial_failures_total",
		Help:      "Failed outbound connections by protocol and error code.",
	}, []string{"protocol", "code"})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "Connections closed for malformed or unsupported requests.",
	}, []string{"protocol"})

	// RelayedBytes counts tunnel payload; direction is "upstream" for
	// client to destination and "downstream" for the reverse.
	RelayedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relayed_bytes_total",
		Help:      "Bytes relayed through established tunnels.",
	}, []string{"protocol", "direction"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
