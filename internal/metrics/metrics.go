// Package metrics exposes the gateway's Prometheus collectors: counters and
// gauges cheap enough to update on every request, scraped from /metrics by
// an operator-side Prometheus instance. This is deliberately small — the
// Latency store (internal/sandbox's sibling "Latency" logical store named
// in config) owns per-request timing history; these are just the
// always-on health signals.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// OrdersRouted counts /api requests by outcome: "rate_limited" (refused
	// before Gate.Route), "queued", "rejected" (OperationNotAllowed), and
	// "live" for every other Gate.Route result, sandbox-routed requests and
	// other errors included.
	OrdersRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_orders_routed_total",
		Help: "Orders processed by the Mode Gate, by routing outcome.",
	}, []string{"outcome"})

	// StreamingConnections tracks currently-open WebSocket connections.
	StreamingConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_streaming_connections",
		Help: "Currently open streaming WebSocket connections.",
	})

	// SquareOffRuns counts completed square-off passes by exchange group.
	SquareOffRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_sandbox_square_off_runs_total",
		Help: "Completed sandbox square-off passes, by exchange group.",
	}, []string{"group"})
)

func init() {
	prometheus.MustRegister(OrdersRouted, StreamingConnections, SquareOffRuns)
}
