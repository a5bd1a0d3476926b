// Package metrics provides Prometheus instrumentation for the messaging
// core. It exposes gauges for live sessions and subscriptions, counters for
// append and delivery throughput, and a histogram for append latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messaging_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesAppended counts messages committed to the store, labeled by
	// outcome: "committed", "duplicate", or "rejected".
	MessagesAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messaging_messages_appended_total",
		Help: "Total number of append attempts by outcome",
	}, []string{"outcome"}) // outcome = "committed", "duplicate", "rejected"

	// MessagesDelivered counts messages handed to live subscribers.
	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messaging_messages_delivered_total",
		Help: "Total number of messages delivered to subscribers",
	})

	// AppendLatency records store append latency in seconds.
	AppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "messaging_append_latency_seconds",
		Help:    "Message store append latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// LiveSessions tracks the current number of conversation sessions in the
	// Live state.
	LiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messaging_live_sessions",
		Help: "Current number of live conversation sessions",
	})

	// LiveSubscriptions tracks the current number of active room subscriptions.
	LiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messaging_live_subscriptions",
		Help: "Current number of active room subscriptions",
	})

	// SmartRepliesGenerated counts smart-reply suggestion sets produced.
	SmartRepliesGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messaging_smart_replies_generated_total",
		Help: "Total number of smart-reply suggestion sets generated",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesAppended,
		MessagesDelivered,
		AppendLatency,
		LiveSessions,
		LiveSubscriptions,
		SmartRepliesGenerated,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
