// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connections and presence, counters for moderation
// outcomes and rejected events, and a histogram for classifier latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket sessions.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safechat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers is the size of the last online snapshot this instance published.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safechat_online_users",
		Help: "Size of the most recently published online user set",
	})

	// MessagesTotal counts moderated chat messages by decision.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safechat_messages_total",
		Help: "Total number of chat messages moderated",
	}, []string{"status"}) // approved | censored | blocked

	// ModerationFailures counts pipeline aborts by stage.
	ModerationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safechat_moderation_failures_total",
		Help: "Total number of moderation pipeline failures",
	}, []string{"stage"}) // classify | persist

	// ClassifierLatency records the round trip to the toxicity classifier.
	ClassifierLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "safechat_classifier_latency_seconds",
		Help:    "Toxicity classifier call latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// EventsRejected counts inbound events rejected before handling.
	EventsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safechat_events_rejected_total",
		Help: "Total number of inbound events rejected",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		ModerationFailures,
		ClassifierLatency,
		EventsRejected,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
