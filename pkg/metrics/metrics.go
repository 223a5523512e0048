// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks local API request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zrchat_api_request_duration_seconds",
			Help:    "Local API request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total local API requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zrchat_api_requests_total",
			Help: "Total local API requests",
		},
		[]string{"method", "path", "status"},
	)

	// MessagesSent tracks outgoing messages by kind and outcome.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zrchat_messages_sent_total",
			Help: "Outgoing messages by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// OptimisticDedupes tracks realtime echoes folded into an existing entry.
	OptimisticDedupes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zrchat_optimistic_dedupes_total",
			Help: "Realtime inserts reconciled against an already known message",
		},
		[]string{"reason"},
	)

	// RealtimeEvents tracks change feed events received.
	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zrchat_realtime_events_total",
			Help: "Change feed events received",
		},
		[]string{"table", "kind"},
	)

	// AssistantAttempts tracks webhook attempts by outcome.
	AssistantAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zrchat_assistant_attempts_total",
			Help: "Assistant backend attempts",
		},
		[]string{"backend", "outcome"},
	)

	// AssistantExchangeDuration tracks the full exchange duration including retries.
	AssistantExchangeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zrchat_assistant_exchange_duration_seconds",
			Help:    "Assistant exchange duration including retries",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60, 95},
		},
		[]string{"backend", "state"},
	)

	// PresenceOnline tracks the number of users seen online.
	PresenceOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zrchat_presence_online_users",
			Help: "Users currently present on the presence channel",
		},
	)

	// GatewayReachable is 1 while the last gateway ping succeeded.
	GatewayReachable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zrchat_gateway_reachable",
			Help: "Whether the last gateway ping succeeded",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zrchat_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordSend records the outcome of an outgoing message.
func RecordSend(kind, outcome string) {
	MessagesSent.WithLabelValues(kind, outcome).Inc()
}

// RecordAssistantExchange records an exchange's final state and duration.
func RecordAssistantExchange(backend, state string, duration float64) {
	AssistantExchangeDuration.WithLabelValues(backend, state).Observe(duration)
}

// SetGatewayReachable records the last ping outcome.
func SetGatewayReachable(ok bool) {
	if ok {
		GatewayReachable.Set(1)
		return
	}
	GatewayReachable.Set(0)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
