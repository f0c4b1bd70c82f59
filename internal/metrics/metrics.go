// Package metrics provides Prometheus instrumentation for the agents backend.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "defiagents"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// GuardOutcomesTotal counts timeout-guarded operations by outcome (ok, timeout, error).
	GuardOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_outcomes_total",
			Help:      "Timeout-guarded operations by operation name and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// ChainReadsTotal counts provider reads by method and result.
	ChainReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_reads_total",
			Help:      "Blockchain provider reads by method and result.",
		},
		[]string{"method", "result"},
	)

	// CreditScoresTotal counts generated credit scores by source (chain, fallback, cache).
	CreditScoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_scores_total",
			Help:      "Credit scores served by source.",
		},
		[]string{"source"},
	)

	// RiskHistoryTotal counts risk history requests by source (chain, fallback, cache).
	RiskHistoryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_history_total",
			Help:      "Historical risk series served by source.",
		},
		[]string{"source"},
	)

	// AgentActionsTotal counts agent actions by agent type and final status.
	AgentActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_actions_total",
			Help:      "Agent actions by agent type and status.",
		},
		[]string{"agent_type", "status"},
	)

	// SessionTransitionsTotal counts wallet session state transitions.
	SessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Wallet session state transitions by target state.",
		},
		[]string{"state"},
	)

	// ConnectedWallets is 1 while a wallet session is connected.
	ConnectedWallets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_wallets",
			Help:      "Number of connected wallet sessions (0 or 1).",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		GuardOutcomesTotal,
		ChainReadsTotal,
		CreditScoresTotal,
		RiskHistoryTotal,
		AgentActionsTotal,
		SessionTransitionsTotal,
		ConnectedWallets,
		ActiveWebSocketClients,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Route pattern, not actual path
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
