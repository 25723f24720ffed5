package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_relayed_total",
			Help: "Total messages accepted and fanned out",
		},
		[]string{"sender_role"},
	)

	MessagesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_deleted_total",
			Help: "Total messages deleted",
		},
	)

	ReadReceipts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_read_receipts_total",
			Help: "Total messages newly marked read",
		},
	)

	AgentLogins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_agent_logins_total",
			Help: "Total agent login attempts",
		},
		[]string{"outcome"}, // "ok", "rejected", "muted"
	)

	// Write-behind cache metrics
	PendingWrites = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_cache_pending_writes",
			Help: "Cache entries awaiting durable confirmation",
		},
	)

	ReconcileBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cache_reconcile_batches_total",
			Help: "Reconciliation cycles by outcome",
		},
		[]string{"outcome"}, // "ok", "partial", "failed"
	)

	OrphansEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_cache_orphans_evicted_total",
			Help: "Cache-only messages evicted after exceeding max age",
		},
	)

	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_ws_active_connections",
			Help: "Currently open websocket sessions",
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_store_latency_seconds",
			Help:    "Durable store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)
)
