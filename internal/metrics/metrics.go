// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "habgate_ws_connected_clients",
		Help: "Currently connected WebSocket clients.",
	})

	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habgate_ws_broadcasts_total",
		Help: "WebSocket broadcast frames by event type.",
	}, []string{"event"})

	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habgate_upstream_requests_total",
		Help: "Buffered upstream requests by status code.",
	}, []string{"status"})

	UpstreamRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "habgate_upstream_request_seconds",
		Help:    "Buffered upstream request latency.",
		Buckets: prometheus.DefBuckets,
	})

	DeltaCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "habgate_delta_cache_lookups_total",
		Help: "Delta cache lookups by outcome (delta, full, miss).",
	}, []string{"outcome"})

	ItemChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "habgate_item_changes_total",
		Help: "Item state transitions that passed the change detector.",
	})

	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "habgate_auth_failures_total",
		Help: "Failed authentication attempts.",
	})

	Lockouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "habgate_auth_lockouts_total",
		Help: "Lockouts triggered by repeated auth failures.",
	})
)
