// Package metrics provides Prometheus instrumentation for the console.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aiagent_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aiagent_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Business metrics.
var (
	ActiveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aiagent_active_agents",
		Help: "Number of registered agents.",
	})

	ActivePTYs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aiagent_active_ptys",
		Help: "Number of tabs with a live PTY attached.",
	})

	ChunksPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aiagent_chunks_published_total",
		Help: "Total number of output chunks published on the event bus.",
	})
)

// WebSocket / bus metrics.
var (
	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aiagent_active_subscribers",
		Help: "Number of connected WebSocket subscribers.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aiagent_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})

	BusEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aiagent_bus_events_dropped_total",
		Help: "Total number of bus events dropped on full subscriber queues.",
	})
)
