package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkline_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talkline_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "talkline_sessions_active",
			Help: "Currently open duplex channels",
		},
	)

	SessionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkline_sessions_opened_total",
			Help: "Total duplex channels opened",
		},
	)

	// Event metrics
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkline_events_received_total",
			Help: "Inbound client events by name",
		},
		[]string{"event"},
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkline_events_delivered_total",
			Help: "Outbound events delivered to a live channel",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkline_events_dropped_total",
			Help: "Outbound events dropped (offline peer or write failure)",
		},
		[]string{"event"},
	)

	// Business metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkline_messages_sent_total",
			Help: "Messages appended to the durable log",
		},
	)

	ConnectionRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkline_connection_requests_total",
			Help: "Connection requests issued",
		},
	)

	ConnectionAccepts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkline_connection_accepts_total",
			Help: "Connection requests accepted",
		},
	)

	EventErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkline_event_errors_total",
			Help: "Per-event failures returned to the originating channel",
		},
		[]string{"code"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talkline_store_latency_seconds",
			Help:    "Durable store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)
)
