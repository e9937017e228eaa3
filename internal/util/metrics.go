package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CartCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_commands_total",
		Help: "Total number of cart commands handled, by command and result",
	}, []string{"command", "result"})

	EventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_events_appended_total",
		Help: "Total number of events appended to the journal",
	}, []string{"event_type"})

	ActiveCarts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cart_entities_active",
		Help: "Number of cart entities live on this node",
	})

	CartActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_activations_total",
		Help: "Total number of cart location results, by outcome",
	}, []string{"outcome"})

	CartPassivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_passivations_total",
		Help: "Total number of cart entities stopped, by reason",
	}, []string{"reason"})

	CommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cart_command_latency_seconds",
		Help:    "Latency of cart commands as seen by the service layer",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	ProjectionEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projection_events_processed_total",
		Help: "Total number of events processed by projections",
	}, []string{"projection", "tag"})

	ProjectionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projection_failures_total",
		Help: "Total number of projection restarts after a failure",
	}, []string{"projection", "tag"})

	ProjectionOffset = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "projection_offset",
		Help: "Last committed journal position per projection and tag",
	}, []string{"projection", "tag"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_events_published_total",
		Help: "Total number of cart events published to the topic",
	}, []string{"event_type"})

	OrdersSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_sent_total",
		Help: "Total number of orders sent to the order service, by result",
	}, []string{"result"})

	OrdersReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_received_total",
		Help: "Total number of orders accepted by the order service",
	}, []string{"result"})

	AnalyticsEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_events_consumed_total",
		Help: "Total number of cart events consumed by analytics",
	}, []string{"event_type"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
