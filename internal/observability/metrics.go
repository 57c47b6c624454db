package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LocationUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "location_updates_total", Help: "Total driver location pings stored"})
	ReroutesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "reroutes_total", Help: "Route recomputations by outcome"}, []string{"outcome"})
	DriversOnline        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_tracking", Name: "drivers_online", Help: "Number of drivers that toggled online"})

	RoutingRequests = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "routing_requests_total", Help: "Routing provider lookups by result"}, []string{"result"})
	RoutingLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_tracking", Name: "routing_latency_seconds", Help: "Routing provider latency seconds"})

	StopsCompleted     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "stops_completed_total", Help: "Itinerary stops completed by type"}, []string{"stop_type"})
	BookingTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "booking_transitions_total", Help: "Booking status transitions"}, []string{"from", "to"})
	PinOutcomes        = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "payment_pin_outcomes_total", Help: "Payment PIN generate/verify outcomes"}, []string{"op", "outcome"})
	NotificationErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "notification_errors_total", Help: "Notifications that failed to dispatch"})
	EventPublishErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "event_publish_errors_total", Help: "Kafka events that could not be published"})
	WorkerMessages     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "worker_messages_total", Help: "Worker messages by outcome"}, []string{"outcome"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracking", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_tracking",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
