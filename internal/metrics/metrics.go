package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Define all Prometheus metrics
var (
	// Active connections gauge
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mtlslb_active_connections",
		Help: "Number of established proxied connections",
	})

	// Total connections counter, labeled by terminal outcome
	TotalConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtlslb_connections_total",
		Help: "Total proxied connections by terminal state",
	}, []string{"outcome"})

	// Bytes transferred counter
	BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtlslb_bytes_total",
		Help: "Total bytes ferried between downstream and upstream",
	}, []string{"direction"})

	// Connection duration histogram
	ConnectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mtlslb_connection_duration_seconds",
		Help:    "Connection lifetime in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to 512s
	})

	// Handshake duration histogram
	HandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mtlslb_handshake_duration_seconds",
		Help:    "Time from accept to handshake completion or failure",
		Buckets: prometheus.DefBuckets,
	})

	// Promotion drops counter, labeled by reason
	PromotionDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtlslb_promotion_drops_total",
		Help: "Completed handshakes that did not become a connection, by reason",
	}, []string{"reason"})

	// Rate limit rejections counter
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mtlslb_rate_limit_rejections_total",
		Help: "Total promotions rejected by the per-identity rate limiter",
	})

	// Connection limit rejections counter
	ConnectionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mtlslb_connection_limit_rejections_total",
		Help: "Total promotions rejected by the global connection cap",
	})

	// Authentication failures counter
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mtlslb_auth_failures_total",
		Help: "Total handshakes that failed or resolved to an unauthorized identity",
	})

	// Per-endpoint health gauge, 1 for healthy, 0 for unhealthy
	EndpointHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mtlslb_endpoint_healthy",
		Help: "Last observed health probe outcome per upstream endpoint",
	}, []string{"pool_id", "endpoint_id"})

	// Per-endpoint active connection gauge
	EndpointActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mtlslb_endpoint_active_connections",
		Help: "Active connections currently attributed to an upstream endpoint",
	}, []string{"pool_id", "endpoint_id"})
)

// RecordConnectionStart records when a connection is promoted
func RecordConnectionStart() {
	ActiveConnections.Inc()
	TotalConnections.WithLabelValues("started").Inc()
}

// RecordConnectionEnd records a connection leaving OKAY state, labeled by its terminal state
func RecordConnectionEnd(outcome string, lifetime float64) {
	ActiveConnections.Dec()
	TotalConnections.WithLabelValues(outcome).Inc()
	ConnectionDuration.Observe(lifetime)
}

// RecordHandshake records a completed or failed handshake
func RecordHandshake(seconds float64) {
	HandshakeDuration.Observe(seconds)
}

// RecordBytesTransferred records bytes transferred in a direction
func RecordBytesTransferred(direction string, bytes int64) {
	BytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

// RecordPromotionDrop records a completed handshake that failed to become a connection
func RecordPromotionDrop(reason string) {
	PromotionDrops.WithLabelValues(reason).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	RateLimitRejections.Inc()
}

// RecordConnectionLimitRejection records a global connection cap rejection
func RecordConnectionLimitRejection() {
	ConnectionLimitRejections.Inc()
}

// RecordAuthFailure records an authentication failure
func RecordAuthFailure() {
	AuthFailures.Inc()
}

// SetEndpointHealth records the last observed probe outcome for an endpoint
func SetEndpointHealth(poolID, endpointID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	EndpointHealth.WithLabelValues(poolID, endpointID).Set(v)
}

// SetEndpointActiveConnections records the active connection count for an endpoint
func SetEndpointActiveConnections(poolID, endpointID string, count int) {
	EndpointActiveConnections.WithLabelValues(poolID, endpointID).Set(float64(count))
}
