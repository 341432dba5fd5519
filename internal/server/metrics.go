package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jwtrust_verifications_total",
		Help: "Total JWT verifications by trust method and result.",
	}, []string{"method", "result"})

	tokensCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jwtrust_tokens_created_total",
		Help: "Total JWTs created by trust method and result.",
	}, []string{"method", "result"})

	entityConfigurationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jwtrust_entity_configurations_total",
		Help: "Total entity configurations served by result.",
	}, []string{"result"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jwtrust_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jwtrust_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	upstreamChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jwtrust_upstream_checks_total",
		Help: "Total upstream health probes by target and result.",
	}, []string{"target", "result"})

	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jwtrust_rate_limited_total",
		Help: "Total requests rejected by the per-client rate limit.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordUpstreamCheck records an upstream health probe result. It matches
// health.MetricsRecordFunc.
func RecordUpstreamCheck(target string, success bool) {
	upstreamChecksTotal.WithLabelValues(target, outcome(success)).Inc()
}

func recordVerification(method string, valid bool, err error) {
	result := "invalid"
	switch {
	case err != nil:
		result = "error"
	case valid:
		result = "valid"
	}
	verificationsTotal.WithLabelValues(method, result).Inc()
}

func recordTokenCreated(method string, err error) {
	tokensCreatedTotal.WithLabelValues(method, outcome(err == nil)).Inc()
}

func recordEntityConfiguration(err error) {
	entityConfigurationsTotal.WithLabelValues(outcome(err == nil)).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
