// Package metrics holds the prometheus collectors shared by the reconciler.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MovementsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anpr_movements_ingested_total",
		Help: "Movements accepted into the movement store, by source",
	}, []string{"source"})

	MovementsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anpr_movements_deduplicated_total",
		Help: "Redelivered detections recognised and ignored, by source",
	}, []string{"source"})

	Corrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anpr_corrections_total",
		Help: "Operator corrections applied, by kind",
	}, []string{"kind"})

	RematchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anpr_rematch_duration_seconds",
		Help:    "Time spent re-matching one (site, vrm) sequence including persistence",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	RematchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anpr_rematch_failures_total",
		Help: "Re-match units that rolled back",
	})

	LockConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anpr_lock_conflicts_total",
		Help: "Per-vehicle lock acquisitions that gave up with a concurrency conflict",
	})

	AnomaliesBySeverity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "anpr_filo_anomalies",
		Help: "Sessions flagged by the last anomaly scan, by severity",
	}, []string{"severity"})

	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anpr_audit_events_dropped_total",
		Help: "Correction audit events dropped because the dispatch buffer was full",
	})

	AuditPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anpr_audit_publish_failures_total",
		Help: "Correction audit events the sink failed to accept",
	})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anpr_http_requests_total",
		Help: "HTTP requests served, by route and status",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "anpr_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// GinMiddleware records request counts and latency. The matched route template is used
// as the label so movement ids do not explode cardinality.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
