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
	vtRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vt_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	vtRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vt_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	vtEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vt_ledger_entries_total",
		Help: "Total fiscal ledger entries appended, by document type.",
	}, []string{"doc_type"})

	vtVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vt_chain_verifications_total",
		Help: "Total chain verifications by result.",
	}, []string{"result"})

	vtSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vt_regime_submissions_total",
		Help: "Total regime envelope submissions by regime and outcome.",
	}, []string{"regime", "outcome"})

	vtArchivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vt_entries_archived_total",
		Help: "Total ledger entries archived by retention sweeps.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request
// metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		vtRequestsTotal.WithLabelValues(method, path, status).Inc()
		vtRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func recordAppend(docType string) {
	vtEntriesTotal.WithLabelValues(docType).Inc()
}

func recordVerification(valid bool) {
	if valid {
		vtVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		vtVerificationsTotal.WithLabelValues("invalid").Inc()
	}
}

func recordSubmission(regime string, accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	vtSubmissionsTotal.WithLabelValues(regime, outcome).Inc()
}

func recordArchived(n int) {
	vtArchivedTotal.Add(float64(n))
}
