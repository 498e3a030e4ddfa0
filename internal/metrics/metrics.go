// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	startTime = time.Now()

	// UptimeSeconds tracks the control plane uptime in seconds
	UptimeSeconds = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "nexusgate",
		Name:      "uptime_seconds",
		Help:      "Seconds since the process started",
	}, func() float64 { return time.Since(startTime).Seconds() })

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexusgate",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nexusgate",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// ResolutionsTotal counts effective-limit lookups by winning tier
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexusgate",
		Subsystem: "resolver",
		Name:      "resolutions_total",
		Help:      "Rate limit resolutions by source tier",
	}, []string{"source"})

	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexusgate",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Resolution cache lookups by result (hit or miss)",
	}, []string{"result"})

	ViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexusgate",
		Subsystem: "logs",
		Name:      "violations_ingested_total",
		Help:      "Violation log entries ingested by type",
	}, []string{"type"})

	RetentionPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nexusgate",
		Subsystem: "logs",
		Name:      "retention_pruned_total",
		Help:      "Violation log entries deleted by the retention job",
	})

	LoadTestRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nexusgate",
		Subsystem: "loadtest",
		Name:      "requests_total",
		Help:      "Requests sent by load test runs by status class",
	}, []string{"class"})

	LoadTestsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nexusgate",
		Subsystem: "loadtest",
		Name:      "running",
		Help:      "Load test runs currently in progress",
	})
)

// StatusClass buckets an HTTP status code as 2xx, 3xx, 4xx, 5xx, or "error"
// when no response was received.
func StatusClass(code int) string {
	switch {
	case code <= 0:
		return "error"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
