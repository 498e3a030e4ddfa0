package middleware

import (
	"net/http"
	"time"

	"github.com/nexusgate/nexusgate/internal/metrics"
)

// Metrics records request counts and latencies labelled by the matched chi
// route pattern and status class, so ids in paths do not explode label
// cardinality.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newStatusRecorder(w)

		next.ServeHTTP(rec, r)

		route := routePattern(r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, metrics.StatusClass(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
