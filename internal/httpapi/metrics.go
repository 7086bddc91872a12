package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/zephyrr-ci/zephyr/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// observe records request count and latency per route.
func (r *Router) observe(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next(rec, req)
		labels := map[string]string{
			"method": req.Method,
			"route":  route,
			"status": strconv.Itoa(rec.status),
		}
		r.metrics.IncCounter(metrics.MetricRequestsTotal, labels)
		r.metrics.Observe(metrics.MetricRequestSeconds, time.Since(started).Seconds(), labels)
	}
}
