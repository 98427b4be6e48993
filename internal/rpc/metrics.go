package rpc

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsRegistry = prometheus.NewRegistry()

	enforceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataplane",
			Subsystem: "enforce",
			Name:      "requests_total",
			Help:      "Total number of Enforce RPC calls by decision.",
		},
		[]string{"decision"},
	)

	enforceLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dataplane",
			Subsystem: "enforce",
			Name:      "latency_ms",
			Help:      "Enforce RPC latency in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1ms to ~800ms
		},
		[]string{"decision"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dataplane",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	metricsRegistry.MustRegister(
		enforceRequests,
		enforceLatency,
		httpRequests,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// MetricsHandler exposes the registered Prometheus collectors.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})
}

func recordEnforce(decision string, latencyMs float64) {
	enforceRequests.WithLabelValues(decision).Inc()
	enforceLatency.WithLabelValues(decision).Observe(latencyMs)
}

func instrumentHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
