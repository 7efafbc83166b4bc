package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type httpMetrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	failures      *prometheus.CounterVec
	responseBytes *prometheus.CounterVec
	inFlight      prometheus.Gauge
}

var (
	defaultHTTPMetricsOnce sync.Once
	defaultHTTPMetricsInst *httpMetrics
)

func getDefaultHTTPMetrics() *httpMetrics {
	defaultHTTPMetricsOnce.Do(func() {
		defaultHTTPMetricsInst = newHTTPMetrics(prometheus.DefaultRegisterer)
	})
	return defaultHTTPMetricsInst
}

// Pack transfers take far longer than JSON calls, so the latency buckets
// stretch out to several minutes.
var latencyBuckets = []float64{.005, .025, .1, .5, 1, 5, 15, 60, 180, 600}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: "repohost", Subsystem: "http", Name: name, Help: help}
	}
	labels := []string{"method", "route", "status_class"}
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts(opts("requests_total",
			"HTTP requests handled, by matched route.")), labels),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "repohost",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   latencyBuckets,
		}, labels),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts(opts("errors_total",
			"HTTP requests answered with status >= 400.")), []string{"method", "route", "status_code"}),
		responseBytes: prometheus.NewCounterVec(prometheus.CounterOpts(opts("response_bytes_total",
			"Response body bytes written, by matched route.")), []string{"route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts(opts("in_flight_requests",
			"Requests currently being served."))),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.latency, m.failures, m.responseBytes, m.inFlight)
	}
	return m
}

func requestMetricsMiddleware(metrics *httpMetrics, next http.Handler) http.Handler {
	if metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL != nil && r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		metrics.inFlight.Inc()
		defer metrics.inFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := requestRouteLabel(r)
		class := httpStatusClass(rec.status)
		metrics.requests.WithLabelValues(r.Method, route, class).Inc()
		metrics.latency.WithLabelValues(r.Method, route, class).Observe(time.Since(start).Seconds())
		metrics.responseBytes.WithLabelValues(route).Add(float64(rec.bytes))
		if rec.status >= http.StatusBadRequest {
			metrics.failures.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		}
	})
}

func metricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// requestRouteLabel keeps label cardinality bounded: the mux pattern when
// one matched, otherwise a coarse bucket. Repository slugs never appear.
func requestRouteLabel(r *http.Request) string {
	if r == nil || r.URL == nil {
		return "unknown"
	}
	if _, route, ok := strings.Cut(strings.TrimSpace(r.Pattern), " "); ok {
		return strings.TrimSpace(route)
	}
	if r.Pattern != "" {
		return r.Pattern
	}

	path := r.URL.Path
	switch {
	case path == "/healthz", path == "/metrics":
		return path
	case strings.HasPrefix(path, "/api/repo/"):
		return "/api/repo/*"
	case strings.HasPrefix(path, "/api/"):
		return "/api/*"
	}
	for _, suffix := range []string{"/info/refs", "/HEAD", "/git-upload-pack", "/git-receive-pack"} {
		if strings.HasSuffix(path, suffix) {
			return "/{repo}" + suffix
		}
	}
	return "other"
}

func httpStatusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
