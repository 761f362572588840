// Package metrics exposes the prometheus registry, the queue/lease health
// gauges updated by the periodic collector, and HTTP instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process-wide prometheus registry.
var Registry = prometheus.NewRegistry()

var (
	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Number of runs per status.",
	}, []string{"status"})

	queueReadyDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queue_ready_depth",
		Help: "Number of queued runs eligible to claim now.",
	})

	queueFutureDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queue_future_depth",
		Help: "Number of queued runs scheduled for the future.",
	})

	queueOldestReadySeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "queue_oldest_ready_seconds",
		Help: "Age in seconds of the oldest ready-and-queued run.",
	})

	runningWithExpiredLease = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "running_with_expired_lease",
		Help: "Number of running runs whose lease has expired and are due for reclaim.",
	})

	runningWithActiveLease = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "running_with_active_lease",
		Help: "Number of running runs with a currently active lease.",
	})

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_requests_in_flight",
		Help: "Number of HTTP requests currently being served.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests by method, path and status.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

func init() {
	Registry.MustRegister(queueDepth, queueReadyDepth, queueFutureDepth, queueOldestReadySeconds,
		runningWithExpiredLease, runningWithActiveLease,
		httpInFlight, httpRequests, httpDuration)
}

// Handler serves the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetQueueDepth records the per-status queue_depth gauge.
func SetQueueDepth(status string, value float64) {
	queueDepth.WithLabelValues(status).Set(value)
}

// SetQueueReadyDepth records queue_ready_depth.
func SetQueueReadyDepth(value float64) { queueReadyDepth.Set(value) }

// SetQueueFutureDepth records queue_future_depth.
func SetQueueFutureDepth(value float64) { queueFutureDepth.Set(value) }

// SetQueueOldestReadySeconds records queue_oldest_ready_seconds.
func SetQueueOldestReadySeconds(value float64) { queueOldestReadySeconds.Set(value) }

// SetRunningWithExpiredLease records running_with_expired_lease.
func SetRunningWithExpiredLease(value float64) { runningWithExpiredLease.Set(value) }

// SetRunningWithActiveLease records running_with_active_lease.
func SetRunningWithActiveLease(value float64) { runningWithActiveLease.Set(value) }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps next with in-flight gauge, request counter, and
// duration histogram, keyed by the request's canonical path.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// canonicalPath collapses path-parameter segments (uuids, ids) so the
// method/path/status cardinality stays bounded.
func canonicalPath(raw string) string {
	segments := splitPath(raw)
	for i, seg := range segments {
		if looksLikeID(seg) {
			segments[i] = ":id"
		}
	}
	return "/" + joinPath(segments)
}

func splitPath(raw string) []string {
	var segs []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '/' {
			if i > start {
				segs = append(segs, raw[start:i])
			}
			start = i + 1
		}
	}
	return segs
}

func joinPath(segs []string) string {
	out := ""
	for i, s := range segs {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}

func looksLikeID(seg string) bool {
	if len(seg) < 8 {
		return false
	}
	digits := 0
	for _, r := range seg {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits*2 >= len(seg)
}
