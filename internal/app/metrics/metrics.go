// Package metrics exposes the payment layer's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "payment_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payment_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	transferOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "transfers",
			Name:      "executions_total",
			Help:      "Total number of transfer executions by outcome.",
		},
		[]string{"outcome"},
	)

	transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payment_layer",
			Subsystem: "transfers",
			Name:      "execution_duration_seconds",
			Help:      "Duration of transfer executions, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"outcome"},
	)

	transferRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "transfers",
			Name:      "lock_retries_total",
			Help:      "Total number of transfer attempts retried after lock contention.",
		},
	)

	archivedTransfers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "archive",
			Name:      "transfers_archived_total",
			Help:      "Total number of transfer records moved to the archive table.",
		},
	)

	archiveRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "archive",
			Name:      "runs_total",
			Help:      "Total number of archival runs.",
		},
		[]string{"success"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		transferOutcomes,
		transferDuration,
		transferRetries,
		archivedTransfers,
		archiveRuns,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// ObserveTransfer records one transfer execution.
func ObserveTransfer(outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	transferOutcomes.WithLabelValues(outcome).Inc()
	transferDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordTransferRetry counts one contention retry.
func RecordTransferRetry() {
	transferRetries.Inc()
}

// RecordArchiveRun records one archival run and the rows it moved.
func RecordArchiveRun(archived int, success bool) {
	archivedTransfers.Add(float64(archived))
	label := "false"
	if success {
		label = "true"
	}
	archiveRuns.WithLabelValues(label).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] == "v1" {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return "/"
	}
	switch parts[0] {
	case "accounts":
		if len(parts) == 1 {
			return "/accounts"
		}
		if len(parts) == 2 {
			return "/accounts/:id"
		}
		return "/accounts/:id/" + parts[2]
	case "transfers":
		if len(parts) == 1 {
			return "/transfers"
		}
		return "/transfers/:reference"
	default:
		return "/" + parts[0]
	}
}
