package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ocr_agent"

// Metrics holds the agent's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	degradedTotal   prometheus.Counter
	upstreamSeconds *prometheus.HistogramVec
	watchedFiles    *prometheus.CounterVec
	requestTotal    *prometheus.CounterVec
	requestInFlight prometheus.Gauge
}

// New builds and registers all collectors
func New() *Metrics {
	registry := prometheus.NewRegistry()

	runsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by provenance and outcome.",
		},
		[]string{"source", "outcome"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "End to end pipeline run duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"source"},
	)
	degradedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "degraded_classifications_total",
			Help:      "Classification replies that could not be parsed as JSON.",
		},
	)
	upstreamSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "call_duration_seconds",
			Help:      "OCR service call duration in seconds by step.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"step"},
	)
	watchedFiles := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "files_total",
			Help:      "Files handled by the folder watcher by outcome.",
		},
		[]string{"outcome"},
	)
	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "path", "status"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
		},
	)

	registry.MustRegister(
		runsTotal,
		runDuration,
		degradedTotal,
		upstreamSeconds,
		watchedFiles,
		requestTotal,
		requestInFlight,
	)

	return &Metrics{
		registry:        registry,
		runsTotal:       runsTotal,
		runDuration:     runDuration,
		degradedTotal:   degradedTotal,
		upstreamSeconds: upstreamSeconds,
		watchedFiles:    watchedFiles,
		requestTotal:    requestTotal,
		requestInFlight: requestInFlight,
	}
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRun counts one finished pipeline run
func (m *Metrics) RecordRun(source, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(source, outcome).Inc()
	m.runDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordDegraded counts a classification that fell back to the raw reply
func (m *Metrics) RecordDegraded() {
	if m == nil {
		return
	}
	m.degradedTotal.Inc()
}

// RecordUpstreamCall observes one OCR service call
func (m *Metrics) RecordUpstreamCall(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamSeconds.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordWatchedFile counts a file handled by the watcher
func (m *Metrics) RecordWatchedFile(outcome string) {
	if m == nil {
		return
	}
	m.watchedFiles.WithLabelValues(outcome).Inc()
}

// Middleware counts requests by method, route pattern and status. Requests
// no route matched share one label.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(r.Method, route(r), strconv.Itoa(recorder.statusCode)).Inc()
	})
}

// route returns the path part of the mux pattern that served r
func route(r *http.Request) string {
	pattern := r.Pattern
	if _, path, ok := strings.Cut(pattern, " "); ok {
		pattern = path
	}
	if pattern == "" {
		return "unmatched"
	}
	return pattern
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
