package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/file-bridge/internal/core/domain"
)

type PipelineMetrics struct {
	registry *prometheus.Registry
	service  string

	ingestedTotal   *prometheus.CounterVec
	extractionTotal *prometheus.CounterVec
	dispatchTotal   *prometheus.CounterVec
	terminalTotal   *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	workersBusy     prometheus.Gauge

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewPipelineMetrics(service string) *PipelineMetrics {
	registry := prometheus.NewRegistry()

	ingestedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "watcher",
			Name:      "ingested_total",
			Help:      "Stable files handed to the work queue by category.",
		},
		[]string{"service", "category"},
	)
	extractionTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "extraction",
			Name:      "outcomes_total",
			Help:      "Extraction outcomes by category.",
		},
		[]string{"service", "category", "outcome"},
	)
	dispatchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "Dispatch outcomes (submitted, acknowledged, rejected, retried, duplicate).",
		},
		[]string{"service", "outcome"},
	)
	terminalTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "lifecycle",
			Name:      "terminal_total",
			Help:      "Files resolved into a terminal state.",
		},
		[]string{"service", "category", "state"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "worker",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage processing latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"service", "stage"},
	)
	queueDepth := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Events waiting in the work queue by category.",
		},
		[]string{"service", "category"},
	)
	workersBusy := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "worker",
			Name:      "busy",
			Help:      "Workers currently processing a file.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Admin HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	registry.MustRegister(
		ingestedTotal,
		extractionTotal,
		dispatchTotal,
		terminalTotal,
		stageDuration,
		queueDepth,
		workersBusy,
		requestTotal,
		requestDuration,
	)

	return &PipelineMetrics{
		registry:        registry,
		service:         service,
		ingestedTotal:   ingestedTotal,
		extractionTotal: extractionTotal,
		dispatchTotal:   dispatchTotal,
		terminalTotal:   terminalTotal,
		stageDuration:   stageDuration,
		queueDepth:      queueDepth,
		workersBusy:     workersBusy,
		requestTotal:    requestTotal,
		requestDuration: requestDuration,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PipelineMetrics) RecordIngested(category domain.Category) {
	defer m.guard("ingested")
	m.ingestedTotal.WithLabelValues(m.service, string(category)).Inc()
}

func (m *PipelineMetrics) RecordExtraction(category domain.Category, outcome string) {
	defer m.guard("extraction")
	m.extractionTotal.WithLabelValues(m.service, string(category), orUnknown(outcome)).Inc()
}

func (m *PipelineMetrics) RecordDispatch(outcome string) {
	defer m.guard("dispatch")
	m.dispatchTotal.WithLabelValues(m.service, orUnknown(outcome)).Inc()
}

func (m *PipelineMetrics) RecordTerminal(category domain.Category, state domain.FileState) {
	defer m.guard("terminal")
	m.terminalTotal.WithLabelValues(m.service, string(category), string(state)).Inc()
}

func (m *PipelineMetrics) ObserveStage(stage domain.FileState, duration time.Duration) {
	defer m.guard("stage")
	if duration < 0 {
		return
	}
	m.stageDuration.WithLabelValues(m.service, string(stage)).Observe(duration.Seconds())
}

func (m *PipelineMetrics) SetQueueDepth(category domain.Category, depth int) {
	defer m.guard("queue_depth")
	m.queueDepth.WithLabelValues(m.service, string(category)).Set(float64(depth))
}

func (m *PipelineMetrics) WorkerBusy(delta int) {
	defer m.guard("workers_busy")
	m.workersBusy.Add(float64(delta))
}

func (m *PipelineMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		defer m.guard("admin_request")
		m.requestTotal.WithLabelValues(m.service, r.Method, r.URL.Path, strconv.Itoa(recorder.statusCode)).Inc()
		m.requestDuration.WithLabelValues(m.service, r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// guard keeps a metrics failure from ever reaching the pipeline.
func (m *PipelineMetrics) guard(metric string) {
	if r := recover(); r != nil {
		slog.Warn("metrics_emit_failed", "metric", metric, "panic", r)
	}
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
