package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// PrometheusMetrics provides metrics collection for the screenshot service
type PrometheusMetrics struct {
	// Engine metrics
	engineUp       prometheus.Gauge
	engineRestarts *prometheus.CounterVec

	// Screenshot pipeline metrics
	screenshotsTotal   *prometheus.CounterVec
	screenshotDuration prometheus.Histogram

	// Admission metrics
	admissionActive     prometheus.Gauge
	admissionRejections prometheus.Counter

	// HTTP metrics
	httpRequests *prometheus.CounterVec

	// Error metrics
	errorsTotal *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewPrometheusMetrics creates a new Prometheus-based metrics collector
func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewPrometheusMetricsWithRegistry creates a new Prometheus-based metrics collector with custom registry
func NewPrometheusMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		logger: logger,
	}

	pm.engineUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ss",
		Name:      "engine_up",
		Help:      "Whether the rendering engine is launched and connected (1 or 0)",
	})

	pm.engineRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ss",
		Name:      "engine_restarts_total",
		Help:      "Total engine restarts by reason",
	}, []string{"reason"}) // reason: threshold, recovery

	pm.screenshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ss",
		Name:      "screenshots_total",
		Help:      "Total number of screenshot requests",
	}, []string{"status"}) // status: success, error, timeout, rejected

	pm.screenshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ss",
		Name:      "screenshot_duration_seconds",
		Help:      "Time spent processing screenshot requests",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms to ~100s
	})

	pm.admissionActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ss",
		Name:      "admission_active",
		Help:      "Number of currently active render sessions",
	})

	pm.admissionRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ss",
		Name:      "admission_rejections_total",
		Help:      "Total requests rejected at the concurrency limit",
	})

	pm.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ss",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by endpoint and status",
	}, []string{"endpoint", "status"})

	pm.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ss",
		Name:      "errors_total",
		Help:      "Total errors by type",
	}, []string{"type"}) // type: validation, render, capture, engine, internal

	registerer.MustRegister(
		pm.engineUp,
		pm.engineRestarts,
		pm.screenshotsTotal,
		pm.screenshotDuration,
		pm.admissionActive,
		pm.admissionRejections,
		pm.httpRequests,
		pm.errorsTotal,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Info("Screenshot service Prometheus metrics initialized")
	return pm
}

// SetEngineUp sets the engine availability gauge
func (pm *PrometheusMetrics) SetEngineUp(up float64) {
	pm.engineUp.Set(up)
}

// RecordEngineRestart records an engine restart by reason
func (pm *PrometheusMetrics) RecordEngineRestart(reason string) {
	pm.engineRestarts.WithLabelValues(reason).Inc()
}

// RecordScreenshot records a screenshot request outcome
func (pm *PrometheusMetrics) RecordScreenshot(status string) {
	pm.screenshotsTotal.WithLabelValues(status).Inc()
}

// RecordScreenshotDuration records processing duration
func (pm *PrometheusMetrics) RecordScreenshotDuration(seconds float64) {
	pm.screenshotDuration.Observe(seconds)
}

// SetAdmissionActive updates the active sessions gauge
func (pm *PrometheusMetrics) SetAdmissionActive(active float64) {
	pm.admissionActive.Set(active)
}

// RecordAdmissionRejection records a concurrency-limit rejection
func (pm *PrometheusMetrics) RecordAdmissionRejection() {
	pm.admissionRejections.Inc()
}

// RecordHTTPRequest records an HTTP request
func (pm *PrometheusMetrics) RecordHTTPRequest(endpoint, status string) {
	pm.httpRequests.WithLabelValues(endpoint, status).Inc()
}

// RecordError records an error by type
func (pm *PrometheusMetrics) RecordError(errorType string) {
	pm.errorsTotal.WithLabelValues(errorType).Inc()
}

// ServeHTTP serves Prometheus metrics via HTTP
func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}
