package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Screenshot outcome labels
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusTimeout  = "timeout"
	StatusRejected = "rejected"
)

// Collector centralizes all metrics recording for the screenshot service
type Collector struct {
	prometheus *PrometheusMetrics
	logger     *zap.Logger
}

// NewCollector creates a new Collector instance
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return &Collector{
		prometheus: NewPrometheusMetrics(namespace, logger),
		logger:     logger,
	}
}

// NewCollectorWithRegistry creates a Collector backed by a custom registry.
// Tests use this to avoid duplicate registration on the default registry.
func NewCollectorWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	return &Collector{
		prometheus: NewPrometheusMetricsWithRegistry(namespace, registerer, logger),
		logger:     logger,
	}
}

// SetEngineUp records engine availability
func (c *Collector) SetEngineUp(up bool) {
	if up {
		c.prometheus.SetEngineUp(1)
	} else {
		c.prometheus.SetEngineUp(0)
	}
}

// RecordEngineRestart records an engine restart by reason
func (c *Collector) RecordEngineRestart(reason string) {
	c.prometheus.RecordEngineRestart(reason)
}

// RecordScreenshot records a screenshot outcome (success, error, timeout, rejected)
func (c *Collector) RecordScreenshot(status string) {
	c.prometheus.RecordScreenshot(status)
}

// RecordScreenshotDuration records processing duration in seconds
func (c *Collector) RecordScreenshotDuration(seconds float64) {
	c.prometheus.RecordScreenshotDuration(seconds)
}

// SetAdmissionActive updates the active sessions gauge
func (c *Collector) SetAdmissionActive(active int) {
	c.prometheus.SetAdmissionActive(float64(active))
}

// RecordAdmissionRejection records a concurrency-limit rejection
func (c *Collector) RecordAdmissionRejection() {
	c.prometheus.RecordAdmissionRejection()
	c.logger.Debug("Recorded admission rejection")
}

// RecordHTTPRequest records an HTTP request
func (c *Collector) RecordHTTPRequest(endpoint, status string) {
	c.prometheus.RecordHTTPRequest(endpoint, status)
}

// RecordValidationError records a validation error
func (c *Collector) RecordValidationError() {
	c.prometheus.RecordError("validation")
}

// RecordRenderError records a render error
func (c *Collector) RecordRenderError() {
	c.prometheus.RecordError("render")
}

// RecordCaptureError records a capture error
func (c *Collector) RecordCaptureError() {
	c.prometheus.RecordError("capture")
}

// RecordEngineError records an engine launch/availability error
func (c *Collector) RecordEngineError() {
	c.prometheus.RecordError("engine")
}

// RecordInternalError records an internal error
func (c *Collector) RecordInternalError() {
	c.prometheus.RecordError("internal")
}

// ServeHTTP serves Prometheus metrics via HTTP
func (c *Collector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	c.prometheus.ServeHTTP(ctx)
}
