package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/rasterforge/engine/internal/common/config"
	"github.com/rasterforge/engine/internal/common/requestid"
	"github.com/rasterforge/engine/internal/engine"
	"github.com/rasterforge/engine/internal/metrics"
	"github.com/rasterforge/engine/internal/render"
)

// ScreenshotRequest is the POST /screenshot request body
type ScreenshotRequest struct {
	HTMLContent string            `json:"htmlContent"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	RequestID   string            `json:"requestId,omitempty"`
	Options     ScreenshotOptions `json:"options"`
}

// ScreenshotOptions are the optional per-request render parameters
type ScreenshotOptions struct {
	Format                 string  `json:"format"`
	Quality                int     `json:"quality"`
	Scale                  float64 `json:"scale"`
	Timeout                int64   `json:"timeout"` // milliseconds
	SmartCrop              *bool   `json:"smartCrop"`
	EnableResourceBlocking bool    `json:"enableResourceBlocking"`
}

// HealthResponse is the GET /health response body
type HealthResponse struct {
	Status         string `json:"status"`
	EngineUp       bool   `json:"engine_up"`
	BrowserVersion string `json:"browser_version,omitempty"`
	ActiveRenders  int64  `json:"active_renders"`
	MaxRenders     int64  `json:"max_renders"`
	TotalRestarts  int64  `json:"total_restarts"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// ErrorResponse is the JSON error envelope for non-2xx responses.
// Duration is milliseconds of wall-clock processing before the failure.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Duration  int64  `json:"duration"`
	RequestID string `json:"requestId,omitempty"`
	Current   *int64 `json:"current,omitempty"`
	Max       *int64 `json:"max,omitempty"`
}

const (
	errKindValidation = "validation_error"
	errKindAdmission  = "admission_rejected"
	errKindEngine     = "engine_unavailable"
	errKindTimeout    = "render_timeout"
	errKindCapture    = "capture_failure"
	errKindInternal   = "internal_error"
)

// writeJSONResponse marshals and writes a JSON body
func writeJSONResponse(ctx *fasthttp.RequestCtx, statusCode int, response interface{}, path string, collector *metrics.Collector, logger *zap.Logger) {
	body, err := json.Marshal(response)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":"internal_error","message":"failed to marshal response","duration":0}`)
		ctx.SetContentType("application/json")
		collector.RecordHTTPRequest(path, "500")
		logger.Error("Failed to marshal JSON response",
			zap.String("path", path),
			zap.Error(err))
		return
	}

	ctx.SetStatusCode(statusCode)
	ctx.SetBody(body)
	ctx.SetContentType("application/json")
	collector.RecordHTTPRequest(path, strconv.Itoa(statusCode))
}

// writeErrorResponse writes a JSON error envelope and records the matching
// error metric
func writeErrorResponse(ctx *fasthttp.RequestCtx, statusCode int, errorKind, message, requestID, path string, elapsed time.Duration, collector *metrics.Collector, logger *zap.Logger) {
	resp := ErrorResponse{
		Error:     errorKind,
		Message:   message,
		Duration:  elapsed.Milliseconds(),
		RequestID: requestID,
	}
	writeJSONResponse(ctx, statusCode, resp, path, collector, logger)

	switch errorKind {
	case errKindValidation:
		collector.RecordValidationError()
	case errKindEngine:
		collector.RecordEngineError()
	case errKindCapture:
		collector.RecordCaptureError()
	case errKindTimeout:
		collector.RecordRenderError()
	case errKindInternal:
		collector.RecordInternalError()
	}
}

// validateRequest normalizes the request body into a render.Request,
// applying defaults and bounds from configuration
func validateRequest(req *ScreenshotRequest, cfg *config.RenderConfig) (render.Request, error) {
	if req.HTMLContent == "" {
		return render.Request{}, fmt.Errorf("htmlContent field is required")
	}

	width := req.Width
	if width == 0 {
		width = cfg.DefaultWidth
	}
	height := req.Height
	if height == 0 {
		height = cfg.DefaultHeight
	}
	if width < 1 || width > cfg.MaxWidth {
		return render.Request{}, fmt.Errorf("width must be between 1 and %d, got %d", cfg.MaxWidth, width)
	}
	if height < 1 || height > cfg.MaxHeight {
		return render.Request{}, fmt.Errorf("height must be between 1 and %d, got %d", cfg.MaxHeight, height)
	}

	opts := req.Options

	format := opts.Format
	if format == "" {
		format = config.FormatPNG
	}
	switch format {
	case config.FormatPNG, config.FormatJPEG, config.FormatWebP:
	default:
		return render.Request{}, fmt.Errorf("unsupported format %q (png, jpeg, webp)", opts.Format)
	}

	quality := opts.Quality
	if quality == 0 {
		quality = 90
	}
	if quality < 1 || quality > 100 {
		return render.Request{}, fmt.Errorf("quality must be between 1 and 100, got %d", opts.Quality)
	}

	scale := opts.Scale
	if scale == 0 {
		scale = 1
	}
	if scale < 0.1 || scale > 4 {
		return render.Request{}, fmt.Errorf("scale must be between 0.1 and 4, got %v", opts.Scale)
	}

	timeout := cfg.DefaultTimeout.ToDuration()
	if opts.Timeout > 0 {
		timeout = time.Duration(opts.Timeout) * time.Millisecond
	}
	if maxTimeout := cfg.MaxTimeout.ToDuration(); timeout > maxTimeout {
		timeout = maxTimeout
	}

	smartCrop := true
	if opts.SmartCrop != nil {
		smartCrop = *opts.SmartCrop
	}

	return render.Request{
		RequestID:              requestid.Generate(req.RequestID),
		HTMLContent:            req.HTMLContent,
		Width:                  width,
		Height:                 height,
		Format:                 format,
		Quality:                quality,
		Scale:                  scale,
		SmartCrop:              smartCrop,
		Timeout:                timeout,
		EnableResourceBlocking: opts.EnableResourceBlocking,
	}, nil
}

// HandleScreenshot processes POST /screenshot requests
func HandleScreenshot(ctx *fasthttp.RequestCtx, pipeline *render.Pipeline, cfg *config.RenderConfig, collector *metrics.Collector, logger *zap.Logger) {
	startTime := time.Now()

	var body ScreenshotRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		writeErrorResponse(ctx, fasthttp.StatusBadRequest, errKindValidation, "invalid JSON body", "", "/screenshot", time.Since(startTime), collector, logger)
		logger.Warn("Invalid request body", zap.Error(err))
		return
	}

	req, err := validateRequest(&body, cfg)
	if err != nil {
		writeErrorResponse(ctx, fasthttp.StatusBadRequest, errKindValidation, err.Error(), body.RequestID, "/screenshot", time.Since(startTime), collector, logger)
		return
	}

	logger.Info("Starting screenshot request",
		zap.String("request_id", req.RequestID),
		zap.Int("width", req.Width),
		zap.Int("height", req.Height),
		zap.String("format", req.Format),
		zap.Int("html_bytes", len(req.HTMLContent)))

	// Detach from the connection context: an abandoned client does not get
	// to waste a half-finished render slot by preempting the capture.
	result, err := pipeline.Render(context.Background(), req)

	if err != nil {
		handleRenderError(ctx, err, req.RequestID, time.Since(startTime), collector, logger)
		return
	}

	elapsed := time.Since(startTime)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("image/" + result.Format)
	ctx.SetBody(result.Data)
	ctx.Response.Header.Set("X-Request-ID", req.RequestID)
	ctx.Response.Header.Set("X-Render-Mode", result.Mode.String())
	ctx.Response.Header.Set("X-Processing-Time", strconv.FormatInt(elapsed.Milliseconds(), 10))
	ctx.Response.Header.Set("X-Total-Processed", strconv.FormatInt(pipeline.Stats().TotalRendered(), 10))
	collector.RecordHTTPRequest("/screenshot", "200")

	logger.Info("Screenshot successful",
		zap.String("request_id", req.RequestID),
		zap.String("mode", result.Mode.String()),
		zap.Bool("cropped", result.Cropped),
		zap.Int("image_bytes", len(result.Data)),
		zap.Duration("duration", elapsed))
}

func handleRenderError(ctx *fasthttp.RequestCtx, err error, requestID string, elapsed time.Duration, collector *metrics.Collector, logger *zap.Logger) {
	var rejected *render.AdmissionRejectedError
	switch {
	case errors.As(err, &rejected):
		resp := ErrorResponse{
			Error:     errKindAdmission,
			Message:   "service at capacity, retry later",
			Duration:  elapsed.Milliseconds(),
			RequestID: requestID,
			Current:   &rejected.Active,
			Max:       &rejected.Limit,
		}
		writeJSONResponse(ctx, fasthttp.StatusTooManyRequests, resp, "/screenshot", collector, logger)
		logger.Warn("Screenshot rejected at capacity",
			zap.String("request_id", requestID),
			zap.Int64("active", rejected.Active),
			zap.Int64("limit", rejected.Limit))

	case errors.Is(err, engine.ErrEngineUnavailable):
		writeErrorResponse(ctx, fasthttp.StatusInternalServerError, errKindEngine, err.Error(), requestID, "/screenshot", elapsed, collector, logger)
		logger.Error("Engine unavailable",
			zap.String("request_id", requestID),
			zap.Error(err))

	case errors.Is(err, render.ErrRenderTimeout):
		writeErrorResponse(ctx, fasthttp.StatusInternalServerError, errKindTimeout, err.Error(), requestID, "/screenshot", elapsed, collector, logger)
		logger.Error("Screenshot timed out",
			zap.String("request_id", requestID),
			zap.Error(err))

	case errors.Is(err, render.ErrCaptureFailed):
		writeErrorResponse(ctx, fasthttp.StatusInternalServerError, errKindCapture, err.Error(), requestID, "/screenshot", elapsed, collector, logger)
		logger.Error("Capture failed",
			zap.String("request_id", requestID),
			zap.Error(err))

	default:
		writeErrorResponse(ctx, fasthttp.StatusInternalServerError, errKindInternal, err.Error(), requestID, "/screenshot", elapsed, collector, logger)
		logger.Error("Screenshot failed",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// HandleHealth returns engine connectivity and admission load. Returns 503
// when the engine is down so load balancers stop routing here.
func HandleHealth(ctx *fasthttp.RequestCtx, manager *engine.Manager, pipeline *render.Pipeline, collector *metrics.Collector, logger *zap.Logger) {
	status := manager.Status()

	resp := HealthResponse{
		Status:         "ok",
		EngineUp:       status.Connected,
		BrowserVersion: status.BrowserVersion,
		ActiveRenders:  pipeline.Admission().Active(),
		MaxRenders:     pipeline.Admission().Limit(),
		TotalRestarts:  status.TotalRestarts,
		UptimeSeconds:  status.UptimeSeconds,
	}

	code := fasthttp.StatusOK
	if !status.Connected {
		resp.Status = "degraded"
		code = fasthttp.StatusServiceUnavailable
	}
	writeJSONResponse(ctx, code, resp, "/health", collector, logger)
}

// HandleStats returns lifetime render counters
func HandleStats(ctx *fasthttp.RequestCtx, pipeline *render.Pipeline, collector *metrics.Collector, logger *zap.Logger) {
	writeJSONResponse(ctx, fasthttp.StatusOK, pipeline.Stats().Snapshot(), "/stats", collector, logger)
}
