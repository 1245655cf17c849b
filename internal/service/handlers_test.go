package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/rasterforge/engine/internal/common/config"
	"github.com/rasterforge/engine/internal/engine"
	"github.com/rasterforge/engine/internal/metrics"
	"github.com/rasterforge/engine/internal/render"
)

type unavailableProvider struct{}

func (unavailableProvider) EnsureReady(ctx context.Context) (*engine.Engine, error) {
	return nil, engine.ErrEngineUnavailable
}

func newTestDeps(t *testing.T) (*render.Pipeline, *config.RenderConfig, *metrics.Collector) {
	t.Helper()
	cfg := config.Default()
	cfg.Render.Concurrency = "2"
	collector := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry(), zap.NewNop())
	pipeline := render.NewPipeline(&cfg.Render, unavailableProvider{}, collector, zap.NewNop())
	return pipeline, &cfg.Render, collector
}

func postScreenshot(pipeline *render.Pipeline, cfg *config.RenderConfig, collector *metrics.Collector, body string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("POST")
	ctx.Request.SetRequestURI("/screenshot")
	ctx.Request.SetBodyString(body)
	HandleScreenshot(ctx, pipeline, cfg, collector, zap.NewNop())
	return ctx
}

func decodeError(t *testing.T, ctx *fasthttp.RequestCtx) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	return resp
}

func TestHandleScreenshotMalformedBody(t *testing.T) {
	pipeline, cfg, collector := newTestDeps(t)

	ctx := postScreenshot(pipeline, cfg, collector, "{not json")

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Equal(t, "validation_error", decodeError(t, ctx).Error)
	assert.Equal(t, int64(0), pipeline.Admission().Active(), "invalid request must not claim a slot")
}

func TestHandleScreenshotValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing htmlContent", `{"width": 800}`},
		{"width too large", `{"htmlContent": "<p>x</p>", "width": 99999}`},
		{"negative height", `{"htmlContent": "<p>x</p>", "height": -5}`},
		{"bad format", `{"htmlContent": "<p>x</p>", "options": {"format": "gif"}}`},
		{"quality out of range", `{"htmlContent": "<p>x</p>", "options": {"quality": 150}}`},
		{"scale out of range", `{"htmlContent": "<p>x</p>", "options": {"scale": 10}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipeline, cfg, collector := newTestDeps(t)
			ctx := postScreenshot(pipeline, cfg, collector, tt.body)

			assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
			assert.Equal(t, "validation_error", decodeError(t, ctx).Error)
		})
	}
}

func TestHandleScreenshotEngineUnavailable(t *testing.T) {
	pipeline, cfg, collector := newTestDeps(t)

	ctx := postScreenshot(pipeline, cfg, collector, `{"htmlContent": "<p>hi</p>"}`)

	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
	assert.Equal(t, "engine_unavailable", decodeError(t, ctx).Error)
	assert.Equal(t, int64(0), pipeline.Admission().Active())
}

func TestHandleScreenshotAtCapacity(t *testing.T) {
	pipeline, cfg, collector := newTestDeps(t)

	require.NoError(t, pipeline.Admission().TryAcquire())
	require.NoError(t, pipeline.Admission().TryAcquire())

	ctx := postScreenshot(pipeline, cfg, collector, `{"htmlContent": "<p>hi</p>"}`)

	assert.Equal(t, fasthttp.StatusTooManyRequests, ctx.Response.StatusCode())
	resp := decodeError(t, ctx)
	assert.Equal(t, "admission_rejected", resp.Error)
	require.NotNil(t, resp.Current)
	require.NotNil(t, resp.Max)
	assert.Equal(t, int64(2), *resp.Current)
	assert.Equal(t, int64(2), *resp.Max)
}

func TestHandleRenderErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"render timeout", render.ErrRenderTimeout, fasthttp.StatusInternalServerError, "render_timeout"},
		{"capture failure", render.ErrCaptureFailed, fasthttp.StatusInternalServerError, "capture_failure"},
		{"engine unavailable", engine.ErrEngineUnavailable, fasthttp.StatusInternalServerError, "engine_unavailable"},
		{"unclassified", errors.New("boom"), fasthttp.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, collector := newTestDeps(t)

			ctx := &fasthttp.RequestCtx{}
			handleRenderError(ctx, tt.err, "req-1", 25*time.Millisecond, collector, zap.NewNop())

			assert.Equal(t, tt.wantStatus, ctx.Response.StatusCode())
			resp := decodeError(t, ctx)
			assert.Equal(t, tt.wantKind, resp.Error)
			assert.Equal(t, int64(25), resp.Duration)
		})
	}
}

func TestValidateRequestDefaults(t *testing.T) {
	cfg := config.Default()

	req, err := validateRequest(&ScreenshotRequest{HTMLContent: "<p>x</p>"}, &cfg.Render)
	require.NoError(t, err)

	assert.Equal(t, cfg.Render.DefaultWidth, req.Width)
	assert.Equal(t, cfg.Render.DefaultHeight, req.Height)
	assert.Equal(t, config.FormatPNG, req.Format)
	assert.Equal(t, 90, req.Quality)
	assert.Equal(t, 1.0, req.Scale)
	assert.True(t, req.SmartCrop)
	assert.Equal(t, cfg.Render.DefaultTimeout.ToDuration(), req.Timeout)
	assert.NotEmpty(t, req.RequestID)
}

func TestValidateRequestTimeoutCappedAtMax(t *testing.T) {
	cfg := config.Default()

	req, err := validateRequest(&ScreenshotRequest{
		HTMLContent: "<p>x</p>",
		Options:     ScreenshotOptions{Timeout: 600000},
	}, &cfg.Render)
	require.NoError(t, err)
	assert.Equal(t, cfg.Render.MaxTimeout.ToDuration(), req.Timeout)
}

func TestValidateRequestSmartCropOptOut(t *testing.T) {
	cfg := config.Default()
	off := false

	req, err := validateRequest(&ScreenshotRequest{
		HTMLContent: "<p>x</p>",
		Options:     ScreenshotOptions{SmartCrop: &off},
	}, &cfg.Render)
	require.NoError(t, err)
	assert.False(t, req.SmartCrop)
}

func TestHandleHealthNoEngine(t *testing.T) {
	pipeline, _, collector := newTestDeps(t)
	cfg := config.Default()
	manager := engine.NewManager(cfg.Engine, collector, zap.NewNop())
	defer manager.Shutdown()

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/health")
	HandleHealth(ctx, manager, pipeline, collector, zap.NewNop())

	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.False(t, resp.EngineUp)
	assert.Equal(t, int64(2), resp.MaxRenders)
}

func TestHandleStats(t *testing.T) {
	pipeline, _, collector := newTestDeps(t)
	pipeline.Stats().RecordSuccess(100)

	ctx := &fasthttp.RequestCtx{}
	HandleStats(ctx, pipeline, collector, zap.NewNop())

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var snap render.StatsSnapshot
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &snap))
	assert.Equal(t, int64(1), snap.TotalRendered)
}

func TestRouting(t *testing.T) {
	pipeline, renderCfg, collector := newTestDeps(t)
	cfg := config.Default()
	manager := engine.NewManager(cfg.Engine, collector, zap.NewNop())
	defer manager.Shutdown()

	handler := CreateHTTPHandler(pipeline, manager, renderCfg, collector, zap.NewNop())

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/nope")
	handler(ctx)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	// method mismatch on a known path also 404s
	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/screenshot")
	handler(ctx)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}
