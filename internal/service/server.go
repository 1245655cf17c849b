package service

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/rasterforge/engine/internal/common/config"
	"github.com/rasterforge/engine/internal/engine"
	"github.com/rasterforge/engine/internal/metrics"
	"github.com/rasterforge/engine/internal/render"
)

// CreateHTTPHandler creates the main HTTP request handler with routing
func CreateHTTPHandler(pipeline *render.Pipeline, manager *engine.Manager, cfg *config.RenderConfig, collector *metrics.Collector, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		method := string(ctx.Method())

		switch {
		case method == "POST" && path == "/screenshot":
			HandleScreenshot(ctx, pipeline, cfg, collector, logger)
		case method == "GET" && path == "/health":
			HandleHealth(ctx, manager, pipeline, collector, logger)
		case method == "GET" && path == "/stats":
			HandleStats(ctx, pipeline, collector, logger)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetBodyString("Not Found")
			collector.RecordHTTPRequest(path, "404")
		}
	}
}
