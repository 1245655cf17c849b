package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/rasterforge/engine/internal/common/config"
	logutil "github.com/rasterforge/engine/internal/common/logger"
	"github.com/rasterforge/engine/internal/common/metricsserver"
	"github.com/rasterforge/engine/internal/engine"
	"github.com/rasterforge/engine/internal/metrics"
	"github.com/rasterforge/engine/internal/render"
	"github.com/rasterforge/engine/internal/service"
)

func main() {
	configPath := flag.String("c", "configs/screenshot-service.yaml",
		"Path to configuration file")
	flag.Parse()

	// Initialize logger (will be reconfigured from config)
	initialLogger, err := logutil.NewDefaultLogger()
	if err != nil {
		panic(err)
	}

	initialLogger.Info("Loading configuration", zap.String("path", *configPath))

	cfg, err := config.Load(*configPath)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Reconfigure logger based on config settings (uses INFO level during
	// startup if configured level is higher)
	dynamicLogger, err := logutil.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	logger := dynamicLogger.Logger

	logger.Info("Screenshot Service starting",
		zap.String("id", cfg.Server.ID),
		zap.String("listen", cfg.Server.Listen),
		zap.String("concurrency", cfg.Render.Concurrency))

	// Initialize metrics collector before anything that records into it
	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace, logger)

	metricsServer, err := metricsserver.StartMetricsServer(
		cfg.Metrics.Enabled,
		cfg.Metrics.Listen,
		cfg.Metrics.Path,
		metricsCollector,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	// Launch the rendering engine eagerly so the first request does not pay
	// the browser startup cost
	manager := engine.NewManager(cfg.Engine, metricsCollector, logger)
	launchCtx, launchCancel := context.WithTimeout(context.Background(), cfg.Engine.LaunchTimeout.ToDuration())
	if _, err := manager.EnsureReady(launchCtx); err != nil {
		launchCancel()
		logger.Fatal("Failed to launch rendering engine", zap.Error(err))
	}
	launchCancel()
	manager.StartHealthLoop()

	pipeline := render.NewPipeline(&cfg.Render, manager, metricsCollector, logger)

	httpHandler := service.CreateHTTPHandler(pipeline, manager, &cfg.Render, metricsCollector, logger)

	// Server timeout covers the longest allowed render plus a safety margin
	serverTimeout := cfg.Render.ServerTimeout()

	server := &fasthttp.Server{
		Handler:            httpHandler,
		ReadTimeout:        serverTimeout,
		WriteTimeout:       serverTimeout,
		IdleTimeout:        serverTimeout,
		MaxRequestBodySize: 32 * 1024 * 1024,
		Name:               "ScreenshotService/" + cfg.Server.ID,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("listen", cfg.Server.Listen))
		if err := server.ListenAndServe(cfg.Server.Listen); err != nil {
			serverErrCh <- err
		}
	}()

	// Wait briefly for the listener, then check for a bind failure
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-serverErrCh:
		logger.Fatal("HTTP server failed to start", zap.Error(err))
	default:
	}

	logger.Info("Screenshot Service ready",
		zap.String("id", cfg.Server.ID),
		zap.String("listen", cfg.Server.Listen))

	// Switch to configured log level after startup is complete
	dynamicLogger.SwitchToConfiguredLevel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		logger.Error("Server error", zap.Error(err))
	}

	dynamicLogger.EnsureInfoLevelForShutdown()
	logger.Info("Shutting down gracefully...")

	// Stop accepting requests first; in-flight renders get the shutdown
	// timeout to drain
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout.ToDuration())
	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	shutdownCancel()

	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.ShutdownWithContext(metricsShutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		}
		metricsShutdownCancel()
	}

	manager.Shutdown()

	logger.Info("Screenshot Service stopped")
	_ = dynamicLogger.Sync()
}
