package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Engine is one launched headless browser process. It is the only
// cross-request shared resource; sessions (tabs) are transient children
// created per request via NewSession.
type Engine struct {
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	ctx             context.Context
	cancel          context.CancelFunc

	launchedAt     time.Time
	browserVersion string
	logger         *zap.Logger

	requestsServed atomic.Int64
	connected      atomic.Bool
}

// launch starts a new browser process with the fixed headless flag set.
// The flags disable sandboxing, GPU and background throttling, appropriate
// for a containerized server context.
func launch(ctx context.Context, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		launchedAt: time.Now().UTC(),
		logger:     logger,
	}

	opts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("hide-scrollbars", true),
	}

	allocatorOpts := append(chromedp.DefaultExecAllocatorOptions[:], opts...)
	e.allocatorCtx, e.allocatorCancel = chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	e.ctx, e.cancel = chromedp.NewContext(e.allocatorCtx)

	// Start the browser; bounded by the caller's launch timeout
	startCtx, startCancel := context.WithCancel(e.ctx)
	stop := context.AfterFunc(ctx, startCancel)
	err := chromedp.Run(startCtx)
	stop()
	startCancel()
	if err != nil {
		e.cancel()
		e.allocatorCancel()
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	// Capture the browser version; also serves as the first connectivity probe
	if err := chromedp.Run(e.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, product, _, _, _, err := browser.GetVersion().Do(ctx)
		if err != nil {
			return err
		}
		e.browserVersion = product
		return nil
	})); err != nil {
		e.logger.Warn("Failed to capture browser version", zap.Error(err))
	}

	e.connected.Store(true)

	e.logger.Info("Rendering engine launched",
		zap.String("browser_version", e.browserVersion),
		zap.Time("launched_at", e.launchedAt))

	return e, nil
}

// NewSession creates a fresh tab context for one render request.
// The caller owns the returned cancel and must invoke it unconditionally.
func (e *Engine) NewSession() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(e.ctx)
}

// Probe checks browser responsiveness with a live CDP round trip and
// records the result. Used by the health loop.
func (e *Engine) Probe(ctx context.Context, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(e.ctx, timeout)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(probeCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, _, _, err := browser.GetVersion().Do(ctx)
		return err
	}))

	e.connected.Store(err == nil)
	return err == nil
}

// IsConnected reports connectivity as derived from the last probe or
// operation failure. It never blocks.
func (e *Engine) IsConnected() bool {
	return e.connected.Load()
}

// MarkDisconnected records an operation failure that indicates a dead browser
func (e *Engine) MarkDisconnected() {
	e.connected.Store(false)
}

// RecordServed increments the served-request counter
func (e *Engine) RecordServed() {
	e.requestsServed.Add(1)
}

// RequestsServed returns the number of requests served since launch
func (e *Engine) RequestsServed() int64 {
	return e.requestsServed.Load()
}

// Age returns how long the engine has been running
func (e *Engine) Age() time.Duration {
	return time.Now().UTC().Sub(e.launchedAt)
}

// BrowserVersion returns the browser version string (e.g., "Chrome/127.0.6533.72")
func (e *Engine) BrowserVersion() string {
	return e.browserVersion
}

// Close terminates the browser process. Safe to call more than once.
func (e *Engine) Close() error {
	e.connected.Store(false)
	if e.cancel != nil {
		e.cancel()
	}
	if e.allocatorCancel != nil {
		e.allocatorCancel()
	}
	return nil
}
