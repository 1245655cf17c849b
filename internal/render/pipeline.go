package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rasterforge/engine/internal/common/config"
	"github.com/rasterforge/engine/internal/engine"
	"github.com/rasterforge/engine/internal/metrics"
)

// EngineProvider supplies a ready rendering engine. The production
// implementation is engine.Manager.
type EngineProvider interface {
	EnsureReady(ctx context.Context) (*engine.Engine, error)
}

// renderSession is the tab surface the pipeline drives; *Session is the
// production implementation
type renderSession interface {
	Evaluator
	Context() context.Context
	SetViewport(ctx context.Context, width, height int, scale float64) error
	SetContent(ctx context.Context, htmlDoc, waitEvent string, waitBudget time.Duration) error
	Capture(ctx context.Context, format string, quality int, bounds ContentBounds, clip bool) ([]byte, error)
	Close()
}

// Pipeline orchestrates the full render flow: admission, mode selection,
// content injection, readiness, crop, capture. One Pipeline serves all
// requests concurrently up to the admission limit.
type Pipeline struct {
	cfg       *config.RenderConfig
	provider  EngineProvider
	admission *Admission
	crop      *CropEngine
	blocklist *engine.Blocklist
	stats     *Stats
	metrics   *metrics.Collector
	logger    *zap.Logger

	openSession func(eng *engine.Engine, requestID string, logger *zap.Logger) (renderSession, error)
}

// NewPipeline wires the render pipeline from configuration
func NewPipeline(cfg *config.RenderConfig, provider EngineProvider, collector *metrics.Collector, logger *zap.Logger) *Pipeline {
	concurrency := int64(cfg.ResolveConcurrency())
	logger.Info("render pipeline configured", zap.Int64("concurrency", concurrency))
	p := &Pipeline{
		cfg:       cfg,
		provider:  provider,
		admission: NewAdmission(concurrency, collector),
		crop:      NewCropEngine(cfg.Crop, logger),
		blocklist: engine.NewBlocklist(cfg.BlockedPatterns, cfg.BlockedResourceTypes),
		stats:     NewStats(),
		metrics:   collector,
		logger:    logger,
	}
	p.openSession = func(eng *engine.Engine, requestID string, logger *zap.Logger) (renderSession, error) {
		return NewSession(eng, requestID, logger)
	}
	return p
}

// Admission exposes the admission controller for status reporting
func (p *Pipeline) Admission() *Admission {
	return p.admission
}

// Stats exposes the lifetime counters
func (p *Pipeline) Stats() *Stats {
	return p.stats
}

// Render executes one screenshot request end to end. Admission rejection
// returns an *AdmissionRejectedError immediately; all other failures
// release the slot and close the tab before returning.
func (p *Pipeline) Render(ctx context.Context, req Request) (*CaptureResult, error) {
	if err := p.admission.TryAcquire(); err != nil {
		p.stats.RecordRejection()
		p.metrics.RecordScreenshot(metrics.StatusRejected)
		return nil, err
	}
	defer p.admission.Release()

	started := time.Now()
	result, err := p.render(ctx, req, started)
	elapsed := time.Since(started)

	switch {
	case err == nil:
		p.stats.RecordSuccess(elapsed)
		p.metrics.RecordScreenshot(metrics.StatusSuccess)
		p.metrics.RecordScreenshotDuration(elapsed.Seconds())
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRenderTimeout):
		p.stats.RecordTimeout()
		p.metrics.RecordScreenshot(metrics.StatusTimeout)
		err = fmt.Errorf("%w after %s", ErrRenderTimeout, elapsed.Round(time.Millisecond))
	default:
		p.stats.RecordFailure()
		p.metrics.RecordScreenshot(metrics.StatusError)
	}
	return result, err
}

func (p *Pipeline) render(ctx context.Context, req Request, started time.Time) (*CaptureResult, error) {
	eng, err := p.provider.EnsureReady(ctx)
	if err != nil {
		p.metrics.RecordEngineError()
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	mode := ClassifyMode(req.HTMLContent)
	policy := PolicyFor(p.cfg, mode)
	doc, fragment := PrepareHTML(req.HTMLContent)

	log := p.logger.With(
		zap.String("request_id", req.RequestID),
		zap.String("mode", mode.String()),
	)
	log.Debug("render admitted",
		zap.Int("width", req.Width),
		zap.Int("height", req.Height),
		zap.String("format", req.Format),
		zap.Bool("fragment", fragment))

	session, err := p.openSession(eng, req.RequestID, log)
	if err != nil {
		p.handleEngineFailure(eng, log)
		p.metrics.RecordRenderError()
		return nil, fmt.Errorf("%w: %v", engine.ErrEngineUnavailable, err)
	}
	defer session.Close()

	// Every opened tab advances the restart threshold, failed renders
	// included: the browser paid for the tab either way.
	eng.RecordServed()

	if req.EnableResourceBlocking && !p.blocklist.Empty() {
		if err := p.blocklist.Intercept(session.Context(), req.RequestID, log); err != nil {
			log.Warn("resource interception unavailable", zap.Error(err))
		}
	}

	if err := session.SetViewport(rctx, req.Width, req.Height, req.Scale); err != nil {
		p.metrics.RecordRenderError()
		return nil, stageError(rctx, err)
	}

	if err := session.SetContent(rctx, doc, policy.WaitEvent, policy.WaitBudget); err != nil {
		if !errors.Is(err, ErrWaitTimeout) {
			p.metrics.RecordRenderError()
			return nil, stageError(rctx, err)
		}
		log.Debug("lifecycle wait budget exhausted, capturing as-is",
			zap.String("wait_event", policy.WaitEvent))
	}

	outcome, err := AwaitReady(rctx, session, policy, log)
	if err != nil {
		p.metrics.RecordRenderError()
		return nil, stageError(rctx, fmt.Errorf("content readiness: %w", err))
	}
	if outcome.TimedOut {
		log.Debug("image settlement incomplete",
			zap.Int("loaded", outcome.ImagesLoaded),
			zap.Int("total", outcome.ImagesTotal))
	}

	vp := Viewport{Width: req.Width, Height: req.Height}
	bounds := FullViewport(vp)
	cropped := false
	if req.SmartCrop && !policy.SkipCrop {
		bounds, cropped = p.crop.Compute(rctx, session, vp)
	}

	data, err := session.Capture(rctx, req.Format, req.Quality, bounds, cropped)
	if err != nil {
		if rctx.Err() == context.DeadlineExceeded {
			p.metrics.RecordRenderError()
			return nil, ErrRenderTimeout
		}
		p.handleEngineFailure(eng, log)
		p.metrics.RecordCaptureError()
		return nil, err
	}

	return &CaptureResult{
		Data:     data,
		Format:   req.Format,
		Mode:     mode,
		Bounds:   bounds,
		Cropped:  cropped,
		Duration: time.Since(started),
	}, nil
}

// stageError distinguishes a blown request deadline from a genuine stage
// failure. The deadline is the source of the cancellation, so it wins.
func stageError(rctx context.Context, err error) error {
	if rctx.Err() == context.DeadlineExceeded {
		return ErrRenderTimeout
	}
	return err
}

// handleEngineFailure probes the engine after a command failure; an
// unresponsive engine is marked disconnected so the next request or health
// tick triggers a restart
func (p *Pipeline) handleEngineFailure(eng *engine.Engine, log *zap.Logger) {
	probeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !eng.Probe(probeCtx, 3*time.Second) {
		log.Warn("engine unresponsive after command failure, flagging for restart")
		eng.MarkDisconnected()
	}
}
