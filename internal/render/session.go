package render

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/rasterforge/engine/internal/engine"
)

// Session owns one browser tab for the duration of a render. It implements
// Evaluator so the readiness waiter and crop engine run against it directly.
type Session struct {
	ctx       context.Context
	cancel    context.CancelFunc
	requestID string
	logger    *zap.Logger

	exec   func(ctx context.Context, actions ...chromedp.Action) error
	listen func(ctx context.Context, fn func(ev interface{}))
}

// NewSession opens a fresh tab on the engine. The caller must Close the
// session on every path.
func NewSession(eng *engine.Engine, requestID string, logger *zap.Logger) (*Session, error) {
	tabCtx, cancel := eng.NewSession()

	s := &Session{
		ctx:       tabCtx,
		cancel:    cancel,
		requestID: requestID,
		logger:    logger,
		listen:    chromedp.ListenTarget,
	}
	s.exec = s.run

	// materialize the tab so later commands have a target
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}

	return s, nil
}

// Context exposes the tab context for interception hooks
func (s *Session) Context() context.Context {
	return s.ctx
}

// SetViewport sizes the emulated screen before content injection
func (s *Session) SetViewport(ctx context.Context, width, height int, scale float64) error {
	if scale <= 0 {
		scale = 1
	}
	err := s.exec(ctx,
		emulation.SetDeviceMetricsOverride(int64(width), int64(height), scale, false),
	)
	if err != nil {
		return fmt.Errorf("set viewport %dx%d: %w", width, height, err)
	}
	return nil
}

// SetContent injects the HTML document and waits for the requested
// lifecycle event. The wait budget is soft: exceeding it returns
// ErrWaitTimeout and the caller decides whether to capture anyway.
func (s *Session) SetContent(ctx context.Context, htmlDoc, waitEvent string, waitBudget time.Duration) error {
	if err := s.exec(ctx, page.Enable(), page.SetLifecycleEventsEnabled(true)); err != nil {
		return fmt.Errorf("enable page events: %w", err)
	}

	// Navigate before installing the listener: the blank page fires its own
	// lifecycle events, and a listener already in place would buffer one of
	// them as if it belonged to the injected document.
	if err := s.exec(ctx, chromedp.Navigate("about:blank")); err != nil {
		return fmt.Errorf("navigate blank: %w", err)
	}

	eventCh := make(chan struct{}, 1)
	listenCtx, stopListen := context.WithCancel(s.ctx)
	defer stopListen()
	s.listen(listenCtx, func(ev interface{}) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && string(e.Name) == waitEvent {
			select {
			case eventCh <- struct{}{}:
			default:
			}
		}
	})

	err := s.exec(ctx, chromedp.ActionFunc(func(actx context.Context) error {
		tree, err := page.GetFrameTree().Do(actx)
		if err != nil {
			return err
		}
		return page.SetDocumentContent(tree.Frame.ID, htmlDoc).Do(actx)
	}))
	if err != nil {
		return fmt.Errorf("inject content: %w", err)
	}

	timer := time.NewTimer(waitBudget)
	defer timer.Stop()
	select {
	case <-eventCh:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evaluate runs an expression and decodes its JSON result into out
func (s *Session) Evaluate(ctx context.Context, expression string, out interface{}) error {
	return s.exec(ctx, chromedp.Evaluate(expression, out))
}

// EvaluateAsync awaits the expression as a promise before decoding
func (s *Session) EvaluateAsync(ctx context.Context, expression string, out interface{}) error {
	return s.exec(ctx, chromedp.Evaluate(expression, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

// Capture takes the screenshot. Bounds narrower than the viewport become a
// capture clip; full-viewport bounds capture without one.
func (s *Session) Capture(ctx context.Context, format string, quality int, bounds ContentBounds, clip bool) ([]byte, error) {
	params := page.CaptureScreenshot().
		WithFormat(page.CaptureScreenshotFormat(format))
	if format != "png" {
		params = params.WithQuality(int64(quality))
	}
	if clip {
		params = params.WithClip(&page.Viewport{
			X:      math.Floor(bounds.X),
			Y:      math.Floor(bounds.Y),
			Width:  math.Ceil(bounds.Width),
			Height: math.Ceil(bounds.Height),
			Scale:  1,
		})
	}

	var data []byte
	err := s.exec(ctx, chromedp.ActionFunc(func(actx context.Context) error {
		var err error
		data, err = params.Do(actx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrCaptureFailed)
	}
	return data, nil
}

// Close tears the tab down. Best effort: a wedged tab is abandoned to the
// context cancel.
func (s *Session) Close() {
	closeCtx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	_ = chromedp.Run(closeCtx, page.Close())
	cancel()
	s.cancel()
}

// run executes actions on the tab, bounded by the request context. The tab
// context and request context are independent; whichever ends first stops
// the command.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()
	return chromedp.Run(s.ctx, actions...)
}
