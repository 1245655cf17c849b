package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Evaluator runs JavaScript in a page and decodes the result into out.
// EvaluateAsync awaits the expression as a promise. The production
// implementation is a Session; tests substitute fakes.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, out interface{}) error
	EvaluateAsync(ctx context.Context, expression string, out interface{}) error
}

// imageStateScript classifies every <img> plus every element with a CSS
// background-image. Background probing goes through Image objects cached on
// window so repeated polls reuse in-flight loads instead of restarting them.
const imageStateScript = `(() => {
	const s = {total: 0, loaded: 0, failed: 0, bgTotal: 0, bgSettled: 0};
	for (const img of document.images) {
		s.total++;
		if (img.complete) {
			if (img.naturalWidth > 0) { s.loaded++; } else { s.failed++; }
		}
	}
	if (!window.__bgProbe) { window.__bgProbe = new Map(); }
	const probe = window.__bgProbe;
	for (const el of document.querySelectorAll('*')) {
		const bg = getComputedStyle(el).backgroundImage;
		if (!bg || bg === 'none') { continue; }
		const m = bg.match(/url\(["']?([^"')]+)["']?\)/);
		if (!m) { continue; }
		s.bgTotal++;
		const url = m[1];
		let p = probe.get(url);
		if (!p) {
			p = {done: false};
			const probe_img = new Image();
			probe_img.onload = () => { p.done = true; };
			probe_img.onerror = () => { p.done = true; };
			probe_img.src = url;
			if (probe_img.complete) { p.done = true; }
			probe.set(url, p);
		}
		if (p.done) { s.bgSettled++; }
	}
	return JSON.stringify(s);
})()`

// fontsReadyScriptTemplate resolves true when fonts are ready, false when
// the deadline passes first. The timeout lives in the page so a slow font
// never cancels the tab itself.
const fontsReadyScriptTemplate = `Promise.race([
	document.fonts.ready.then(() => true),
	new Promise(resolve => setTimeout(() => resolve(false), %d)),
])`

type imageState struct {
	Total     int `json:"total"`
	Loaded    int `json:"loaded"`
	Failed    int `json:"failed"`
	BgTotal   int `json:"bgTotal"`
	BgSettled int `json:"bgSettled"`
}

func (s imageState) settled() bool {
	return s.Loaded+s.Failed >= s.Total && s.BgSettled >= s.BgTotal
}

// AwaitReady runs the content readiness protocol: fonts first, then image
// settlement polling, then a density-scaled settle delay. Every phase is
// budget-bounded and a blown budget degrades to capture-as-is rather than
// an error; only evaluator failures propagate.
func AwaitReady(ctx context.Context, ev Evaluator, policy WaitPolicy, logger *zap.Logger) (ReadinessOutcome, error) {
	var outcome ReadinessOutcome

	if policy.SkipReadiness {
		if policy.SettleDelay > 0 {
			sleepCtx(ctx, policy.SettleDelay)
		}
		return outcome, ctx.Err()
	}

	if policy.FontTimeout > 0 {
		if err := awaitFonts(ctx, ev, policy.FontTimeout); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return outcome, err
			}
			logger.Debug("font wait did not complete", zap.Error(err))
		}
	}

	if policy.ImageSettleTimeout > 0 {
		var last imageState
		err := pollUntil(ctx, policy.PollInterval, policy.ImageSettleTimeout, func(pc context.Context) (bool, error) {
			st, err := queryImageState(pc, ev)
			if err != nil {
				return false, err
			}
			last = st
			return st.settled(), nil
		})
		outcome.ImagesTotal = last.Total
		outcome.ImagesLoaded = last.Loaded
		outcome.ImagesFailed = last.Failed
		outcome.BackgroundImagesTotal = last.BgTotal
		if err != nil {
			if errors.Is(err, ErrWaitTimeout) {
				outcome.TimedOut = true
				logger.Debug("image settlement budget exhausted",
					zap.Int("loaded", last.Loaded),
					zap.Int("total", last.Total))
			} else {
				return outcome, err
			}
		}
	}

	delay := settleDelay(policy, outcome.ImagesTotal+outcome.BackgroundImagesTotal)
	if delay > 0 {
		sleepCtx(ctx, delay)
	}
	return outcome, ctx.Err()
}

// settleDelay scales the post-settlement pause with image density, capped
// by the mode's maximum
func settleDelay(policy WaitPolicy, imageCount int) time.Duration {
	d := policy.SettleDelay + time.Duration(imageCount)*policy.SettleDelayPerImage
	if policy.MaxSettleDelay > 0 && d > policy.MaxSettleDelay {
		d = policy.MaxSettleDelay
	}
	return d
}

func awaitFonts(ctx context.Context, ev Evaluator, timeout time.Duration) error {
	script := fmt.Sprintf(fontsReadyScriptTemplate, timeout.Milliseconds())

	var ready bool
	if err := ev.EvaluateAsync(ctx, script, &ready); err != nil {
		return err
	}
	if !ready {
		return ErrWaitTimeout
	}
	return nil
}

func queryImageState(ctx context.Context, ev Evaluator) (imageState, error) {
	var raw string
	if err := ev.Evaluate(ctx, imageStateScript, &raw); err != nil {
		return imageState{}, fmt.Errorf("image state query: %w", err)
	}
	var st imageState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return imageState{}, fmt.Errorf("image state decode: %w", err)
	}
	return st, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
