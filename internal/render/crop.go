package render

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/rasterforge/engine/internal/common/config"
)

// CropEngine computes a tight capture rectangle around the visible content.
// Geometry collection runs in the page; bound refinement is pure Go so the
// clamping rules stay testable without a browser.
type CropEngine struct {
	cfg    config.CropConfig
	logger *zap.Logger
}

// NewCropEngine creates a crop engine with the given tunables
func NewCropEngine(cfg config.CropConfig, logger *zap.Logger) *CropEngine {
	return &CropEngine{cfg: cfg, logger: logger}
}

type rawBounds struct {
	Found  bool    `json:"found"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// boundsScript walks the visible element tree and unions the bounding boxes
// of leaf-ish content. Containers with many children are recursed into
// instead of being counted wholesale, so a full-viewport wrapper div does
// not defeat the crop. Element visits and the element cap keep pathological
// documents bounded.
const boundsScriptTemplate = `(() => {
	const maxElements = %d;
	const complexThreshold = %d;
	let visited = 0;
	let minX = Infinity, minY = Infinity, maxX = -Infinity, maxY = -Infinity;
	let found = false;

	const visible = (el) => {
		const cs = getComputedStyle(el);
		return cs.display !== 'none' && cs.visibility !== 'hidden' && parseFloat(cs.opacity) > 0;
	};

	const include = (r) => {
		if (r.width <= 0 || r.height <= 0) { return; }
		found = true;
		if (r.left < minX) { minX = r.left; }
		if (r.top < minY) { minY = r.top; }
		if (r.right > maxX) { maxX = r.right; }
		if (r.bottom > maxY) { maxY = r.bottom; }
	};

	const walk = (el) => {
		if (visited >= maxElements) { return; }
		visited++;
		if (!visible(el)) { return; }
		const kids = el.children;
		if (kids.length >= complexThreshold || el === document.body) {
			for (const k of kids) { walk(k); }
			return;
		}
		include(el.getBoundingClientRect());
		for (const k of kids) { walk(k); }
	};

	if (document.body) { walk(document.body); }
	if (!found) { return JSON.stringify({found: false, x: 0, y: 0, width: 0, height: 0}); }
	return JSON.stringify({found: true, x: minX, y: minY, width: maxX - minX, height: maxY - minY});
})()`

// Compute measures the page content and returns refined capture bounds.
// Any failure falls back to the full viewport: cropping is an optimization,
// never a reason to fail the render.
func (c *CropEngine) Compute(ctx context.Context, ev Evaluator, vp Viewport) (ContentBounds, bool) {
	script := fmt.Sprintf(boundsScriptTemplate, c.cfg.MaxElements, c.cfg.ComplexChildThreshold)

	var raw string
	if err := ev.Evaluate(ctx, script, &raw); err != nil {
		c.logger.Debug("content bounds measurement failed", zap.Error(err))
		return FullViewport(vp), false
	}
	var rb rawBounds
	if err := json.Unmarshal([]byte(raw), &rb); err != nil {
		c.logger.Debug("content bounds decode failed", zap.Error(err))
		return FullViewport(vp), false
	}

	return c.refineBounds(rb, vp)
}

// refineBounds applies padding, clamps to the viewport, and rejects
// degenerate rectangles. Returns the bounds and whether a crop applies;
// false means capture the full viewport.
func (c *CropEngine) refineBounds(rb rawBounds, vp Viewport) (ContentBounds, bool) {
	full := FullViewport(vp)
	if !rb.Found || rb.Width <= 0 || rb.Height <= 0 {
		return full, false
	}

	pad := float64(c.cfg.Padding)
	maxPad := float64(c.cfg.MaxPadding)
	if pad > maxPad {
		pad = maxPad
	}

	b := ContentBounds{
		X:      rb.X - pad,
		Y:      rb.Y - pad,
		Width:  rb.Width + 2*pad,
		Height: rb.Height + 2*pad,
	}

	// clamp to viewport
	if b.X < 0 {
		b.Width += b.X
		b.X = 0
	}
	if b.Y < 0 {
		b.Height += b.Y
		b.Y = 0
	}
	if b.X+b.Width > full.Width {
		b.Width = full.Width - b.X
	}
	if b.Y+b.Height > full.Height {
		b.Height = full.Height - b.Y
	}

	minSize := float64(c.cfg.MinContentSize)
	if b.Width < minSize || b.Height < minSize {
		return full, false
	}
	// content fills the viewport anyway, skip the clip
	if b.X == 0 && b.Y == 0 && b.Width >= full.Width && b.Height >= full.Height {
		return full, false
	}
	return b, true
}
