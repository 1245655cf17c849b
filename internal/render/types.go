package render

import (
	"time"

	"github.com/rasterforge/engine/internal/common/config"
)

// Mode is the per-request performance tier derived from content analysis.
// Modes are mutually exclusive; the classifier is the single branching point
// for wait-policy selection.
type Mode int

const (
	// ModeUltrafast skips the readiness protocol entirely: no images, no
	// settle polling, minimal fixed delay before capture
	ModeUltrafast Mode = iota
	// ModeFast runs a shortened readiness wait for lightly illustrated content
	ModeFast
	// ModeStandard runs the full readiness protocol for image-heavy content
	ModeStandard
)

// String returns the string representation of Mode
func (m Mode) String() string {
	switch m {
	case ModeUltrafast:
		return "ultrafast"
	case ModeFast:
		return "fast"
	case ModeStandard:
		return "standard"
	default:
		return "unknown"
	}
}

// WaitPolicy is the resolved wait/timeout budget for one render, derived
// from the mode's configuration record.
type WaitPolicy struct {
	WaitEvent           string
	WaitBudget          time.Duration
	FontTimeout         time.Duration
	ImageSettleTimeout  time.Duration
	SettleDelay         time.Duration
	SettleDelayPerImage time.Duration
	MaxSettleDelay      time.Duration
	PollInterval        time.Duration
	SkipReadiness       bool
	SkipCrop            bool
}

// Request is a validated render request. Validation happens at the HTTP
// boundary; by the time a Request reaches the pipeline every field is
// within configured bounds.
type Request struct {
	RequestID   string
	HTMLContent string
	Width       int
	Height      int
	Format      string // png, jpeg, webp
	Quality     int    // 1-100, meaningful for jpeg/webp only
	Scale       float64
	SmartCrop   bool
	Timeout     time.Duration
	// EnableResourceBlocking applies the configured blocklist to this session
	EnableResourceBlocking bool
}

// Viewport is the requested capture surface
type Viewport struct {
	Width  int
	Height int
}

// ContentBounds is a capture rectangle within the viewport, clamped to
// [0, viewportWidth] x [0, viewportHeight]
type ContentBounds struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// FullViewport returns bounds covering the whole viewport
func FullViewport(vp Viewport) ContentBounds {
	return ContentBounds{X: 0, Y: 0, Width: float64(vp.Width), Height: float64(vp.Height)}
}

// ReadinessOutcome reports what the content readiness waiter observed
type ReadinessOutcome struct {
	ImagesTotal           int
	ImagesLoaded          int
	ImagesFailed          int
	BackgroundImagesTotal int
	TimedOut              bool
}

// CaptureResult is the encoded image plus processing metadata
type CaptureResult struct {
	Data     []byte
	Format   string
	Mode     Mode
	Bounds   ContentBounds
	Cropped  bool
	Duration time.Duration
}

// PolicyFor resolves the wait policy for a mode from configuration.
// Ultrafast skips readiness and crop entirely; fast skips crop unless
// the operator enabled it for that tier.
func PolicyFor(cfg *config.RenderConfig, mode Mode) WaitPolicy {
	var mc config.ModeConfig
	switch mode {
	case ModeUltrafast:
		mc = cfg.Modes.Ultrafast
	case ModeFast:
		mc = cfg.Modes.Fast
	default:
		mc = cfg.Modes.Standard
	}

	return WaitPolicy{
		WaitEvent:           mc.WaitEvent,
		WaitBudget:          mc.WaitBudget.ToDuration(),
		FontTimeout:         mc.FontTimeout.ToDuration(),
		ImageSettleTimeout:  mc.ImageSettleTimeout.ToDuration(),
		SettleDelay:         mc.SettleDelay.ToDuration(),
		SettleDelayPerImage: mc.SettleDelayPerImage.ToDuration(),
		MaxSettleDelay:      mc.MaxSettleDelay.ToDuration(),
		PollInterval:        cfg.PollInterval.ToDuration(),
		SkipReadiness:       mode == ModeUltrafast,
		SkipCrop:            mode == ModeUltrafast || (mode == ModeFast && !cfg.Crop.EnableInFastMode),
	}
}
