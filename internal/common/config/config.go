package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/rasterforge/engine/internal/common/configtypes"
	"github.com/rasterforge/engine/internal/common/yamlutil"
)

// Supported output image formats
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
)

// Wait event names for content injection
const (
	WaitEventDOMContentLoaded = "DOMContentLoaded"
	WaitEventLoad             = "load"
)

// Config is the immutable process configuration for the screenshot service.
// Loaded once at startup; a restart is required to change any value.
type Config struct {
	Server  ServerConfig              `yaml:"server"`
	Engine  EngineConfig              `yaml:"engine"`
	Render  RenderConfig              `yaml:"render"`
	Log     configtypes.LogConfig     `yaml:"log"`
	Metrics configtypes.MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	ID     string `yaml:"id"`
	Listen string `yaml:"listen"`
}

// EngineConfig holds rendering engine lifecycle settings
type EngineConfig struct {
	LaunchTimeout    configtypes.Duration `yaml:"launch_timeout"`
	ProbeTimeout     configtypes.Duration `yaml:"probe_timeout"`
	HealthInterval   configtypes.Duration `yaml:"health_interval"`
	RestartThreshold int64                `yaml:"restart_threshold"`
	ShutdownTimeout  configtypes.Duration `yaml:"shutdown_timeout"`
}

// RenderConfig holds the render pipeline tunables
type RenderConfig struct {
	// Concurrency is the admission limit: "auto" or a positive integer string
	Concurrency string `yaml:"concurrency"`

	MaxWidth      int `yaml:"max_width"`
	MaxHeight     int `yaml:"max_height"`
	DefaultWidth  int `yaml:"default_width"`
	DefaultHeight int `yaml:"default_height"`

	DefaultTimeout configtypes.Duration `yaml:"default_timeout"`
	MaxTimeout     configtypes.Duration `yaml:"max_timeout"`

	PollInterval configtypes.Duration `yaml:"poll_interval"`

	Modes ModesConfig `yaml:"modes"`
	Crop  CropConfig  `yaml:"crop"`

	// Resource blocking applied when a request opts in via enableResourceBlocking
	BlockedPatterns      []string `yaml:"blocked_patterns,omitempty"`
	BlockedResourceTypes []string `yaml:"blocked_resource_types,omitempty"`
}

// ModesConfig holds the per-mode wait budgets
type ModesConfig struct {
	Ultrafast ModeConfig `yaml:"ultrafast"`
	Fast      ModeConfig `yaml:"fast"`
	Standard  ModeConfig `yaml:"standard"`
}

// ModeConfig is the wait-policy record for one performance tier
type ModeConfig struct {
	WaitEvent           string               `yaml:"wait_event"`
	WaitBudget          configtypes.Duration `yaml:"wait_budget"`
	FontTimeout         configtypes.Duration `yaml:"font_timeout"`
	ImageSettleTimeout  configtypes.Duration `yaml:"image_settle_timeout"`
	SettleDelay         configtypes.Duration `yaml:"settle_delay"`
	SettleDelayPerImage configtypes.Duration `yaml:"settle_delay_per_image"`
	MaxSettleDelay      configtypes.Duration `yaml:"max_settle_delay"`
}

// CropConfig holds the smart-crop parameters
type CropConfig struct {
	Padding               int  `yaml:"padding"`
	MaxPadding            int  `yaml:"max_padding"`
	MaxElements           int  `yaml:"max_elements"`
	ComplexChildThreshold int  `yaml:"complex_child_threshold"`
	MinContentSize        int  `yaml:"min_content_size"`
	EnableInFastMode      bool `yaml:"enable_in_fast_mode"`
}

const (
	defaultRestartThreshold = 300
	defaultHealthInterval   = 30 * time.Second
	defaultLaunchTimeout    = 30 * time.Second
	defaultProbeTimeout     = 5 * time.Second
	defaultShutdownTimeout  = 30 * time.Second

	defaultMaxWidth      = 4096
	defaultMaxHeight     = 4096
	defaultWidth         = 1280
	defaultHeight        = 800
	defaultRenderTimeout = 15 * time.Second
	defaultMaxTimeout    = 60 * time.Second
	defaultPollInterval  = 250 * time.Millisecond

	// SafetyMargin is the buffer added to max_timeout for server timeout calculation.
	// This ensures FastHTTP doesn't kill connections before a render completes.
	SafetyMargin = 10 * time.Second
)

// Load reads, defaults and validates a configuration file
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yamlutil.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a fully defaulted configuration, used by tests
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			ID:     "ss-1",
			Listen: ":8090",
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	// If both log outputs are disabled (zero values), enable console by default
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = configtypes.LogFormatConsole
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = configtypes.LogFormatText
	}

	if cfg.Engine.RestartThreshold == 0 {
		cfg.Engine.RestartThreshold = defaultRestartThreshold
	}
	if cfg.Engine.HealthInterval == 0 {
		cfg.Engine.HealthInterval = configtypes.Duration(defaultHealthInterval)
	}
	if cfg.Engine.LaunchTimeout == 0 {
		cfg.Engine.LaunchTimeout = configtypes.Duration(defaultLaunchTimeout)
	}
	if cfg.Engine.ProbeTimeout == 0 {
		cfg.Engine.ProbeTimeout = configtypes.Duration(defaultProbeTimeout)
	}
	if cfg.Engine.ShutdownTimeout == 0 {
		cfg.Engine.ShutdownTimeout = configtypes.Duration(defaultShutdownTimeout)
	}

	r := &cfg.Render
	if r.Concurrency == "" {
		r.Concurrency = "auto"
	}
	if r.MaxWidth == 0 {
		r.MaxWidth = defaultMaxWidth
	}
	if r.MaxHeight == 0 {
		r.MaxHeight = defaultMaxHeight
	}
	if r.DefaultWidth == 0 {
		r.DefaultWidth = defaultWidth
	}
	if r.DefaultHeight == 0 {
		r.DefaultHeight = defaultHeight
	}
	if r.DefaultTimeout == 0 {
		r.DefaultTimeout = configtypes.Duration(defaultRenderTimeout)
	}
	if r.MaxTimeout == 0 {
		r.MaxTimeout = configtypes.Duration(defaultMaxTimeout)
	}
	if r.PollInterval == 0 {
		r.PollInterval = configtypes.Duration(defaultPollInterval)
	}

	applyModeDefaults(&r.Modes.Ultrafast, WaitEventDOMContentLoaded,
		3*time.Second, 0, 0, 50*time.Millisecond, 0, 50*time.Millisecond)
	applyModeDefaults(&r.Modes.Fast, WaitEventDOMContentLoaded,
		5*time.Second, 2*time.Second, 3*time.Second, 100*time.Millisecond, 50*time.Millisecond, 500*time.Millisecond)
	applyModeDefaults(&r.Modes.Standard, WaitEventLoad,
		8*time.Second, 3*time.Second, 8*time.Second, 200*time.Millisecond, 100*time.Millisecond, 1*time.Second)

	c := &r.Crop
	if c.Padding == 0 {
		c.Padding = 16
	}
	if c.MaxPadding == 0 {
		c.MaxPadding = 64
	}
	if c.MaxElements == 0 {
		c.MaxElements = 500
	}
	if c.ComplexChildThreshold == 0 {
		c.ComplexChildThreshold = 50
	}
	if c.MinContentSize == 0 {
		c.MinContentSize = 16
	}
}

func applyModeDefaults(m *ModeConfig, waitEvent string,
	waitBudget, fontTimeout, imageSettle, settleDelay, settlePerImage, maxSettle time.Duration,
) {
	if m.WaitEvent == "" {
		m.WaitEvent = waitEvent
	}
	if m.WaitBudget == 0 {
		m.WaitBudget = configtypes.Duration(waitBudget)
	}
	if m.FontTimeout == 0 {
		m.FontTimeout = configtypes.Duration(fontTimeout)
	}
	if m.ImageSettleTimeout == 0 {
		m.ImageSettleTimeout = configtypes.Duration(imageSettle)
	}
	if m.SettleDelay == 0 {
		m.SettleDelay = configtypes.Duration(settleDelay)
	}
	if m.SettleDelayPerImage == 0 {
		m.SettleDelayPerImage = configtypes.Duration(settlePerImage)
	}
	if m.MaxSettleDelay == 0 {
		m.MaxSettleDelay = configtypes.Duration(maxSettle)
	}
}

// Validate checks configuration validity
func (cfg *Config) Validate() error {
	if cfg.Server.ID == "" {
		return fmt.Errorf("server.id is required")
	}
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	} else if err := configtypes.ValidateListenAddress(cfg.Server.Listen); err != nil {
		return fmt.Errorf("invalid server.listen: %w", err)
	}

	if cfg.Engine.RestartThreshold <= 0 {
		return fmt.Errorf("engine.restart_threshold must be positive")
	}
	if cfg.Engine.HealthInterval <= 0 {
		return fmt.Errorf("engine.health_interval must be positive")
	}
	if cfg.Engine.LaunchTimeout <= 0 {
		return fmt.Errorf("engine.launch_timeout must be positive")
	}

	r := &cfg.Render
	if r.Concurrency != "auto" {
		n, err := strconv.Atoi(r.Concurrency)
		if err != nil || n <= 0 {
			return fmt.Errorf("render.concurrency must be 'auto' or positive integer")
		}
	}
	if r.MaxWidth <= 0 || r.MaxHeight <= 0 {
		return fmt.Errorf("render.max_width and render.max_height must be positive")
	}
	if r.DefaultWidth > r.MaxWidth || r.DefaultHeight > r.MaxHeight {
		return fmt.Errorf("render default dimensions exceed configured maxima")
	}
	if r.MaxTimeout <= 0 {
		return fmt.Errorf("render.max_timeout must be positive")
	}
	if r.DefaultTimeout > r.MaxTimeout {
		return fmt.Errorf("render.default_timeout exceeds render.max_timeout")
	}

	for _, m := range []struct {
		name string
		mode *ModeConfig
	}{
		{"ultrafast", &r.Modes.Ultrafast},
		{"fast", &r.Modes.Fast},
		{"standard", &r.Modes.Standard},
	} {
		if m.mode.WaitEvent != WaitEventDOMContentLoaded && m.mode.WaitEvent != WaitEventLoad {
			return fmt.Errorf("render.modes.%s.wait_event must be %q or %q",
				m.name, WaitEventDOMContentLoaded, WaitEventLoad)
		}
		if m.mode.WaitBudget <= 0 {
			return fmt.Errorf("render.modes.%s.wait_budget must be positive", m.name)
		}
	}

	c := &r.Crop
	if c.Padding < 0 || c.MaxPadding < c.Padding {
		return fmt.Errorf("render.crop padding values are inconsistent")
	}
	if c.MaxElements <= 0 {
		return fmt.Errorf("render.crop.max_elements must be positive")
	}
	if c.MinContentSize <= 0 {
		return fmt.Errorf("render.crop.min_content_size must be positive")
	}

	if cfg.Metrics.Enabled {
		if err := configtypes.ValidateListenAddress(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
		if cfg.Metrics.Listen == cfg.Server.Listen {
			return fmt.Errorf("metrics.listen must differ from server.listen")
		}
	}

	return nil
}

// ServerTimeout returns the FastHTTP server timeout:
// max render timeout plus a safety margin.
func (r *RenderConfig) ServerTimeout() time.Duration {
	return r.MaxTimeout.ToDuration() + SafetyMargin
}

// ResolveConcurrency determines the admission limit. "auto" sizes from system
// RAM: reserve 1GB for the browser itself and the OS, budget ~400MB per
// concurrently rendering tab, clamped to [2, 32].
func (r *RenderConfig) ResolveConcurrency() int {
	if r.Concurrency != "auto" {
		if n, err := strconv.Atoi(r.Concurrency); err == nil && n > 0 {
			return n
		}
	}

	v, err := mem.VirtualMemory()
	var totalRAMBytes int64
	if err != nil {
		totalRAMBytes = 8 * 1024 * 1024 * 1024 // conservative 8GB fallback
	} else {
		totalRAMBytes = int64(v.Total)
	}

	reservedBytes := int64(1 * 1024 * 1024 * 1024)
	perTabBytes := int64(400 * 1024 * 1024)

	limit := int((totalRAMBytes - reservedBytes) / perTabBytes)
	if limit < 2 {
		limit = 2
	}
	if limit > 32 {
		limit = 32
	}
	return limit
}
