package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasterforge/engine/internal/common/configtypes"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
server:
  id: "ss-test"
  listen: ":8090"
`

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "ss-test", cfg.Server.ID)
	assert.Equal(t, "auto", cfg.Render.Concurrency)
	assert.Equal(t, 4096, cfg.Render.MaxWidth)
	assert.Equal(t, 1280, cfg.Render.DefaultWidth)
	assert.Equal(t, int64(300), cfg.Engine.RestartThreshold)
	assert.Equal(t, 30*time.Second, cfg.Engine.HealthInterval.ToDuration())
	assert.True(t, cfg.Log.Console.Enabled, "console logging enabled by default")

	// mode defaults
	assert.Equal(t, WaitEventDOMContentLoaded, cfg.Render.Modes.Ultrafast.WaitEvent)
	assert.Equal(t, WaitEventDOMContentLoaded, cfg.Render.Modes.Fast.WaitEvent)
	assert.Equal(t, WaitEventLoad, cfg.Render.Modes.Standard.WaitEvent)
	assert.Equal(t, 5*time.Second, cfg.Render.Modes.Fast.WaitBudget.ToDuration())
	assert.Equal(t, 8*time.Second, cfg.Render.Modes.Standard.WaitBudget.ToDuration())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  id: "ss-test"
  listen: ":8090"
render:
  concurrency: "4"
  max_timeout: 30s
  modes:
    standard:
      wait_budget: 12s
`))
	require.NoError(t, err)

	assert.Equal(t, "4", cfg.Render.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Render.MaxTimeout.ToDuration())
	assert.Equal(t, 12*time.Second, cfg.Render.Modes.Standard.WaitBudget.ToDuration())
	// untouched siblings still defaulted
	assert.Equal(t, WaitEventLoad, cfg.Render.Modes.Standard.WaitEvent)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  id: "ss-test"
  listen: ":8090"
  typo_field: true
`))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "missing server id",
			mutate: func(c *Config) { c.Server.ID = "" },
			errMsg: "server.id",
		},
		{
			name:   "bad listen",
			mutate: func(c *Config) { c.Server.Listen = "not-a-port" },
			errMsg: "server.listen",
		},
		{
			name:   "bad concurrency",
			mutate: func(c *Config) { c.Render.Concurrency = "many" },
			errMsg: "concurrency",
		},
		{
			name:   "zero concurrency",
			mutate: func(c *Config) { c.Render.Concurrency = "0" },
			errMsg: "concurrency",
		},
		{
			name:   "default exceeds max",
			mutate: func(c *Config) { c.Render.DefaultWidth = 9000 },
			errMsg: "exceed",
		},
		{
			name:   "default timeout above max",
			mutate: func(c *Config) { c.Render.DefaultTimeout = c.Render.MaxTimeout * 2 },
			errMsg: "default_timeout",
		},
		{
			name:   "bad wait event",
			mutate: func(c *Config) { c.Render.Modes.Fast.WaitEvent = "networkidle" },
			errMsg: "wait_event",
		},
		{
			name:   "crop padding above max",
			mutate: func(c *Config) { c.Render.Crop.Padding = 100; c.Render.Crop.MaxPadding = 50 },
			errMsg: "padding",
		},
		{
			name: "metrics on server port",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Listen = c.Server.Listen
			},
			errMsg: "metrics.listen",
		},
		{
			name:   "negative restart threshold",
			mutate: func(c *Config) { c.Engine.RestartThreshold = -1 },
			errMsg: "restart_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidateDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestServerTimeout(t *testing.T) {
	r := &RenderConfig{MaxTimeout: configtypes.Duration(60 * time.Second)}
	assert.Equal(t, 70*time.Second, r.ServerTimeout())
}

func TestResolveConcurrency(t *testing.T) {
	fixed := &RenderConfig{Concurrency: "6"}
	assert.Equal(t, 6, fixed.ResolveConcurrency())

	auto := &RenderConfig{Concurrency: "auto"}
	n := auto.ResolveConcurrency()
	assert.GreaterOrEqual(t, n, 2)
	assert.LessOrEqual(t, n, 32)
}
