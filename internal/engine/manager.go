package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rasterforge/engine/internal/common/config"
	"github.com/rasterforge/engine/internal/metrics"
)

// Restart reasons, used for logging and metrics labels
const (
	RestartReasonThreshold = "threshold"
	RestartReasonRecovery  = "recovery"
)

// Manager owns the process-wide engine handle. It launches the engine on
// demand, probes it on a fixed interval and restarts it after the configured
// request threshold or on disconnect. Launches are single-flight: the mutex
// serializes launch attempts, so concurrent EnsureReady callers wait for the
// in-flight attempt instead of spawning parallel browsers.
type Manager struct {
	cfg     config.EngineConfig
	logger  *zap.Logger
	metrics *metrics.Collector

	mu     sync.Mutex // guards engine replacement and launch/restart
	engine *Engine

	// launchFn starts a browser; replaced in tests
	launchFn func(ctx context.Context, logger *zap.Logger) (*Engine, error)

	totalRestarts atomic.Int64
	closed        atomic.Bool

	loopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// ManagerStatus is a point-in-time view of the engine handle
type ManagerStatus struct {
	Connected      bool   `json:"connected"`
	BrowserVersion string `json:"browser_version,omitempty"`
	RequestsServed int64  `json:"requests_served"`
	TotalRestarts  int64  `json:"total_restarts"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// NewManager creates an engine manager. The engine is not launched until the
// first EnsureReady call or an explicit warmup.
func NewManager(cfg config.EngineConfig, metricsCollector *metrics.Collector, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		metrics:  metricsCollector,
		launchFn: launch,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// EnsureReady returns a connected engine handle, launching one if no handle
// exists or the existing handle reports disconnected. Launch failure is
// propagated to the calling request; the next request retries.
func (m *Manager) EnsureReady(ctx context.Context) (*Engine, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine != nil && m.engine.IsConnected() {
		return m.engine, nil
	}

	return m.relaunchLocked(ctx)
}

// relaunchLocked replaces the engine handle. Caller must hold m.mu.
func (m *Manager) relaunchLocked(ctx context.Context) (*Engine, error) {
	if m.engine != nil {
		m.logger.Warn("Discarding disconnected engine",
			zap.Int64("requests_served", m.engine.RequestsServed()))
		if err := m.engine.Close(); err != nil {
			m.logger.Warn("Error closing old engine", zap.Error(err))
		}
		m.engine = nil
	}

	launchCtx, cancel := context.WithTimeout(ctx, m.cfg.LaunchTimeout.ToDuration())
	defer cancel()

	eng, err := m.launchFn(launchCtx, m.logger)
	if err != nil {
		if m.metrics != nil {
			m.metrics.SetEngineUp(false)
		}
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	m.engine = eng
	if m.metrics != nil {
		m.metrics.SetEngineUp(true)
	}
	return eng, nil
}

// Restart closes the current handle (best-effort) and launches a new one,
// resetting the served-request counter. Safe to call concurrently with
// in-flight sessions: tabs opened against the old handle complete or fail
// on their own.
func (m *Manager) Restart(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	served := int64(0)
	if m.engine != nil {
		served = m.engine.RequestsServed()
		if err := m.engine.Close(); err != nil {
			m.logger.Warn("Error closing engine during restart",
				zap.String("reason", reason),
				zap.Error(err))
		}
		m.engine = nil
	}

	m.logger.Info("Restarting rendering engine",
		zap.String("reason", reason),
		zap.Int64("requests_served", served))

	if _, err := m.relaunchLocked(ctx); err != nil {
		m.logger.Error("Engine relaunch failed",
			zap.String("reason", reason),
			zap.Error(err))
		return err
	}

	m.totalRestarts.Add(1)
	if m.metrics != nil {
		m.metrics.RecordEngineRestart(reason)
	}
	return nil
}

// StartHealthLoop runs the periodic health probe in a background goroutine.
// Each tick: a handle past the restart threshold triggers a planned restart,
// an unresponsive handle triggers immediate recovery, otherwise no-op.
func (m *Manager) StartHealthLoop() {
	m.loopOnce.Do(func() {
		m.logger.Info("Starting engine health loop",
			zap.Duration("interval", m.cfg.HealthInterval.ToDuration()),
			zap.Int64("restart_threshold", m.cfg.RestartThreshold))

		go func() {
			defer close(m.doneCh)
			ticker := time.NewTicker(m.cfg.HealthInterval.ToDuration())
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					m.healthTick()
				case <-m.stopCh:
					m.logger.Info("Stopping engine health loop")
					return
				}
			}
		}()
	})
}

func (m *Manager) healthTick() {
	m.mu.Lock()
	eng := m.engine
	m.mu.Unlock()

	if eng == nil {
		// Nothing launched yet; the next request launches on demand
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LaunchTimeout.ToDuration())
	defer cancel()

	// Threshold first: an engine scheduled for a planned restart gets
	// replaced regardless of what a probe would say.
	if eng.RequestsServed() >= m.cfg.RestartThreshold {
		m.logger.Info("Engine reached restart threshold",
			zap.Int64("requests_served", eng.RequestsServed()),
			zap.Int64("threshold", m.cfg.RestartThreshold))
		if err := m.Restart(ctx, RestartReasonThreshold); err != nil {
			m.logger.Error("Planned engine restart failed", zap.Error(err))
		}
		return
	}

	if !eng.Probe(ctx, m.cfg.ProbeTimeout.ToDuration()) {
		m.logger.Warn("Engine health probe failed, recovering",
			zap.Int64("requests_served", eng.RequestsServed()))
		if err := m.Restart(ctx, RestartReasonRecovery); err != nil {
			m.logger.Error("Engine recovery failed, will retry on next request", zap.Error(err))
		}
		return
	}

	m.logger.Debug("Engine healthy",
		zap.Int64("requests_served", eng.RequestsServed()),
		zap.Duration("age", eng.Age()))
}

// Status returns the current engine state for health and stats endpoints
func (m *Manager) Status() ManagerStatus {
	m.mu.Lock()
	eng := m.engine
	m.mu.Unlock()

	status := ManagerStatus{
		TotalRestarts: m.totalRestarts.Load(),
	}
	if eng != nil {
		status.Connected = eng.IsConnected()
		status.BrowserVersion = eng.BrowserVersion()
		status.RequestsServed = eng.RequestsServed()
		status.UptimeSeconds = int64(eng.Age().Seconds())
	}
	return status
}

// Connected reports whether a launched engine currently reports connected
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine != nil && m.engine.IsConnected()
}

// Shutdown stops the health loop and closes the engine.
// In-flight sessions fail on their own once the browser exits.
func (m *Manager) Shutdown() {
	if m.closed.Swap(true) {
		return
	}

	m.loopOnce.Do(func() { close(m.doneCh) }) // loop never started
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine != nil {
		if err := m.engine.Close(); err != nil {
			m.logger.Warn("Error closing engine during shutdown", zap.Error(err))
		}
		m.engine = nil
	}
	if m.metrics != nil {
		m.metrics.SetEngineUp(false)
	}
	m.logger.Info("Engine manager shut down")
}
