package render

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rasterforge/engine/internal/common/config"
	"github.com/rasterforge/engine/internal/common/configtypes"
	"github.com/rasterforge/engine/internal/engine"
	"github.com/rasterforge/engine/internal/metrics"
)

type failingProvider struct {
	calls int
}

func (p *failingProvider) EnsureReady(ctx context.Context) (*engine.Engine, error) {
	p.calls++
	return nil, engine.ErrEngineUnavailable
}

func testRenderConfig(concurrency string) *config.RenderConfig {
	cfg := config.Default()
	cfg.Render.Concurrency = concurrency
	return &cfg.Render
}

func testCollector(t *testing.T) *metrics.Collector {
	t.Helper()
	return metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry(), zap.NewNop())
}

func testRequest() Request {
	return Request{
		RequestID:   "req-1",
		HTMLContent: "<p>hello</p>",
		Width:       800,
		Height:      600,
		Format:      "png",
		Quality:     90,
		Scale:       1,
		Timeout:     5 * time.Second,
	}
}

type stubProvider struct {
	eng *engine.Engine
}

func (p *stubProvider) EnsureReady(ctx context.Context) (*engine.Engine, error) {
	return p.eng, nil
}

// fakeRenderSession satisfies renderSession without a browser
type fakeRenderSession struct {
	viewportErr error
	contentErr  error
	captureErr  error
	data        []byte
	closed      bool
}

func (f *fakeRenderSession) Context() context.Context { return context.Background() }

func (f *fakeRenderSession) SetViewport(ctx context.Context, width, height int, scale float64) error {
	return f.viewportErr
}

func (f *fakeRenderSession) SetContent(ctx context.Context, htmlDoc, waitEvent string, waitBudget time.Duration) error {
	return f.contentErr
}

func (f *fakeRenderSession) Evaluate(ctx context.Context, expression string, out interface{}) error {
	if s, ok := out.(*string); ok {
		*s = `{"total":0,"loaded":0,"failed":0,"bgTotal":0,"bgSettled":0}`
	}
	return nil
}

func (f *fakeRenderSession) EvaluateAsync(ctx context.Context, expression string, out interface{}) error {
	if b, ok := out.(*bool); ok {
		*b = true
	}
	return nil
}

func (f *fakeRenderSession) Capture(ctx context.Context, format string, quality int, bounds ContentBounds, clip bool) ([]byte, error) {
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	return f.data, nil
}

func (f *fakeRenderSession) Close() { f.closed = true }

func newFakePipeline(t *testing.T, fs *fakeRenderSession) (*Pipeline, *engine.Engine) {
	t.Helper()
	eng := &engine.Engine{}
	p := NewPipeline(testRenderConfig("2"), &stubProvider{eng: eng}, testCollector(t), zap.NewNop())
	p.openSession = func(*engine.Engine, string, *zap.Logger) (renderSession, error) {
		return fs, nil
	}
	return p, eng
}

func TestPipelineRenderSuccess(t *testing.T) {
	fs := &fakeRenderSession{data: []byte{0x89, 'P', 'N', 'G'}}
	p, eng := newFakePipeline(t, fs)

	result, err := p.Render(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, fs.data, result.Data)
	assert.Equal(t, ModeUltrafast, result.Mode)
	assert.True(t, fs.closed, "session must be closed on success")
	assert.Equal(t, int64(1), eng.RequestsServed())
	assert.Equal(t, int64(1), p.Stats().Snapshot().TotalRendered)
	assert.Equal(t, int64(0), p.Admission().Active())
}

func TestPipelineFailedRenderAdvancesRestartCounter(t *testing.T) {
	fs := &fakeRenderSession{viewportErr: errors.New("target closed")}
	p, eng := newFakePipeline(t, fs)

	_, err := p.Render(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, fs.closed, "session must be closed on failure")
	assert.Equal(t, int64(1), eng.RequestsServed(), "a failed render still consumed a tab")
	assert.Equal(t, int64(1), p.Stats().Snapshot().TotalFailed)
	assert.Equal(t, int64(0), p.Admission().Active())
}

func TestPipelineSoftWaitTimeoutCapturesAnyway(t *testing.T) {
	fs := &fakeRenderSession{
		contentErr: ErrWaitTimeout,
		data:       []byte{0x89, 'P', 'N', 'G'},
	}
	p, _ := newFakePipeline(t, fs)

	result, err := p.Render(context.Background(), testRequest())
	require.NoError(t, err, "a blown wait budget degrades to capture-as-is")
	assert.Equal(t, fs.data, result.Data)
}

func TestPipelineEngineFailureReleasesSlot(t *testing.T) {
	provider := &failingProvider{}
	p := NewPipeline(testRenderConfig("2"), provider, testCollector(t), zap.NewNop())

	_, err := p.Render(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrEngineUnavailable)
	assert.Equal(t, 1, provider.calls)

	assert.Equal(t, int64(0), p.Admission().Active(), "failed render must release its slot")
	assert.Equal(t, int64(1), p.Stats().Snapshot().TotalFailed)
}

func TestPipelineRejectsAtCapacity(t *testing.T) {
	provider := &failingProvider{}
	p := NewPipeline(testRenderConfig("2"), provider, testCollector(t), zap.NewNop())

	// occupy all slots
	require.NoError(t, p.Admission().TryAcquire())
	require.NoError(t, p.Admission().TryAcquire())

	_, err := p.Render(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAdmissionRejected)
	assert.Equal(t, 0, provider.calls, "rejected request must not touch the engine")
	assert.Equal(t, int64(1), p.Stats().Snapshot().TotalRejected)

	p.Admission().Release()
	p.Admission().Release()
	assert.Equal(t, int64(0), p.Admission().Active())
}

func TestPipelineFixedConcurrency(t *testing.T) {
	p := NewPipeline(testRenderConfig("7"), &failingProvider{}, testCollector(t), zap.NewNop())
	assert.Equal(t, int64(7), p.Admission().Limit())
}

func TestPipelineStatsSnapshot(t *testing.T) {
	s := NewStats()
	s.RecordSuccess(100 * time.Millisecond)
	s.RecordSuccess(300 * time.Millisecond)
	s.RecordFailure()
	s.RecordRejection()
	s.RecordTimeout()

	snap := s.Snapshot()
	assert.Equal(t, int64(2), snap.TotalRendered)
	assert.Equal(t, int64(1), snap.TotalFailed)
	assert.Equal(t, int64(1), snap.TotalRejected)
	assert.Equal(t, int64(1), snap.TotalTimedOut)
	assert.InDelta(t, 200, snap.AvgDurationMs, 0.01)
}

func TestPolicyForModes(t *testing.T) {
	cfg := testRenderConfig("2")

	ultra := PolicyFor(cfg, ModeUltrafast)
	assert.True(t, ultra.SkipReadiness)
	assert.True(t, ultra.SkipCrop)
	assert.Equal(t, config.WaitEventDOMContentLoaded, ultra.WaitEvent)

	fast := PolicyFor(cfg, ModeFast)
	assert.False(t, fast.SkipReadiness)
	assert.True(t, fast.SkipCrop, "crop disabled in fast mode by default")

	std := PolicyFor(cfg, ModeStandard)
	assert.False(t, std.SkipReadiness)
	assert.False(t, std.SkipCrop)
	assert.Equal(t, config.WaitEventLoad, std.WaitEvent)
	assert.Greater(t, std.WaitBudget, fast.WaitBudget)
}

func TestPolicyForCropInFastMode(t *testing.T) {
	cfg := testRenderConfig("2")
	cfg.Crop.EnableInFastMode = true
	assert.False(t, PolicyFor(cfg, ModeFast).SkipCrop)
}

func TestPolicyForPollInterval(t *testing.T) {
	cfg := testRenderConfig("2")
	cfg.PollInterval = configtypes.Duration(125 * time.Millisecond)
	assert.Equal(t, 125*time.Millisecond, PolicyFor(cfg, ModeStandard).PollInterval)
}
