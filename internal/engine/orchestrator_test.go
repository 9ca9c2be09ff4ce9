package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/internal/metrics"
	"github.com/rendis/mermend/internal/oracle"
	"github.com/rendis/mermend/internal/plugins"
	"github.com/rendis/mermend/internal/recovery"
	"github.com/rendis/mermend/internal/store"
	"github.com/rendis/mermend/internal/streaming"
	"github.com/rendis/mermend/pkg/schema"
)

// fakeRenderer paints the definition it was given as plain text. fn, when
// set, runs first with the 1-based call number and may fail or block.
type fakeRenderer struct {
	name     string
	priority int
	families []grammar.Type
	fn       func(ctx context.Context, spec plugins.Spec, call int) error
	cleanups atomic.Int32

	mu     sync.Mutex
	calls  []string
	themes []plugins.Theme
}

func (f *fakeRenderer) Name() string  { return f.name }
func (f *fakeRenderer) Priority() int { return f.priority }

func (f *fakeRenderer) CanHandle(spec plugins.Spec) bool {
	if len(f.families) == 0 {
		return spec.Grammar != ""
	}
	return slices.Contains(f.families, spec.Family())
}

func (f *fakeRenderer) Render(ctx context.Context, mount plugins.Mount, spec plugins.Spec, theme plugins.Theme) (plugins.Cleanup, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec.Definition)
	f.themes = append(f.themes, theme)
	n := len(f.calls)
	f.mu.Unlock()

	if f.fn != nil {
		if err := f.fn(ctx, spec, n); err != nil {
			return nil, err
		}
	}
	mount.Paint(plugins.Artifact{ContentType: "text/plain", Data: []byte(spec.Definition), Source: spec.Definition})
	return func() { f.cleanups.Add(1) }, nil
}

func (f *fakeRenderer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeRenderer) Themes() []plugins.Theme {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.themes)
}

func flowchartRenderer(name string) *fakeRenderer {
	return &fakeRenderer{name: name, priority: 10, families: []grammar.Type{grammar.Flowchart}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ThemeDebounce = 25 * time.Millisecond
	cfg.LowPowerThemeDebounce = 60 * time.Millisecond
	cfg.Retry = RetryPolicy{MaxRetries: 2, Delay: time.Millisecond, Backoff: "constant"}
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg Config, deps Deps, renderers ...plugins.Renderer) *Orchestrator {
	t.Helper()
	reg := plugins.NewRegistry(quietLogger())
	for _, rd := range renderers {
		require.NoError(t, reg.Register(rd))
	}
	deps.Renderers = reg
	if deps.Logger == nil {
		deps.Logger = quietLogger()
	}
	o, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	return o
}

func newEngineStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func finalRequest(def string) schema.DiagramRequest {
	return schema.DiagramRequest{Spec: schema.TextSpec(def), IsStreaming: true, IsBlockClosed: true}
}

func streamingRequest(def string) schema.DiagramRequest {
	return schema.DiagramRequest{Spec: schema.TextSpec(def), IsStreaming: true}
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

type callbacks struct {
	loads  atomic.Int32
	mu     sync.Mutex
	errors []error
}

func (c *callbacks) options() SessionOptions {
	return SessionOptions{
		OnLoad: func() { c.loads.Add(1) },
		OnError: func(err error) {
			c.mu.Lock()
			c.errors = append(c.errors, err)
			c.mu.Unlock()
		},
	}
}

func (c *callbacks) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.errors)
}

func TestNew_RequiresRenderers(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Equal(t, schema.ErrCodeValidation, schema.Kind(err))
}

func TestSession_RendersFinalRequest(t *testing.T) {
	rd := flowchartRenderer("fake")
	o := newTestOrchestrator(t, testConfig(), Deps{}, rd)

	surface := &plugins.Canvas{}
	var cb callbacks
	s, err := o.Mount(context.Background(), "s-1", surface, cb.options())
	require.NoError(t, err)

	require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  A-->B")))
	waitIdle(t, s)

	snap := s.Snapshot()
	assert.Equal(t, schema.SessionStateRendered, snap.State)
	assert.Equal(t, schema.DisplayRendered, snap.Display)
	assert.Equal(t, "fake", snap.Renderer)
	assert.True(t, snap.HasRendered)
	assert.NotEmpty(t, snap.Fingerprint)
	assert.Equal(t, int32(1), cb.loads.Load())
	assert.Empty(t, cb.Errors())

	a, ok := surface.Last()
	require.True(t, ok)
	assert.Contains(t, string(a.Data), "A-->B")
	own, ok := s.Artifact()
	require.True(t, ok)
	assert.Equal(t, a, own)
}

func TestSession_ThrowingRendererShowsFallbackWithSource(t *testing.T) {
	rd := flowchartRenderer("boom")
	rd.fn = func(context.Context, plugins.Spec, int) error { return errors.New("boom") }
	o := newTestOrchestrator(t, testConfig(), Deps{}, rd)

	surface := &plugins.Canvas{}
	var cb callbacks
	s, err := o.Mount(context.Background(), "", surface, cb.options())
	require.NoError(t, err)

	def := "flowchart TD\n  A[Start] --> B"
	require.NoError(t, s.Submit(context.Background(), finalRequest(def)))
	waitIdle(t, s)

	snap := s.Snapshot()
	assert.Equal(t, schema.SessionStateError, snap.State)
	assert.Equal(t, schema.DisplayError, snap.Display)
	assert.Equal(t, "boom", snap.LastError)

	a, ok := surface.Last()
	require.True(t, ok)
	assert.Equal(t, recovery.PanelContentType, a.ContentType)
	assert.Equal(t, def, a.Source)
	assert.Contains(t, string(a.Data), "boom")

	// default-fallback claimed it, so the host hears nothing.
	assert.Empty(t, cb.Errors())
	assert.Len(t, rd.Calls(), 1, "content failures are not retried")
}

func TestSession_UnhandledFailureFiresOnError(t *testing.T) {
	rd := flowchartRenderer("boom")
	rd.fn = func(context.Context, plugins.Spec, int) error { return errors.New("boom") }
	o := newTestOrchestrator(t, testConfig(), Deps{Recovery: recovery.NewRegistry(quietLogger())}, rd)

	surface := &plugins.Canvas{}
	var cb callbacks
	s, err := o.Mount(context.Background(), "", surface, cb.options())
	require.NoError(t, err)

	def := "flowchart TD\n  A-->B"
	require.NoError(t, s.Submit(context.Background(), finalRequest(def)))
	waitIdle(t, s)

	errs := cb.Errors()
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "boom")

	a, ok := surface.Last()
	require.True(t, ok)
	assert.Equal(t, def, a.Source, "the default panel is painted even when no handler claims the error")
}

func TestSession_PanickingRendererIsContained(t *testing.T) {
	rd := flowchartRenderer("panicky")
	rd.fn = func(context.Context, plugins.Spec, int) error { panic("kaboom") }
	o := newTestOrchestrator(t, testConfig(), Deps{}, rd)

	s, err := o.Mount(context.Background(), "", nil, SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  A-->B")))
	waitIdle(t, s)

	assert.Equal(t, schema.SessionStateError, s.Snapshot().State)
	assert.ErrorContains(t, s.Err(), "kaboom")
	a, ok := s.Artifact()
	require.True(t, ok)
	assert.Equal(t, "flowchart TD\n  A-->B", a.Source)
}

func TestSession_StreamedPrefixesGateUntilComplete(t *testing.T) {
	rd := flowchartRenderer("fake")
	o := newTestOrchestrator(t, testConfig(), Deps{}, rd)

	s, err := o.Mount(context.Background(), "", nil, SessionOptions{})
	require.NoError(t, err)

	full := "flowchart TD\n    A[Start] --> B{Valid?}\n    B -->|yes| C[Done]"
	rendered := false
	for i := 1; i <= len(full); i++ {
		prefix := full[:i]
		require.NoError(t, s.Submit(context.Background(), streamingRequest(prefix)))
		waitIdle(t, s)

		snap := s.Snapshot()
		complete := oracle.IsComplete(prefix, grammar.Flowchart)
		if complete {
			rendered = true
			assert.Equal(t, schema.SessionStateRendered, snap.State, "prefix %q", prefix)
		} else {
			assert.Equal(t, schema.SessionStateGated, snap.State, "prefix %q", prefix)
		}
		if rendered {
			assert.Equal(t, schema.DisplayRendered, snap.Display, "a rendered view never regresses: %q", prefix)
		} else {
			assert.Equal(t, schema.DisplayPlaceholder, snap.Display, "prefix %q", prefix)
			assert.Empty(t, rd.Calls(), "no render before the first complete prefix")
		}
	}
	require.True(t, rendered)

	require.NoError(t, s.Submit(context.Background(), finalRequest(full)))
	waitIdle(t, s)
	assert.Equal(t, schema.SessionStateRendered, s.Snapshot().State)
	a, ok := s.Artifact()
	require.True(t, ok)
	assert.Contains(t, string(a.Data), "C[Done]")
}

// gatedRenderer blocks each render whose definition contains a key of
// gates until that gate is closed.
func gatedRenderer(name string, gates map[string]chan struct{}) *fakeRenderer {
	rd := flowchartRenderer(name)
	rd.fn = func(ctx context.Context, spec plugins.Spec, _ int) error {
		for key, ch := range gates {
			if strings.Contains(spec.Definition, key) {
				select {
				case <-ch:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return nil
	}
	return rd
}

func TestSession_StaleResultNeverLands(t *testing.T) {
	for _, order := range [][]string{{"R2", "R1"}, {"R1", "R2"}} {
		t.Run(strings.Join(order, "_then_"), func(t *testing.T) {
			gates := map[string]chan struct{}{"R1": make(chan struct{}), "R2": make(chan struct{})}
			rd := gatedRenderer("slow", gates)
			m := metrics.New()
			o := newTestOrchestrator(t, testConfig(), Deps{Metrics: m}, rd)

			var cb callbacks
			s, err := o.Mount(context.Background(), "", nil, cb.options())
			require.NoError(t, err)

			require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  R1-->X")))
			forced := finalRequest("flowchart TD\n  R2-->X")
			forced.ForceRender = true
			require.NoError(t, s.Submit(context.Background(), forced))
			assert.Equal(t, 2, s.Snapshot().InFlight)

			close(gates[order[0]])
			require.Eventually(t, func() bool { return s.Snapshot().InFlight == 1 }, 5*time.Second, 5*time.Millisecond)
			close(gates[order[1]])
			waitIdle(t, s)

			snap := s.Snapshot()
			assert.Equal(t, schema.SessionStateRendered, snap.State)
			a, ok := s.Artifact()
			require.True(t, ok)
			assert.Contains(t, string(a.Data), "R2")
			assert.NotContains(t, string(a.Data), "R1")
			assert.Equal(t, int32(1), cb.loads.Load())
			assert.Equal(t, float64(1), testutil.ToFloat64(m.StaleRenders))
			assert.Equal(t, int32(1), rd.cleanups.Load(), "the stale result's cleanup runs")
		})
	}
}

func TestSession_PendingSlotIsLatestWins(t *testing.T) {
	gates := map[string]chan struct{}{"R1": make(chan struct{})}
	rd := gatedRenderer("slow", gates)
	o := newTestOrchestrator(t, testConfig(), Deps{}, rd)

	var cb callbacks
	s, err := o.Mount(context.Background(), "", nil, cb.options())
	require.NoError(t, err)

	require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  R1-->X")))
	require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  R2-->X")))
	require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  R3-->X")))

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.InFlight)
	assert.True(t, snap.Pending)
	assert.Equal(t, int64(3), snap.Seq)

	close(gates["R1"])
	waitIdle(t, s)

	calls := rd.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "R1")
	assert.Contains(t, calls[1], "R3")

	a, ok := s.Artifact()
	require.True(t, ok)
	assert.Contains(t, string(a.Data), "R3")
	assert.Equal(t, int32(2), cb.loads.Load())
	assert.False(t, s.Snapshot().Pending)
}

func TestSession_UnsupportedGrammar(t *testing.T) {
	rd := flowchartRenderer("fake")
	o := newTestOrchestrator(t, testConfig(), Deps{}, rd)

	var cb callbacks
	s, err := o.Mount(context.Background(), "", nil, cb.options())
	require.NoError(t, err)

	def := "pie\n  \"Dogs\" : 3"
	require.NoError(t, s.Submit(context.Background(), streamingRequest(def)))
	assert.Equal(t, schema.SessionStateGated, s.Snapshot().State, "an unresolved renderer waits while streaming")

	require.NoError(t, s.Submit(context.Background(), finalRequest(def)))
	snap := s.Snapshot()
	assert.Equal(t, schema.SessionStateError, snap.State)
	assert.Empty(t, snap.Renderer)
	assert.Equal(t, schema.ErrCodeGrammarUnsupported, schema.Kind(s.Err()))

	a, ok := s.Artifact()
	require.True(t, ok)
	assert.Contains(t, string(a.Data), "No compatible renderer")
	assert.Equal(t, def, a.Source)
	assert.Empty(t, cb.Errors())
	assert.Empty(t, rd.Calls())
}

func TestSession_FencedAndMarkedInputResolvesGrammar(t *testing.T) {
	for name, def := range map[string]string{
		"markdown fence":  "```mermaid\nflowchart TD\nA-->B\n```",
		"byte order mark": "\ufeffflowchart TD\nA-->B",
	} {
		t.Run(name, func(t *testing.T) {
			rd := flowchartRenderer("fake")
			o := newTestOrchestrator(t, testConfig(), Deps{}, rd)

			var cb callbacks
			s, err := o.Mount(context.Background(), "", nil, cb.options())
			require.NoError(t, err)

			require.NoError(t, s.Submit(context.Background(), finalRequest(def)))
			waitIdle(t, s)

			snap := s.Snapshot()
			assert.Equal(t, schema.SessionStateRendered, snap.State)
			assert.Equal(t, "fake", snap.Renderer)
			assert.NoError(t, s.Err())
			assert.Len(t, rd.Calls(), 1)
			assert.Empty(t, cb.Errors())
		})
	}
}

func TestSession_RetriesRetryableFailures(t *testing.T) {
	rd := flowchartRenderer("flaky")
	rd.fn = func(_ context.Context, _ plugins.Spec, call int) error {
		if call <= 2 {
			return schema.NewError(schema.ErrCodeRendererUnavailable, "mmdc not ready")
		}
		return nil
	}
	m := metrics.New()
	o := newTestOrchestrator(t, testConfig(), Deps{Metrics: m}, rd)

	s, err := o.Mount(context.Background(), "", nil, SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  A-->B")))
	waitIdle(t, s)

	assert.Equal(t, schema.SessionStateRendered, s.Snapshot().State)
	assert.Len(t, rd.Calls(), 3)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RetryAttempts.WithLabelValues("flaky")))
}

func TestSession_RetriesAreBounded(t *testing.T) {
	rd := flowchartRenderer("down")
	rd.fn = func(context.Context, plugins.Spec, int) error {
		return schema.NewError(schema.ErrCodeRendererUnavailable, "mmdc not installed")
	}
	o := newTestOrchestrator(t, testConfig(), Deps{}, rd)

	var cb callbacks
	s, err := o.Mount(context.Background(), "", nil, cb.options())
	require.NoError(t, err)
	require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  A-->B")))
	waitIdle(t, s)

	assert.Equal(t, schema.SessionStateError, s.Snapshot().State)
	assert.Len(t, rd.Calls(), 3)
	assert.Equal(t, schema.ErrCodeRendererUnavailable, schema.Kind(s.Err()))
	a, ok := s.Artifact()
	require.True(t, ok)
	assert.Contains(t, string(a.Data), "down is unavailable")
	assert.Empty(t, cb.Errors())
}

func TestSession_CircuitOpensPerRenderer(t *testing.T) {
	rd := flowchartRenderer("down")
	rd.fn = func(context.Context, plugins.Spec, int) error {
		return schema.NewError(schema.ErrCodeRendererUnavailable, "mmdc not installed")
	}
	cfg := testConfig()
	cfg.Retry.MaxRetries = 0
	cfg.CircuitBreaker = CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour, HalfOpenMax: 1}
	o := newTestOrchestrator(t, cfg, Deps{}, rd)

	s, err := o.Mount(context.Background(), "", nil, SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  A-->B")))
	waitIdle(t, s)
	require.NoError(t, s.Retry(context.Background()))
	waitIdle(t, s)

	assert.Len(t, rd.Calls(), 1, "an open circuit skips the renderer")
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.Kind(s.Err()))

	stats := o.Breakers()
	require.Len(t, stats, 1)
	assert.Equal(t, "down", stats[0].Renderer)
	assert.Equal(t, "open", stats[0].State)
}

func TestSession_RetryForcesLastRequest(t *testing.T) {
	rd := flowchartRenderer("once")
	rd.fn = func(_ context.Context, _ plugins.Spec, call int) error {
		if call == 1 {
			return errors.New("Parse error on line 2")
		}
		return nil
	}
	o := newTestOrchestrator(t, testConfig(), Deps{}, rd)

	s, err := o.Mount(context.Background(), "", nil, SessionOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.Kind(s.Retry(context.Background())))

	require.NoError(t, s.Submit(context.Background(), streamingRequest("flowchart TD\n  A-->B")))
	waitIdle(t, s)
	require.Equal(t, schema.SessionStateError, s.Snapshot().State)

	require.NoError(t, s.Retry(context.Background()))
	waitIdle(t, s)
	assert.Equal(t, schema.SessionStateRendered, s.Snapshot().State)
	assert.NoError(t, s.Err())
	assert.Len(t, rd.Calls(), 2)
}

func TestSession_UnchangedInputSkipsRenderer(t *testing.T) {
	rd := flowchartRenderer("fake")
	o := newTestOrchestrator(t, testConfig(), Deps{}, rd)

	s, err := o.Mount(context.Background(), "", nil, SessionOptions{})
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  A-->B")))
		waitIdle(t, s)
	}
	assert.Len(t, rd.Calls(), 1)
	assert.Equal(t, schema.SessionStateRendered, s.Snapshot().State)
	assert.Equal(t, int64(3), s.Snapshot().Seq)
}

func TestSession_ThemeChangeDebouncesRerender(t *testing.T) {
	rd := flowchartRenderer("fake")
	o := newTestOrchestrator(t, testConfig(), Deps{}, rd)

	s, err := o.Mount(context.Background(), "", nil, SessionOptions{})
	require.NoError(t, err)

	require.NoError(t, s.SetTheme(true))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rd.Calls(), "no re-render before the first success")

	require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  A-->B")))
	waitIdle(t, s)
	require.Len(t, rd.Calls(), 1)

	require.NoError(t, s.SetTheme(false))
	require.NoError(t, s.SetTheme(true))
	require.NoError(t, s.SetTheme(false))

	require.Eventually(t, func() bool { return len(rd.Calls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	waitIdle(t, s)
	time.Sleep(50 * time.Millisecond)

	themes := rd.Themes()
	require.Len(t, themes, 2, "rapid toggles coalesce into one render")
	assert.Equal(t, plugins.ThemeDark, themes[0])
	assert.Equal(t, plugins.ThemeLight, themes[1])
	assert.False(t, s.Snapshot().Dark)
}

func TestSession_ThemeChangeSkippedWhileRendering(t *testing.T) {
	gates := map[string]chan struct{}{"R2": make(chan struct{})}
	rd := gatedRenderer("slow", gates)
	o := newTestOrchestrator(t, testConfig(), Deps{}, rd)

	s, err := o.Mount(context.Background(), "", nil, SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  R1-->X")))
	waitIdle(t, s)

	require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  R2-->X")))
	require.NoError(t, s.SetTheme(true))
	time.Sleep(50 * time.Millisecond)
	close(gates["R2"])
	waitIdle(t, s)

	assert.Len(t, rd.Calls(), 2)
}

func TestSession_UnmountRunsCleanupOnce(t *testing.T) {
	rd := flowchartRenderer("fake")
	o := newTestOrchestrator(t, testConfig(), Deps{}, rd)

	s, err := o.Mount(context.Background(), "s-1", nil, SessionOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  A-->B")))
	waitIdle(t, s)
	require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  A-->C")))
	waitIdle(t, s)
	assert.Equal(t, int32(1), rd.cleanups.Load(), "a new render releases the previous one")

	require.NoError(t, o.Unmount(context.Background(), "s-1"))
	assert.Equal(t, int32(2), rd.cleanups.Load())
	assert.Equal(t, schema.SessionStateClosed, s.Snapshot().State)

	assert.Equal(t, schema.ErrCodeNotFound, schema.Kind(o.Unmount(context.Background(), "s-1")))
	assert.Equal(t, schema.ErrCodeSessionClosed, schema.Kind(s.Submit(context.Background(), finalRequest("flowchart TD\n  A-->D"))))
	assert.Equal(t, schema.ErrCodeSessionClosed, schema.Kind(s.SetTheme(true)))
	assert.Equal(t, int32(2), rd.cleanups.Load())
}

func TestSession_ResultAfterUnmountIsDiscarded(t *testing.T) {
	gates := map[string]chan struct{}{"R1": make(chan struct{})}
	rd := gatedRenderer("slow", gates)
	o := newTestOrchestrator(t, testConfig(), Deps{}, rd)

	surface := &plugins.Canvas{}
	var cb callbacks
	s, err := o.Mount(context.Background(), "", surface, cb.options())
	require.NoError(t, err)
	require.NoError(t, s.Submit(context.Background(), finalRequest("flowchart TD\n  R1-->X")))

	require.NoError(t, o.Unmount(context.Background(), s.ID()))
	close(gates["R1"])
	require.Eventually(t, func() bool { return s.Snapshot().InFlight == 0 }, 5*time.Second, 5*time.Millisecond)

	assert.Zero(t, surface.Len())
	assert.Zero(t, cb.loads.Load())
}

func TestOrchestrator_MountGetConflict(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Deps{}, flowchartRenderer("fake"))

	s, err := o.Mount(context.Background(), "", nil, SessionOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())

	got, err := o.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = o.Mount(context.Background(), s.ID(), nil, SessionOptions{})
	assert.Equal(t, schema.ErrCodeConflict, schema.Kind(err))

	_, err = o.Get("missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.Kind(err))

	_, err = o.Mount(context.Background(), "a", nil, SessionOptions{})
	require.NoError(t, err)
	ids := []string{}
	for _, snap := range o.List() {
		ids = append(ids, snap.ID)
	}
	assert.True(t, slices.IsSorted(ids))
	assert.Len(t, ids, 2)
}

func TestOrchestrator_Sweep(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Deps{}, flowchartRenderer("fake"))

	_, err := o.Mount(context.Background(), "old", nil, SessionOptions{})
	require.NoError(t, err)

	n, err := o.Sweep(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(5 * time.Millisecond)
	n, err = o.Sweep(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, o.List())
}

func TestOrchestrator_RenderOneShot(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Deps{}, flowchartRenderer("fake"))

	res, err := o.Render(context.Background(), schema.TextSpec("flowchart TD\n  A-->B"), true)
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, schema.SessionStateRendered, res.Snapshot.State)
	assert.True(t, res.Snapshot.Dark)
	assert.Contains(t, string(res.Artifact.Data), "A-->B")
	assert.Empty(t, o.List(), "one-shot sessions are unmounted")
}

func TestOrchestrator_Repair(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(), Deps{}, flowchartRenderer("fake"))

	rep, err := o.Repair(context.Background(), "sankey-beta\nA,B\nC,D,5", "")
	require.NoError(t, err)
	assert.Equal(t, "sankey-beta\nC,D,5", rep.Output)
	assert.Equal(t, grammar.SankeyBeta, rep.Grammar)
	assert.True(t, rep.Changed)
	assert.True(t, rep.Complete)
	assert.NotEmpty(t, rep.Steps)

	_, err = o.Repair(context.Background(), "  \n", "")
	assert.Equal(t, schema.ErrCodeValidation, schema.Kind(err))
}

func TestOrchestrator_PersistsAndCaches(t *testing.T) {
	st := newEngineStore(t)
	hub := streaming.NewMemoryHub()
	rd := flowchartRenderer("fake")
	o := newTestOrchestrator(t, testConfig(), Deps{Store: st, Hub: hub}, rd)
	ctx := context.Background()

	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{SessionID: "second", EventTypes: []string{schema.EventRenderCacheHit}})
	require.NoError(t, err)
	defer cancel()

	first, err := o.Mount(ctx, "first", nil, SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, first.Submit(ctx, finalRequest("flowchart TD\n  A-->B")))
	waitIdle(t, first)

	second, err := o.Mount(ctx, "second", nil, SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, second.Submit(ctx, finalRequest("flowchart TD\n  A-->B")))
	waitIdle(t, second)

	assert.Len(t, rd.Calls(), 1, "the second session is served from the cache")
	a, ok := second.Artifact()
	require.True(t, ok)
	assert.Contains(t, string(a.Data), "A-->B")

	select {
	case ev := <-events:
		assert.Equal(t, "second", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("no cache hit event published")
	}

	rec, err := st.GetSession(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStateRendered, rec.State)
	assert.Equal(t, "fake", rec.Renderer)
	assert.True(t, rec.HasRendered)
	assert.Equal(t, second.Snapshot().Fingerprint, rec.LastFingerprint)

	logged, err := st.GetEvents(ctx, "second", 0)
	require.NoError(t, err)
	h, err := store.ReplayEvents("second", logged)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStateRendered, h.State)
	assert.Equal(t, 1, h.Renders)
	assert.Equal(t, 1, h.CacheHits)
	assert.NotNil(t, h.MountedAt)

	require.NoError(t, o.Unmount(ctx, "first"))
	rec, err = st.GetSession(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStateClosed, rec.State)
	assert.NotNil(t, rec.ClosedAt)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("flowchart TD\n  A-->B", "mmdc", plugins.ThemeLight)
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint("flowchart TD\n  A-->B", "mmdc", plugins.ThemeLight))
	assert.NotEqual(t, a, Fingerprint("flowchart TD\n  A-->B", "mmdc", plugins.ThemeDark))
	assert.NotEqual(t, a, Fingerprint("flowchart TD\n  A-->B", "ascii", plugins.ThemeLight))
}
