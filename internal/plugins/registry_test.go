package plugins

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/pkg/schema"
)

// fakeRenderer is a configurable Renderer for tests.
type fakeRenderer struct {
	name     string
	priority int
	accept   func(Spec) bool
	render   func(ctx context.Context, mount Mount, spec Spec, theme Theme) (Cleanup, error)
}

func (f *fakeRenderer) Name() string  { return f.name }
func (f *fakeRenderer) Priority() int { return f.priority }

func (f *fakeRenderer) CanHandle(s Spec) bool {
	if f.accept == nil {
		return true
	}
	return f.accept(s)
}

func (f *fakeRenderer) Render(ctx context.Context, mount Mount, spec Spec, theme Theme) (Cleanup, error) {
	if f.render == nil {
		mount.Paint(Artifact{ContentType: "text/plain", Data: []byte(f.name)})
		return nil, nil
	}
	return f.render(ctx, mount, spec, theme)
}

func flowchartsOnly(s Spec) bool { return s.Family() == grammar.Flowchart }

func TestNewSpec(t *testing.T) {
	s := NewSpec(schema.TextSpec("graph LR\n  A-->B"))
	assert.Equal(t, ShapeText, s.Shape)
	assert.Equal(t, grammar.Graph, s.Grammar)
	assert.Equal(t, grammar.Flowchart, s.Family())

	s = NewSpec(schema.RawSpec{Definition: "data:\n  values: []\nmark: bar", Type: "chart"})
	assert.Equal(t, ShapeObject, s.Shape)

	s = NewSpec(schema.RawSpec{Definition: `{"mark":"bar"}`, Renderer: "source"})
	assert.Equal(t, ShapeObject, s.Shape)
	assert.Equal(t, "source", s.Renderer)

	s = NewSpec(schema.RawSpec{Definition: "pie\n  \"a\" : 1", Type: "sankey-beta"})
	assert.Equal(t, grammar.SankeyBeta, s.Grammar)
}

func TestRegistry_RegisterConflicts(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&fakeRenderer{name: "a"}))

	err := reg.Register(&fakeRenderer{name: "a"})
	assert.Equal(t, schema.ErrCodeConflict, schema.Kind(err))
	assert.Equal(t, schema.ErrCodeValidation, schema.Kind(reg.Register(&fakeRenderer{})))
	assert.Equal(t, schema.ErrCodeValidation, schema.Kind(reg.Register(nil)))

	assert.True(t, reg.Unregister("a"))
	assert.False(t, reg.Unregister("a"))
	_, err = reg.Get("a")
	assert.Equal(t, schema.ErrCodeNotFound, schema.Kind(err))
}

func TestRegistry_SelectByPriority(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&fakeRenderer{name: "low", priority: 10}))
	require.NoError(t, reg.Register(&fakeRenderer{name: "high", priority: 90, accept: flowchartsOnly}))
	require.NoError(t, reg.Register(&fakeRenderer{name: "never", priority: 100, accept: func(Spec) bool { return false }}))

	rd, err := reg.Select(NewSpec(schema.TextSpec("flowchart TD\n  A-->B")))
	require.NoError(t, err)
	assert.Equal(t, "high", rd.Name())

	rd, err = reg.Select(NewSpec(schema.TextSpec("pie\n  \"a\" : 1")))
	require.NoError(t, err)
	assert.Equal(t, "low", rd.Name())
}

func TestRegistry_SelectTiesAreStable(t *testing.T) {
	reg := NewRegistry(nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(&fakeRenderer{name: name, priority: 50}))
	}
	for range 20 {
		rd, err := reg.Select(NewSpec(schema.TextSpec("flowchart TD\n  A")))
		require.NoError(t, err)
		assert.Equal(t, "alpha", rd.Name())
	}
	assert.Equal(t, []Info{{"alpha", 50}, {"mid", 50}, {"zeta", 50}}, reg.List())
}

func TestRegistry_ExplicitRendererBypassesCapability(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&fakeRenderer{name: "best", priority: 100}))
	require.NoError(t, reg.Register(Source{}))

	rd, err := reg.Select(NewSpec(schema.RawSpec{Definition: "flowchart TD\n  A", Renderer: SourceName}))
	require.NoError(t, err)
	assert.Equal(t, SourceName, rd.Name())

	rd, err = reg.Select(NewSpec(schema.RawSpec{Definition: "flowchart TD\n  A", Renderer: "missing"}))
	require.NoError(t, err)
	assert.Equal(t, "best", rd.Name())
}

func TestRegistry_NoMatch(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(Source{}))
	_, err := reg.Select(NewSpec(schema.TextSpec("pie\n  \"a\" : 1")))
	assert.Equal(t, schema.ErrCodeGrammarUnsupported, schema.Kind(err))
}

func TestRegistry_PanickingPredicate(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&fakeRenderer{name: "bad", priority: 100, accept: func(Spec) bool { panic("boom") }}))
	require.NoError(t, reg.Register(&fakeRenderer{name: "good", priority: 1}))

	rd, err := reg.Select(NewSpec(schema.TextSpec("flowchart TD\n  A")))
	require.NoError(t, err)
	assert.Equal(t, "good", rd.Name())
}

func TestRegistry_ConcurrentMutationAndSelect(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&fakeRenderer{name: "base", priority: 1}))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		name := string(rune('a' + i))
		go func() {
			defer wg.Done()
			_ = reg.Register(&fakeRenderer{name: name, priority: 5})
			reg.Unregister(name)
		}()
		go func() {
			defer wg.Done()
			_, err := reg.Select(NewSpec(schema.TextSpec("flowchart TD\n  A")))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestCanvas(t *testing.T) {
	var c Canvas
	_, ok := c.Last()
	assert.False(t, ok)

	c.Paint(Artifact{Data: []byte("1")})
	MountFunc(c.Paint).Paint(Artifact{Data: []byte("2")})
	last, ok := c.Last()
	require.True(t, ok)
	assert.Equal(t, "2", string(last.Data))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, ThemeDark, ThemeFor(true))
	assert.Equal(t, ThemeLight, ThemeFor(false))
}
