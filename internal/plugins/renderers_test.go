package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mermend/internal/expressions"
	"github.com/rendis/mermend/internal/isolation"
	"github.com/rendis/mermend/internal/validation"
	"github.com/rendis/mermend/pkg/schema"
)

const fakeMMDC = `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    -i) in="$2"; shift ;;
    -o) out="$2"; shift ;;
    -t) theme="$2"; shift ;;
  esac
  shift
done
if grep -q BROKEN "$in"; then
  echo "Parse error on line 2: unexpected BROKEN" >&2
  exit 1
fi
printf '<svg data-theme="%s">' "$theme" > "$out"
cat "$in" >> "$out"
printf '</svg>' >> "$out"
`

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newValidator(t *testing.T) *validation.Validator {
	t.Helper()
	v, err := validation.New()
	require.NoError(t, err)
	return v
}

func TestTool_ErrorMapping(t *testing.T) {
	requireShell(t)
	ctx := context.Background()
	tool := Tool{Isolator: isolation.NewFallbackIsolator(), Limits: isolation.Limits{Timeout: 5 * time.Second}}

	out, err := tool.Run(ctx, "t", "sh", []string{"-c", "cat"}, strings.NewReader("ok"), "")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out))

	_, err = tool.Run(ctx, "t", "mermend-no-such-binary", nil, nil, "")
	assert.Equal(t, schema.ErrCodeRendererUnavailable, schema.Kind(err))

	_, err = tool.Run(ctx, "t", filepath.Join(t.TempDir(), "missing"), nil, nil, "")
	assert.Equal(t, schema.ErrCodeRendererUnavailable, schema.Kind(err))

	_, err = tool.Run(ctx, "t", "sh", []string{"-c", "echo 'Parse error on line 3' >&2; exit 2"}, nil, "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeParseFailure, schema.Kind(err))
	assert.Contains(t, err.Error(), "Parse error on line 3")

	short := Tool{Limits: isolation.Limits{Timeout: 50 * time.Millisecond}}
	_, err = short.Run(ctx, "t", "sh", []string{"-c", "sleep 5"}, nil, "")
	assert.Equal(t, schema.ErrCodeTimeout, schema.Kind(err))
}

func TestMermaidCLI_Render(t *testing.T) {
	requireShell(t)
	m := NewMermaidCLI(MermaidCLIConfig{Command: writeScript(t, "mmdc", fakeMMDC)})

	spec := NewSpec(schema.TextSpec("sequenceDiagram\n  A->>B: hi"))
	require.True(t, m.CanHandle(spec))

	var c Canvas
	_, err := m.Render(context.Background(), &c, spec, ThemeDark)
	require.NoError(t, err)
	a, ok := c.Last()
	require.True(t, ok)
	assert.Equal(t, "image/svg+xml", a.ContentType)
	assert.Contains(t, string(a.Data), `data-theme="dark"`)
	assert.Contains(t, string(a.Data), "A->>B: hi")
	assert.Equal(t, spec.Definition, a.Source)

	_, err = m.Render(context.Background(), &c, NewSpec(schema.TextSpec("flowchart TD\n  BROKEN")), ThemeLight)
	assert.Equal(t, schema.ErrCodeParseFailure, schema.Kind(err))
	assert.Contains(t, err.Error(), "line 2")
	assert.Equal(t, 1, c.Len())
}

func TestMermaidCLI_CanHandle(t *testing.T) {
	m := NewMermaidCLI(MermaidCLIConfig{})
	assert.True(t, m.CanHandle(NewSpec(schema.TextSpec("sankey-beta\nA,B,1"))))
	assert.False(t, m.CanHandle(NewSpec(schema.TextSpec("nonsense\n  x"))))
	assert.False(t, m.CanHandle(NewSpec(schema.TextSpec(`{"mark":"bar"}`))))
}

func TestChart_RenderInjectsTheme(t *testing.T) {
	c := NewChart(newValidator(t), nil)
	spec := NewSpec(schema.TextSpec(`{"data":{"values":[{"a":1}]},"mark":"bar","config":{"background":"#000000"}}`))
	require.True(t, c.CanHandle(spec))

	var canvas Canvas
	_, err := c.Render(context.Background(), &canvas, spec, ThemeDark)
	require.NoError(t, err)
	a, _ := canvas.Last()
	assert.Equal(t, ChartContentType, a.ContentType)

	var out map[string]any
	require.NoError(t, json.Unmarshal(a.Data, &out))
	assert.Equal(t, vegaLiteSchema, out["$schema"])
	cfg := out["config"].(map[string]any)
	assert.Equal(t, "#000000", cfg["background"], "user config wins")
	assert.Equal(t, "#d4d4d4", cfg["axis"].(map[string]any)["labelColor"])
}

func TestChart_YAMLAndInvalid(t *testing.T) {
	c := NewChart(newValidator(t), expressions.NewGoJQEngine())

	yamlSpec := NewSpec(schema.RawSpec{Definition: "data:\n  values: [1, 2]\nmark: line\n", Type: "chart"})
	var canvas Canvas
	_, err := c.Render(context.Background(), &canvas, yamlSpec, ThemeLight)
	require.NoError(t, err)
	a, _ := canvas.Last()
	assert.Contains(t, string(a.Data), `"background":"#ffffff"`)

	_, err = c.Render(context.Background(), &canvas, NewSpec(schema.TextSpec(`{"mark":"bar"}`)), ThemeLight)
	assert.Equal(t, schema.ErrCodeParseFailure, schema.Kind(err))

	_, err = c.Render(context.Background(), &canvas, NewSpec(schema.TextSpec(`{"mark":`)), ThemeLight)
	assert.Equal(t, schema.ErrCodeParseFailure, schema.Kind(err))

	assert.True(t, c.IsDefinitionComplete(`{"values":[1],"encoding":{}}`))
	assert.False(t, c.IsDefinitionComplete(`{"values":[1],"encoding":{}`))
	assert.False(t, c.IsDefinitionComplete(`{"values":[1],"mark":""}`))
}

func TestASCII_Render(t *testing.T) {
	a := &ASCII{}
	spec := NewSpec(schema.TextSpec("flowchart TD\n  A[Start] --> B[Done]"))
	require.True(t, a.CanHandle(spec))
	assert.False(t, a.CanHandle(NewSpec(schema.TextSpec("pie\n  \"a\" : 1"))))

	var c Canvas
	_, err := a.Render(context.Background(), &c, spec, ThemeLight)
	require.NoError(t, err)
	art, _ := c.Last()
	assert.Contains(t, string(art.Data), "│ Start │")
	assert.Contains(t, string(art.Data), "│ Done │")

	_, err = a.Render(context.Background(), &c, NewSpec(schema.TextSpec("flowchart TD\n  A[Start --> B")), ThemeLight)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeParseFailure, schema.Kind(err))
	var de *schema.DiagramError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 2, de.Details["line"])
}

func TestASCII_IsDefinitionComplete(t *testing.T) {
	a := &ASCII{}
	assert.True(t, a.IsDefinitionComplete("flowchart TD\n  A --> B"))
	assert.False(t, a.IsDefinitionComplete("flowchart TD\n  A -->"))
	assert.False(t, a.IsDefinitionComplete("flowchart TD\n"))
}

func TestGraphviz_Render(t *testing.T) {
	g := &Graphviz{}
	var c Canvas
	_, err := g.Render(context.Background(), &c, NewSpec(schema.TextSpec("flowchart LR\n  A[Start] --> B[Done]")), ThemeDark)
	require.NoError(t, err)
	art, _ := c.Last()
	assert.Equal(t, "image/png", art.ContentType)
	assert.True(t, bytes.HasPrefix(art.Data, []byte("\x89PNG")))
	assert.Contains(t, art.Alt, "Start")
}

func TestSource_Render(t *testing.T) {
	var c Canvas
	def := "flowchart TD\n  A[\"broken"
	_, err := Source{}.Render(context.Background(), &c, NewSpec(schema.TextSpec(def)), ThemeLight)
	require.NoError(t, err)
	art, _ := c.Last()
	assert.Equal(t, def, string(art.Data))
	assert.False(t, Source{}.CanHandle(NewSpec(schema.TextSpec(def))))
}

func TestExternal(t *testing.T) {
	requireShell(t)
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	ext, err := NewExternal(ExternalConfig{
		Name:      "upper",
		Priority:  120,
		CanHandle: `spec.family == "sankey" && size(spec.definition) < 1000`,
		Command:   "sh",
		Args:      []string{"-c", "tr a-z A-Z; echo; echo {theme}"},
		TimeoutMs: 5000,
	}, cel, Tool{}, nil)
	require.NoError(t, err)

	spec := NewSpec(schema.TextSpec("sankey-beta\na,b,1"))
	assert.True(t, ext.CanHandle(spec))
	assert.False(t, ext.CanHandle(NewSpec(schema.TextSpec("flowchart TD\n  A"))))

	var c Canvas
	_, err = ext.Render(context.Background(), &c, spec, ThemeDark)
	require.NoError(t, err)
	art, _ := c.Last()
	assert.Equal(t, "SANKEY-BETA\nA,B,1\ndark\n", string(art.Data))
	assert.Equal(t, "text/plain; charset=utf-8", art.ContentType)
}

func TestExternal_InvalidConfig(t *testing.T) {
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	_, err = NewExternal(ExternalConfig{Name: "x"}, cel, Tool{}, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.Kind(err))

	_, err = NewExternal(ExternalConfig{Name: "x", Command: "true", CanHandle: "spec.grammar =="}, cel, Tool{}, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.Kind(err))

	ext, err := NewExternal(ExternalConfig{Name: "x", Command: "true", CanHandle: `spec.grammar + 1`}, cel, Tool{}, nil)
	if err == nil {
		assert.False(t, ext.CanHandle(NewSpec(schema.TextSpec("pie"))))
	}
}

func TestDefault_Selection(t *testing.T) {
	reg, err := Default(Config{
		External: []ExternalConfig{{Name: "sankey-svg", Priority: 150, CanHandle: `spec.family == "sankey"`, Command: "true"}},
	}, newValidator(t), nil)
	require.NoError(t, err)

	cases := map[string]string{
		"flowchart TD\n  A-->B":               MermaidCLIName,
		"sankey-beta\nA,B,1":                  "sankey-svg",
		`{"data":{"values":[]},"mark":"bar"}`: ChartName,
	}
	for def, want := range cases {
		rd, err := reg.Select(NewSpec(schema.TextSpec(def)))
		require.NoError(t, err, def)
		assert.Equal(t, want, rd.Name(), def)
	}

	reg.Unregister(MermaidCLIName)
	rd, err := reg.Select(NewSpec(schema.TextSpec("flowchart TD\n  A-->B")))
	require.NoError(t, err)
	assert.Equal(t, ASCIIName, rd.Name())

	_, err = reg.Select(NewSpec(schema.TextSpec("nonsense\n  x")))
	assert.Equal(t, schema.ErrCodeGrammarUnsupported, schema.Kind(err))
}
