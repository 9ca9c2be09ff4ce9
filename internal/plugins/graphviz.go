package plugins

import (
	"context"

	"github.com/rendis/mermend/internal/diagram"
	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/pkg/schema"
)

// GraphvizName is the name of the go-graphviz flowchart renderer.
const GraphvizName = "graphviz"

// Graphviz lays flowcharts out in-process and paints a PNG, with the text
// rendering as alt text.
type Graphviz struct{}

func (g *Graphviz) Name() string  { return GraphvizName }
func (g *Graphviz) Priority() int { return 40 }

func (g *Graphviz) CanHandle(spec Spec) bool {
	return spec.Shape == ShapeText && spec.Family() == grammar.Flowchart
}

func (g *Graphviz) Render(ctx context.Context, mount Mount, spec Spec, theme Theme) (Cleanup, error) {
	model, err := parseFlowchart(spec.Definition)
	if err != nil {
		return nil, err
	}
	palette := diagram.LightPalette
	if theme == ThemeDark {
		palette = diagram.DarkPalette
	}
	png, err := diagram.RenderImage(ctx, model, palette)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeParseFailure, "graphviz layout failed").WithCause(err)
	}
	mount.Paint(Artifact{
		ContentType: "image/png",
		Data:        png,
		Source:      spec.Definition,
		Alt:         diagram.RenderASCII(model),
	})
	return nil, nil
}
