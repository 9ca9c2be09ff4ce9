package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/mermend/internal/expressions"
	"github.com/rendis/mermend/internal/oracle"
	"github.com/rendis/mermend/internal/validation"
	"github.com/rendis/mermend/pkg/schema"
)

// ChartName is the name of the declarative chart renderer.
const ChartName = "chart"

// ChartContentType is the media type the chart renderer paints. Display
// collaborators hand it to a vega-lite runtime.
const ChartContentType = "application/vnd.vegalite+json"

const vegaLiteSchema = "https://vega.github.io/schema/vega-lite/v5.json"

type chartPalette struct {
	background, text, grid string
}

var chartPalettes = map[Theme]chartPalette{
	ThemeLight: {background: "#ffffff", text: "#1f2328", grid: "#d0d7de"},
	ThemeDark:  {background: "#1e1e1e", text: "#d4d4d4", grid: "#3c3c3c"},
}

// Chart validates object-shaped specs and injects theme defaults. User
// supplied config always wins over the injected defaults.
type Chart struct {
	validator *validation.Validator
	jq        *expressions.GoJQEngine
}

// NewChart creates the chart renderer.
func NewChart(v *validation.Validator, jq *expressions.GoJQEngine) *Chart {
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	return &Chart{validator: v, jq: jq}
}

func (c *Chart) Name() string  { return ChartName }
func (c *Chart) Priority() int { return 100 }

func (c *Chart) CanHandle(spec Spec) bool { return spec.Shape == ShapeObject }

// IsDefinitionComplete accepts an object once it parses and validates.
func (c *Chart) IsDefinitionComplete(text string) bool {
	doc, err := oracle.DecodeObject(text)
	if err != nil || doc == nil {
		return false
	}
	return c.validator.Validate(validation.SchemaChart, doc) == nil
}

func (c *Chart) Render(ctx context.Context, mount Mount, spec Spec, theme Theme) (Cleanup, error) {
	doc, err := oracle.DecodeObject(spec.Definition)
	if err != nil || doc == nil {
		return nil, schema.NewError(schema.ErrCodeParseFailure, "chart definition is not a JSON or YAML object").WithCause(err)
	}
	if err := c.validator.Validate(validation.SchemaChart, doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeParseFailure, "invalid chart: %v", err).WithCause(err)
	}

	themed, err := c.jq.Rewrite(ctx, themeProgram(theme), doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransformFailure, "chart theme injection failed").WithCause(err)
	}
	data, err := json.Marshal(themed)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeParseFailure, "chart does not serialize").WithCause(err)
	}
	mount.Paint(Artifact{ContentType: ChartContentType, Data: data, Source: spec.Definition})
	return nil, nil
}

func themeProgram(theme Theme) string {
	p, ok := chartPalettes[theme]
	if !ok {
		p = chartPalettes[ThemeLight]
	}
	return fmt.Sprintf(`.["$schema"] //= %q
| .config.background //= %q
| .config.title.color //= %q
| .config.axis.labelColor //= %q
| .config.axis.titleColor //= %q
| .config.axis.gridColor //= %q
| .config.legend.labelColor //= %q
| .config.legend.titleColor //= %q`,
		vegaLiteSchema, p.background, p.text, p.text, p.text, p.grid, p.text, p.text)
}
