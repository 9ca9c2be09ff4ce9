package plugins

import (
	"context"
	"errors"

	"github.com/rendis/mermend/internal/diagram"
	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/internal/oracle"
	"github.com/rendis/mermend/pkg/schema"
)

// ASCIIName is the name of the text-mode flowchart renderer.
const ASCIIName = "mermaid-ascii"

// ASCII renders flowcharts as box drawings, through the mermaid-ascii
// binary in BinDir when present and the builtin layout otherwise.
type ASCII struct {
	BinDir string
}

func (a *ASCII) Name() string  { return ASCIIName }
func (a *ASCII) Priority() int { return 50 }

func (a *ASCII) CanHandle(spec Spec) bool {
	return spec.Shape == ShapeText && spec.Family() == grammar.Flowchart
}

// IsDefinitionComplete requires both the oracle and the flowchart parser
// to accept the text.
func (a *ASCII) IsDefinitionComplete(text string) bool {
	if !oracle.IsComplete(text, grammar.Flowchart) {
		return false
	}
	_, err := diagram.ParseFlowchart(text)
	return err == nil
}

func (a *ASCII) Render(ctx context.Context, mount Mount, spec Spec, _ Theme) (Cleanup, error) {
	model, err := parseFlowchart(spec.Definition)
	if err != nil {
		return nil, err
	}
	out := diagram.RenderASCIIAuto(ctx, model, a.BinDir)
	mount.Paint(Artifact{ContentType: "text/plain; charset=utf-8", Data: []byte(out), Source: spec.Definition})
	return nil, nil
}

// parseFlowchart maps parser errors to PARSE_FAILURE with the line number
// in the details.
func parseFlowchart(text string) (*diagram.DiagramModel, error) {
	model, err := diagram.ParseFlowchart(text)
	if err == nil {
		return model, nil
	}
	de := schema.NewError(schema.ErrCodeParseFailure, err.Error()).WithCause(err)
	var pe *diagram.ParseError
	if errors.As(err, &pe) {
		de.WithDetails(map[string]any{"line": pe.Line})
	}
	return nil, de
}
