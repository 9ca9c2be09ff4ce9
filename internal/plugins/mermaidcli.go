package plugins

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/pkg/schema"
)

// MermaidCLIName is the name of the mmdc-backed renderer.
const MermaidCLIName = "mermaid-cli"

// MermaidCLIConfig configures the mmdc renderer.
type MermaidCLIConfig struct {
	Command    string   // mmdc binary, default "mmdc"
	ExtraArgs  []string // appended after the builtin flags, e.g. a puppeteer config
	Background string   // default "transparent"
	Tool       Tool
}

// MermaidCLI renders every text grammar mermaid knows to SVG through mmdc.
type MermaidCLI struct {
	cfg MermaidCLIConfig
}

// NewMermaidCLI creates the mmdc renderer.
func NewMermaidCLI(cfg MermaidCLIConfig) *MermaidCLI {
	if cfg.Command == "" {
		cfg.Command = "mmdc"
	}
	if cfg.Background == "" {
		cfg.Background = "transparent"
	}
	return &MermaidCLI{cfg: cfg}
}

func (m *MermaidCLI) Name() string  { return MermaidCLIName }
func (m *MermaidCLI) Priority() int { return 100 }

func (m *MermaidCLI) CanHandle(spec Spec) bool {
	return spec.Shape == ShapeText && grammar.IsKnown(spec.Grammar) && !grammar.IsObject(spec.Grammar)
}

func (m *MermaidCLI) Render(ctx context.Context, mount Mount, spec Spec, theme Theme) (Cleanup, error) {
	dir, err := os.MkdirTemp("", "mermend-mmdc-")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRendererUnavailable, "mermaid-cli: temp dir: %v", err).WithCause(err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "diagram.mmd")
	out := filepath.Join(dir, "diagram.svg")
	if err := os.WriteFile(in, []byte(spec.Definition), 0o600); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRendererUnavailable, "mermaid-cli: write input: %v", err).WithCause(err)
	}

	args := []string{"-i", in, "-o", out, "-t", mmdcTheme(theme), "-b", m.cfg.Background, "-q"}
	args = append(args, m.cfg.ExtraArgs...)
	if _, err := m.cfg.Tool.Run(ctx, MermaidCLIName, m.cfg.Command, args, nil, dir); err != nil {
		return nil, err
	}

	svg, err := os.ReadFile(out)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeParseFailure, "mermaid-cli produced no output").WithCause(err)
	}
	mount.Paint(Artifact{ContentType: "image/svg+xml", Data: svg, Source: spec.Definition})
	return nil, nil
}

func mmdcTheme(t Theme) string {
	if t == ThemeDark {
		return "dark"
	}
	return "default"
}
