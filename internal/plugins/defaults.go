package plugins

import (
	"log/slog"

	"github.com/rendis/mermend/internal/expressions"
	"github.com/rendis/mermend/internal/validation"
)

// Config selects and configures the builtin renderers.
type Config struct {
	MermaidCLI      MermaidCLIConfig
	ASCIIBinDir     string
	DisableGraphviz bool
	External        []ExternalConfig
	Tool            Tool
}

// Default builds the registry with every builtin renderer and the
// configured external ones.
func Default(cfg Config, v *validation.Validator, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry(logger)

	if cfg.MermaidCLI.Tool.Isolator == nil {
		cfg.MermaidCLI.Tool = cfg.Tool
	}
	builtins := []Renderer{
		NewMermaidCLI(cfg.MermaidCLI),
		NewChart(v, expressions.NewGoJQEngine()),
		&ASCII{BinDir: cfg.ASCIIBinDir},
		Source{},
	}
	if !cfg.DisableGraphviz {
		builtins = append(builtins, &Graphviz{})
	}
	for _, r := range builtins {
		if err := reg.Register(r); err != nil {
			return nil, err
		}
	}

	if len(cfg.External) == 0 {
		return reg, nil
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	for _, ec := range cfg.External {
		ext, err := NewExternal(ec, cel, cfg.Tool, logger)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(ext); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
