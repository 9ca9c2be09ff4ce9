package plugins

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rendis/mermend/internal/expressions"
	"github.com/rendis/mermend/pkg/schema"
)

// ExternalConfig declares a renderer backed by an arbitrary command. The
// definition is written to the command's stdin and its stdout becomes the
// artifact. "{theme}" in Args is replaced by "light" or "dark".
type ExternalConfig struct {
	Name        string   `json:"name"`
	Priority    int      `json:"priority"`
	CanHandle   string   `json:"can_handle"` // CEL over spec.{grammar,family,shape,definition}
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	TimeoutMs   int      `json:"timeout_ms,omitempty"`
}

// External is a configured command renderer.
type External struct {
	cfg    ExternalConfig
	cel    *expressions.CELEngine
	tool   Tool
	logger *slog.Logger
}

// NewExternal validates cfg and precompiles its predicate.
func NewExternal(cfg ExternalConfig, cel *expressions.CELEngine, tool Tool, logger *slog.Logger) (*External, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "external renderer needs a name and a command")
	}
	if cfg.CanHandle == "" {
		cfg.CanHandle = "false"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/plain; charset=utf-8"
	}
	if cfg.TimeoutMs > 0 {
		tool.Limits.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	if err := cel.Compile(cfg.CanHandle); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &External{cfg: cfg, cel: cel, tool: tool, logger: logger}, nil
}

func (e *External) Name() string  { return e.cfg.Name }
func (e *External) Priority() int { return e.cfg.Priority }

// CanHandle evaluates the configured predicate. Evaluation errors count as
// a refusal.
func (e *External) CanHandle(spec Spec) bool {
	ok, err := expressions.Bool(context.Background(), e.cel, e.cfg.CanHandle, map[string]any{
		"spec": map[string]any{
			"grammar":    string(spec.Grammar),
			"family":     string(spec.Family()),
			"shape":      string(spec.Shape),
			"definition": spec.Definition,
			"renderer":   spec.Renderer,
		},
	})
	if err != nil {
		e.logger.Warn("external renderer predicate failed",
			slog.String("renderer", e.cfg.Name), slog.String("error", err.Error()))
		return false
	}
	return ok
}

func (e *External) Render(ctx context.Context, mount Mount, spec Spec, theme Theme) (Cleanup, error) {
	args := make([]string, len(e.cfg.Args))
	for i, a := range e.cfg.Args {
		args[i] = strings.ReplaceAll(a, "{theme}", string(theme))
	}
	out, err := e.tool.Run(ctx, e.cfg.Name, e.cfg.Command, args, strings.NewReader(spec.Definition), "")
	if err != nil {
		return nil, err
	}
	mount.Paint(Artifact{ContentType: e.cfg.ContentType, Data: out, Source: spec.Definition})
	return nil, nil
}
