package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/mermend/pkg/schema"
)

// Builtin handler priorities.
const (
	PriorityUnsupportedGrammar  = 300
	PrioritySyntaxLocation      = 200
	PriorityRendererUnavailable = 150
	PriorityDefaultFallback     = math.MinInt32
)

var lineRef = regexp.MustCompile(`(?i)\bline (\d+)`)

// Default builds the registry with the builtin handlers and the configured
// expression rules.
func Default(rules []Rule, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry(logger)
	builtins := []Handler{
		{Name: "unsupported-grammar", Priority: Priority(PriorityUnsupportedGrammar), Kinds: []string{schema.ErrCodeGrammarUnsupported}, Handle: unsupportedGrammar},
		{Name: "syntax-location", Priority: Priority(PrioritySyntaxLocation), Kinds: []string{schema.ErrCodeParseFailure}, Handle: syntaxLocation},
		{Name: "renderer-unavailable", Priority: Priority(PriorityRendererUnavailable), Kinds: []string{schema.ErrCodeRendererUnavailable, schema.ErrCodeCircuitOpen, schema.ErrCodeTimeout}, Handle: rendererUnavailable},
		{Name: "default-fallback", Priority: Priority(PriorityDefaultFallback), Kinds: []string{AnyKind}, Handle: DefaultFallback},
	}
	for _, h := range builtins {
		if _, err := reg.Register(h); err != nil {
			return nil, err
		}
	}
	if len(rules) > 0 {
		handlers, err := RuleHandlers(rules, nil)
		if err != nil {
			return nil, err
		}
		for _, h := range handlers {
			if _, err := reg.Register(h); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}

func message(err error) string {
	var de *schema.DiagramError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

func source(rc *Context) string {
	if rc.Definition != "" {
		return rc.Definition
	}
	return rc.Processed
}

func unsupportedGrammar(err error, rc *Context) bool {
	title := "No compatible renderer"
	if rc.Grammar != "" {
		title = fmt.Sprintf("No compatible renderer for %q", rc.Grammar)
	}
	rc.Paint(Panel{
		Title:   title,
		Message: "This diagram type is not supported. Showing the source instead.",
		Source:  source(rc),
		Kind:    schema.Kind(err),
		Theme:   rc.Theme,
	}.Artifact())
	return true
}

// syntaxLocation handles parse failures that name a line of the text the
// renderer saw, and highlights that line. The submitted text is shown too
// when preprocessing changed it.
func syntaxLocation(err error, rc *Context) bool {
	line := errorLine(err)
	text := rc.Processed
	if text == "" {
		text = rc.Definition
	}
	if line <= 0 || line > strings.Count(text, "\n")+1 {
		return false
	}
	p := Panel{
		Title:   fmt.Sprintf("Syntax error on line %d", line),
		Message: message(err),
		Source:  text,
		Mark:    line,
		Kind:    schema.Kind(err),
		Theme:   rc.Theme,
	}
	if rc.Definition != "" && rc.Definition != text {
		p.Original = rc.Definition
	}
	rc.Paint(p.Artifact())
	return true
}

func errorLine(err error) int {
	var de *schema.DiagramError
	if errors.As(err, &de) {
		if n, ok := de.Details["line"].(int); ok {
			return n
		}
	}
	if m := lineRef.FindStringSubmatch(err.Error()); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

func rendererUnavailable(err error, rc *Context) bool {
	name := rc.Renderer
	if name == "" {
		name = "renderer"
	}
	title := fmt.Sprintf("%s is unavailable", name)
	if schema.Kind(err) == schema.ErrCodeTimeout {
		title = fmt.Sprintf("%s timed out", name)
	}
	rc.Paint(Panel{
		Title:   title,
		Message: "Retry to render again. Showing the source meanwhile.",
		Source:  source(rc),
		Kind:    schema.Kind(err),
		Theme:   rc.Theme,
	}.Artifact())
	return true
}

// DefaultFallback paints the generic error panel with the original source.
// It always reports the error as handled.
func DefaultFallback(err error, rc *Context) (handled bool) {
	defer func() {
		if recover() != nil {
			handled = true
		}
	}()
	rc.Paint(FallbackPanel(err, rc).Artifact())
	return true
}

// FallbackPanel is the panel DefaultFallback paints.
func FallbackPanel(err error, rc *Context) Panel {
	msg := "unknown error"
	if err != nil {
		msg = message(err)
	}
	return Panel{
		Title:   "Unable to render diagram",
		Message: msg,
		Source:  source(rc),
		Kind:    schema.Kind(err),
		Theme:   rc.Theme,
	}
}
