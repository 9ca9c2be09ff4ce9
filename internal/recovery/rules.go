package recovery

import (
	"context"

	"github.com/rendis/mermend/internal/expressions"
	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/pkg/schema"
)

// Rule is a configured recovery handler. When is an expr-lang predicate
// over kind, message, grammar, family, renderer and definition.
type Rule struct {
	Name     string `json:"name"`
	Priority *int   `json:"priority,omitempty"`
	When     string `json:"when"`
	Title    string `json:"title"`
	Message  string `json:"message,omitempty"`
}

// RuleHandlers compiles rules into handlers. A nil engine gets a fresh one.
func RuleHandlers(rules []Rule, engine *expressions.ExprEngine) ([]Handler, error) {
	if engine == nil {
		engine = expressions.NewExprEngine()
	}
	handlers := make([]Handler, 0, len(rules))
	for _, rule := range rules {
		if rule.Name == "" || rule.When == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "recovery rule needs a name and a when expression")
		}
		if rule.Title == "" {
			rule.Title = "Unable to render diagram"
		}
		if err := engine.Compile(rule.When); err != nil {
			return nil, err
		}
		handlers = append(handlers, Handler{
			Name:     rule.Name,
			Priority: rule.Priority,
			Kinds:    []string{AnyKind},
			Handle:   ruleHandle(rule, engine),
		})
	}
	return handlers, nil
}

func ruleHandle(rule Rule, engine *expressions.ExprEngine) HandleFunc {
	return func(err error, rc *Context) bool {
		ok, evalErr := expressions.Bool(context.Background(), engine, rule.When, ruleEnv(err, rc))
		if evalErr != nil || !ok {
			return false
		}
		msg := rule.Message
		if msg == "" {
			msg = message(err)
		}
		rc.Paint(Panel{
			Title:   rule.Title,
			Message: msg,
			Source:  source(rc),
			Kind:    schema.Kind(err),
			Theme:   rc.Theme,
		}.Artifact())
		return true
	}
}

func ruleEnv(err error, rc *Context) map[string]any {
	return map[string]any{
		"kind":       schema.Kind(err),
		"message":    message(err),
		"grammar":    string(rc.Grammar),
		"family":     string(grammar.Family(rc.Grammar)),
		"renderer":   rc.Renderer,
		"definition": rc.Definition,
	}
}
