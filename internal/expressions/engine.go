// Package expressions hosts the expression languages used by configuration:
// CEL for renderer predicates, expr for recovery rules, and jq for object
// spec rewrites.
package expressions

import "context"

// Engine evaluates an expression against a data environment.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Bool evaluates expression and requires a boolean result.
func Bool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, errNotBool(e.Name(), expression, out)
	}
	return b, nil
}
