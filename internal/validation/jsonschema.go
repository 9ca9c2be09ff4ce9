// Package validation checks JSON documents (chart specs and API request
// bodies) against embedded JSON Schema Draft 2020-12 documents.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/mermend/pkg/schema"
)

// Validator holds the compiled builtin schemas. It is safe for concurrent use.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every builtin schema.
func New() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(builtinSchemas))}
	for name, src := range builtinSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
		}
		url := schemaBase + name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		v.schemas[name] = compiled
	}
	return v, nil
}

// Validate checks a Go value (maps, slices, scalars or structs) against
// the named schema.
func (v *Validator) Validate(name string, value any) error {
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}
	return v.validate(name, doc)
}

// ValidateJSON checks raw JSON bytes against the named schema.
func (v *Validator) ValidateJSON(name string, data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid JSON").WithCause(err)
	}
	return v.validate(name, doc)
}

func (v *Validator) validate(name string, doc any) error {
	s, ok := v.schemas[name]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown schema %q", name)
	}
	if err := s.Validate(doc); err != nil {
		return toDiagramError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toDiagramError converts a jsonschema.ValidationError into a DiagramError
// listing every violation with its instance location.
func toDiagramError(err error) *schema.DiagramError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
