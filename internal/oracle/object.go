package oracle

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/itchyny/gojq"
	"gopkg.in/yaml.v3"
)

// objectProbe finds one content field and one presentation field anywhere
// in the document.
const objectProbe = `[
  any(.. | objects; has("data") or has("datasets") or has("values")),
  any(.. | objects; has("mark") or has("encoding") or has("layer"))
]`

var objectCode = func() *gojq.Code {
	q, err := gojq.Parse(objectProbe)
	if err != nil {
		panic(err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		panic(err)
	}
	return code
}()

// DecodeObject parses a declarative object definition as JSON, or as YAML
// when it does not start with '{'.
func DecodeObject(text string) (map[string]any, error) {
	var doc map[string]any
	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func checkObject(text string) Verdict {
	doc, err := DecodeObject(text)
	if err != nil || doc == nil {
		return incomplete("object does not parse")
	}
	v, ok := objectCode.RunWithContext(context.Background(), normalizeYAML(doc)).Next()
	if !ok {
		return incomplete("object probe produced no result")
	}
	flags, ok := v.([]any)
	if !ok || len(flags) != 2 {
		return incomplete("object probe failed")
	}
	if flags[0] != true {
		return incomplete("no content field")
	}
	if flags[1] != true {
		return incomplete("no presentation field")
	}
	return complete
}

// normalizeYAML converts values gojq cannot walk (map[any]any keys and
// timestamps from YAML documents) into plain JSON shapes.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if ks, ok := k.(string); ok {
				out[ks] = normalizeYAML(val)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return v
	}
}
