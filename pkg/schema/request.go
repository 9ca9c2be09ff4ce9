package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RawSpec is the diagram payload of a request. On the wire it is either a
// plain JSON string (the definition) or an object with a definition and an
// optional type discriminator.
type RawSpec struct {
	Definition string `json:"definition"`
	Type       string `json:"type,omitempty"`
	Renderer   string `json:"renderer,omitempty"`
}

// UnmarshalJSON accepts both the string and the object form.
func (r *RawSpec) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*r = RawSpec{}
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode spec string: %w", err)
		}
		*r = RawSpec{Definition: s}
		return nil
	}

	type plain RawSpec
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return fmt.Errorf("decode spec object: %w", err)
	}
	*r = RawSpec(p)
	return nil
}

// TextSpec wraps a plain definition string.
func TextSpec(definition string) RawSpec {
	return RawSpec{Definition: definition}
}

// DiagramRequest is one streaming update submitted to a render session.
// IsStreaming && !IsBlockClosed means the completeness gate applies unless
// ForceRender is set.
type DiagramRequest struct {
	Spec          RawSpec `json:"spec"`
	IsStreaming   bool    `json:"is_streaming"`
	IsBlockClosed bool    `json:"is_block_closed"`
	ForceRender   bool    `json:"force_render"`
}

// Gated reports whether the request is subject to the completeness gate.
func (r DiagramRequest) Gated() bool {
	return r.IsStreaming && !r.IsBlockClosed && !r.ForceRender
}
