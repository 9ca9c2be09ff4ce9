// Package plugins defines the renderer plugin contract, the registry that
// selects a renderer for a spec, and the builtin renderers.
package plugins

import (
	"context"
	"sync"

	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/pkg/schema"
)

// Shape is the closed set of spec shapes renderers dispatch on.
type Shape string

const (
	ShapeText   Shape = "text"
	ShapeObject Shape = "object"
)

// Spec is a resolved diagram spec as seen by renderers.
type Spec struct {
	Shape      Shape
	Grammar    grammar.Type
	Definition string
	Renderer   string
}

// NewSpec resolves the shape and grammar of a raw spec. An explicit type
// wins over the grammar sniffed from the definition.
func NewSpec(raw schema.RawSpec) Spec {
	g := grammar.Type(raw.Type)
	if g == "" {
		g = grammar.Detect(raw.Definition)
	}
	s := Spec{Shape: ShapeText, Grammar: g, Definition: raw.Definition, Renderer: raw.Renderer}
	if grammar.IsObject(g) {
		s.Shape = ShapeObject
	}
	return s
}

// Family is the grammar family of the spec.
func (s Spec) Family() grammar.Type { return grammar.Family(s.Grammar) }

// Theme is the presentation mode passed through to renderers.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// ThemeFor maps the dark flag to a Theme.
func ThemeFor(dark bool) Theme {
	if dark {
		return ThemeDark
	}
	return ThemeLight
}

// Artifact is the visible output a renderer paints.
type Artifact struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
	Source      string `json:"source,omitempty"`
	Alt         string `json:"alt,omitempty"`
}

// Mount is the opaque drawable surface renderers and recovery handlers
// paint into.
type Mount interface {
	Paint(a Artifact)
}

// MountFunc adapts a function to Mount.
type MountFunc func(a Artifact)

func (f MountFunc) Paint(a Artifact) { f(a) }

// Canvas is a Mount that records what was painted.
type Canvas struct {
	mu      sync.Mutex
	painted []Artifact
}

func (c *Canvas) Paint(a Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.painted = append(c.painted, a)
}

// Last returns the most recent artifact.
func (c *Canvas) Last() (Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.painted) == 0 {
		return Artifact{}, false
	}
	return c.painted[len(c.painted)-1], true
}

// Len returns the number of paints so far.
func (c *Canvas) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.painted)
}

// Cleanup releases resources held by a rendered artifact. It may be nil.
type Cleanup func()

// Renderer is a renderer plugin.
type Renderer interface {
	Name() string
	Priority() int
	CanHandle(spec Spec) bool
	Render(ctx context.Context, mount Mount, spec Spec, theme Theme) (Cleanup, error)
}

// CompletenessChecker is implemented by renderers that know better than
// the generic completeness oracle when a definition is ready.
type CompletenessChecker interface {
	IsDefinitionComplete(text string) bool
}

// Info describes a registered renderer.
type Info struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}
