package plugins

import (
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/rendis/mermend/pkg/schema"
)

// Registry is the thread-safe set of renderer plugins.
type Registry struct {
	mu        sync.RWMutex
	renderers map[string]Renderer
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Registry{
		renderers: make(map[string]Renderer),
		logger:    logger,
	}
}

// Register adds a renderer. Returns error on duplicate name.
func (r *Registry) Register(renderer Renderer) error {
	if renderer == nil {
		return schema.NewError(schema.ErrCodeValidation, "renderer is nil")
	}
	name := renderer.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "renderer name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.renderers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "renderer %q already registered", name)
	}
	r.renderers[name] = renderer
	return nil
}

// Unregister removes a renderer by name and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.renderers[name]
	delete(r.renderers, name)
	return ok
}

// Get retrieves a renderer by name.
func (r *Registry) Get(name string) (Renderer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	renderer, ok := r.renderers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "renderer %q not registered", name)
	}
	return renderer, nil
}

// List returns all registered renderers, highest priority first.
func (r *Registry) List() []Info {
	ordered := r.snapshot()
	infos := make([]Info, len(ordered))
	for i, rd := range ordered {
		infos[i] = Info{Name: rd.Name(), Priority: rd.Priority()}
	}
	return infos
}

// Select picks the renderer for spec. A registered explicit renderer name
// wins; otherwise the highest-priority renderer whose CanHandle accepts the
// spec, ties broken by name.
func (r *Registry) Select(spec Spec) (Renderer, error) {
	if spec.Renderer != "" {
		if rd, err := r.Get(spec.Renderer); err == nil {
			return rd, nil
		}
		r.logger.Warn("explicit renderer not registered, falling back to capability selection",
			slog.String("renderer", spec.Renderer))
	}

	for _, rd := range r.snapshot() {
		if r.canHandle(rd, spec) {
			return rd, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeGrammarUnsupported,
		"no compatible renderer for grammar %q", spec.Grammar).
		WithDetails(map[string]any{"grammar": string(spec.Grammar), "shape": string(spec.Shape)})
}

func (r *Registry) snapshot() []Renderer {
	r.mu.RLock()
	out := make([]Renderer, 0, len(r.renderers))
	for _, rd := range r.renderers {
		out = append(out, rd)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// canHandle treats a panicking predicate as a refusal.
func (r *Registry) canHandle(rd Renderer, spec Spec) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("renderer capability predicate panicked",
				slog.String("renderer", rd.Name()), slog.Any("panic", p))
			ok = false
		}
	}()
	return rd.CanHandle(spec)
}
