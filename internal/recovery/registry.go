// Package recovery turns renderer failures into a visible fallback. Handlers
// are tried in priority order and the first one that reports the error as
// handled stops the chain.
package recovery

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/internal/plugins"
	"github.com/rendis/mermend/pkg/schema"
)

// AnyKind matches every error kind.
const AnyKind = "*"

// DefaultPriority is used when Handler.Priority is nil.
const DefaultPriority = 10

// Priority returns a pointer for Handler.Priority. Zero is a valid priority.
func Priority(n int) *int { return &n }

// Context is what a handler may inspect and paint into.
type Context struct {
	Definition string // as submitted
	Processed  string // after normalization and preprocessing
	Grammar    grammar.Type
	Renderer   string
	Theme      plugins.Theme
	Mount      plugins.Mount
}

// Paint paints into the mount when one is present.
func (c *Context) Paint(a plugins.Artifact) {
	if c != nil && c.Mount != nil {
		c.Mount.Paint(a)
	}
}

// HandleFunc reports whether it handled err.
type HandleFunc func(err error, rc *Context) bool

// Handler is one recovery strategy.
type Handler struct {
	Name     string
	Priority *int
	Kinds    []string
	Handle   HandleFunc
}

// HandlerInfo describes a registered handler.
type HandlerInfo struct {
	Name     string   `json:"name"`
	Priority int      `json:"priority"`
	Kinds    []string `json:"kinds"`
}

type entry struct {
	Handler
	priority int
	seq      uint64
	kinds    map[string]struct{}
}

func (e *entry) appliesTo(kind string) bool {
	if _, ok := e.kinds[AnyKind]; ok {
		return true
	}
	_, ok := e.kinds[kind]
	return ok
}

// Registry is a thread-safe, priority-ordered set of handlers. Dispatch
// iterates the slice current at its start, so concurrent registration never
// disturbs a dispatch in progress.
type Registry struct {
	mu      sync.RWMutex
	ordered []*entry
	seq     uint64
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry. A nil logger logs to stderr.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Registry{logger: logger}
}

// Register adds h and returns a function that removes it.
func (r *Registry) Register(h Handler) (func(), error) {
	if h.Handle == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "recovery handler func is nil")
	}
	priority := DefaultPriority
	if h.Priority != nil {
		priority = *h.Priority
	}
	if len(h.Kinds) == 0 {
		h.Kinds = []string{AnyKind}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	if h.Name == "" {
		h.Name = fmt.Sprintf("handler-%d", r.seq)
	}
	for _, existing := range r.ordered {
		if existing.Name == h.Name {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "recovery handler %q already registered", h.Name)
		}
	}

	e := &entry{Handler: h, priority: priority, seq: r.seq, kinds: make(map[string]struct{}, len(h.Kinds))}
	e.Kinds = slices.Clone(h.Kinds)
	for _, k := range h.Kinds {
		e.kinds[k] = struct{}{}
	}

	next := append(slices.Clone(r.ordered), e)
	slices.SortStableFunc(next, func(a, b *entry) int {
		if a.priority != b.priority {
			return cmp.Compare(b.priority, a.priority)
		}
		return cmp.Compare(a.seq, b.seq)
	})
	r.ordered = next

	var once sync.Once
	return func() { once.Do(func() { r.remove(e) }) }, nil
}

func (r *Registry) remove(target *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ordered = slices.DeleteFunc(slices.Clone(r.ordered), func(e *entry) bool { return e == target })
}

// List returns the handlers in dispatch order.
func (r *Registry) List() []HandlerInfo {
	snapshot := r.snapshot()
	infos := make([]HandlerInfo, 0, len(snapshot))
	for _, e := range snapshot {
		infos = append(infos, HandlerInfo{Name: e.Name, Priority: e.priority, Kinds: e.Kinds})
	}
	return infos
}

func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ordered
}

// Dispatch offers err to every applicable handler in order and returns the
// name of the one that handled it.
func (r *Registry) Dispatch(ctx context.Context, err error, rc *Context) (string, bool) {
	if err == nil {
		return "", false
	}
	if rc == nil {
		rc = &Context{}
	}
	kind := schema.Kind(err)
	for _, e := range r.snapshot() {
		if !e.appliesTo(kind) {
			continue
		}
		if r.call(ctx, e, err, rc) {
			return e.Name, true
		}
	}
	return "", false
}

func (r *Registry) call(ctx context.Context, e *entry, err error, rc *Context) (handled bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "recovery handler panicked",
				"handler", e.Name,
				"kind", schema.Kind(err),
				"panic", fmt.Sprint(p),
			)
			handled = false
		}
	}()
	return e.Handle(err, rc)
}
