// Package preprocess holds the ordered chain of text corrections applied to a
// diagram definition before it reaches a renderer.
package preprocess

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/pkg/schema"
)

// DefaultPriority is used when Options.Priority is nil.
const DefaultPriority = 10

// Priority returns a pointer for Options.Priority. Zero is a valid priority.
func Priority(n int) *int { return &n }

// Priority bands. Character cleanup and structural fixes run first,
// generic cleanups last.
const (
	BandStructuralMin = 600
	BandStructuralMax = 800
	BandSyntaxMin     = 100
	BandSyntaxMax     = 550
	BandGenericMax    = 100
)

// Transform rewrites a definition for grammar g. It must be deterministic.
type Transform func(text string, g grammar.Type) (string, error)

// Options configures a registration.
type Options struct {
	Name     string
	Priority *int
	Grammars []grammar.Type
}

// RuleInfo describes a registered rule.
type RuleInfo struct {
	Name     string         `json:"name"`
	Priority int            `json:"priority"`
	Grammars []grammar.Type `json:"grammars"`
}

// Step is one entry of a RunTrace result.
type Step struct {
	Name    string `json:"name"`
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

type rule struct {
	RuleInfo
	seq      uint64
	fn       Transform
	grammars map[grammar.Type]struct{}
}

func (r *rule) appliesTo(g grammar.Type) bool {
	if _, ok := r.grammars[grammar.Wildcard]; ok {
		return true
	}
	if _, ok := r.grammars[g]; ok {
		return true
	}
	_, ok := r.grammars[grammar.Family(g)]
	return ok
}

// FailureFunc observes a transform that errored or panicked.
type FailureFunc func(name string, g grammar.Type, err error)

// Registry is a thread-safe, priority-ordered set of transforms.
// The ordered slice is replaced on every mutation, so a Run holding an old
// slice keeps iterating a consistent snapshot.
type Registry struct {
	mu        sync.RWMutex
	ordered   []*rule
	seq       uint64
	logger    *slog.Logger
	onFailure FailureFunc
}

// NewRegistry creates an empty Registry. A nil logger logs to stderr.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Registry{logger: logger}
}

// OnFailure installs an observer for transform failures.
func (r *Registry) OnFailure(fn FailureFunc) {
	r.mu.Lock()
	r.onFailure = fn
	r.mu.Unlock()
}

// Register adds a transform and returns a function that removes it.
// Names must be unique; an empty name is generated.
func (r *Registry) Register(fn Transform, opts Options) (func(), error) {
	if fn == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform is nil")
	}
	priority := DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	if len(opts.Grammars) == 0 {
		opts.Grammars = []grammar.Type{grammar.Wildcard}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("transform-%d", r.seq)
	}
	for _, existing := range r.ordered {
		if existing.Name == opts.Name {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "preprocessor %q already registered", opts.Name)
		}
	}

	rl := &rule{
		RuleInfo: RuleInfo{Name: opts.Name, Priority: priority, Grammars: slices.Clone(opts.Grammars)},
		seq:      r.seq,
		fn:       fn,
		grammars: make(map[grammar.Type]struct{}, len(opts.Grammars)),
	}
	for _, g := range opts.Grammars {
		rl.grammars[g] = struct{}{}
	}

	next := make([]*rule, 0, len(r.ordered)+1)
	next = append(next, r.ordered...)
	next = append(next, rl)
	slices.SortStableFunc(next, func(a, b *rule) int {
		if a.Priority != b.Priority {
			return cmp.Compare(b.Priority, a.Priority)
		}
		return cmp.Compare(a.seq, b.seq)
	})
	r.ordered = next

	var once sync.Once
	return func() { once.Do(func() { r.remove(rl) }) }, nil
}

func (r *Registry) remove(target *rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]*rule, 0, len(r.ordered))
	for _, rl := range r.ordered {
		if rl != target {
			next = append(next, rl)
		}
	}
	r.ordered = next
}

// List returns the registered rules in execution order.
func (r *Registry) List() []RuleInfo {
	snapshot := r.snapshot()
	infos := make([]RuleInfo, 0, len(snapshot))
	for _, rl := range snapshot {
		infos = append(infos, rl.RuleInfo)
	}
	return infos
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	return len(r.snapshot())
}

func (r *Registry) snapshot() []*rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ordered
}

// Run chains every applicable transform over text. A failing transform is
// logged and skipped; the text it received is passed on unchanged.
func (r *Registry) Run(ctx context.Context, text string, g grammar.Type) string {
	out, _ := r.run(ctx, text, g, false)
	return out
}

// RunTrace is Run plus a record of which rules changed the text.
func (r *Registry) RunTrace(ctx context.Context, text string, g grammar.Type) (string, []Step) {
	return r.run(ctx, text, g, true)
}

func (r *Registry) run(ctx context.Context, text string, g grammar.Type, trace bool) (string, []Step) {
	snapshot := r.snapshot()
	r.mu.RLock()
	onFailure := r.onFailure
	r.mu.RUnlock()

	var steps []Step
	for _, rl := range snapshot {
		if ctx.Err() != nil {
			break
		}
		if !rl.appliesTo(g) {
			continue
		}
		out, err := r.apply(rl, text, g)
		if err != nil {
			r.logger.WarnContext(ctx, "preprocessor skipped",
				"code", schema.ErrCodeTransformFailure,
				"preprocessor", rl.Name,
				"grammar", string(g),
				"error", err,
			)
			if onFailure != nil {
				onFailure(rl.Name, g, err)
			}
			if trace {
				steps = append(steps, Step{Name: rl.Name, Error: err.Error()})
			}
			continue
		}
		if trace {
			steps = append(steps, Step{Name: rl.Name, Changed: out != text})
		}
		text = out
	}
	return text, steps
}

func (r *Registry) apply(rl *rule, text string, g grammar.Type) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = schema.NewErrorf(schema.ErrCodeTransformFailure, "preprocessor %q panicked: %v", rl.Name, p)
		}
	}()
	out, err = rl.fn(text, g)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTransformFailure, "preprocessor %q: %v", rl.Name, err).WithCause(err)
	}
	return out, nil
}
