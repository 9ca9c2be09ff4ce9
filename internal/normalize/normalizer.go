// Package normalize resolves stable versus experimental grammar spellings
// against what a parser instance actually accepts.
package normalize

import (
	"context"
	"log/slog"
	"maps"
	"os"
	"sync"

	"github.com/rendis/mermend/internal/grammar"
)

// Normalizer caches probe results per parser identity. Results are computed
// once and shared read-only by every caller.
type Normalizer struct {
	mu     sync.Mutex
	probes map[string]*probe
	logger *slog.Logger
}

type probe struct {
	once      sync.Once
	supported map[grammar.Type]bool
}

// New creates a Normalizer.
func New(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Normalizer{probes: make(map[string]*probe), logger: logger}
}

func (n *Normalizer) supported(ctx context.Context, p Parser) map[grammar.Type]bool {
	id := p.Identity()
	n.mu.Lock()
	pr, ok := n.probes[id]
	if !ok {
		pr = &probe{}
		n.probes[id] = pr
	}
	n.mu.Unlock()

	// The result outlives this caller, so a cancelled request must not
	// leave an empty set behind.
	probeCtx := context.WithoutCancel(ctx)
	pr.once.Do(func() {
		m := make(map[grammar.Type]bool)
		for _, t := range Probeable() {
			if p.TryParse(probeCtx, Fragment(t)) {
				m[t] = true
			}
		}
		pr.supported = m
		n.logger.Info("parser probed",
			slog.String("parser", id),
			slog.Int("supported", len(m)),
		)
	})
	return pr.supported
}

// Supported returns the spellings p accepts. The first call per parser
// identity runs the probes.
func (n *Normalizer) Supported(ctx context.Context, p Parser) map[grammar.Type]bool {
	return maps.Clone(n.supported(ctx, p))
}

// Invalidate drops the cached probe result for a parser identity.
func (n *Normalizer) Invalidate(identity string) {
	n.mu.Lock()
	delete(n.probes, identity)
	n.mu.Unlock()
}

// Normalize returns guess when p accepts it, else its experimental alias
// when p accepts that, else guess unchanged.
func (n *Normalizer) Normalize(ctx context.Context, guess grammar.Type, p Parser) grammar.Type {
	if guess == "" || p == nil || grammar.IsObject(guess) {
		return guess
	}
	supported := n.supported(ctx, p)
	if supported[guess] {
		return guess
	}
	if alt, ok := grammar.Experimental(guess); ok && supported[alt] {
		n.logger.Debug("grammar spelling normalized",
			slog.String("from", string(guess)),
			slog.String("to", string(alt)),
		)
		return alt
	}
	return guess
}

// NormalizeDefinition resolves the grammar of text (hint is used when the
// text has no header yet) and rewrites the header only if the spelling
// changed.
func (n *Normalizer) NormalizeDefinition(ctx context.Context, text string, hint grammar.Type, p Parser) (string, grammar.Type) {
	guess := grammar.Detect(text)
	if guess == "" {
		guess = hint
	}
	resolved := n.Normalize(ctx, guess, p)
	if resolved != guess {
		text = grammar.RewriteHeader(text, resolved)
	}
	return text, resolved
}
