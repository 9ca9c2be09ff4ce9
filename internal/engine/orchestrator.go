package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/internal/metrics"
	"github.com/rendis/mermend/internal/normalize"
	"github.com/rendis/mermend/internal/oracle"
	"github.com/rendis/mermend/internal/plugins"
	"github.com/rendis/mermend/internal/preprocess"
	"github.com/rendis/mermend/internal/recovery"
	"github.com/rendis/mermend/internal/store"
	"github.com/rendis/mermend/internal/streaming"
	"github.com/rendis/mermend/pkg/schema"
)

// DefaultPoolSize is the default number of concurrent renders.
const DefaultPoolSize = 4

// Config holds orchestrator tuning.
type Config struct {
	PoolSize              int                  `json:"pool_size"`
	ThemeDebounce         time.Duration        `json:"theme_debounce"`
	LowPowerThemeDebounce time.Duration        `json:"low_power_theme_debounce"`
	Retry                 RetryPolicy          `json:"retry"`
	CircuitBreaker        CircuitBreakerConfig `json:"circuit_breaker"`
	DisableCache          bool                 `json:"disable_cache"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		PoolSize:              DefaultPoolSize,
		ThemeDebounce:         150 * time.Millisecond,
		LowPowerThemeDebounce: 400 * time.Millisecond,
		Retry:                 DefaultRetryPolicy(),
		CircuitBreaker:        DefaultCircuitBreakerConfig(),
	}
}

// Deps are the collaborators of an Orchestrator. Renderers is required;
// every other field has a usable default or may stay nil.
type Deps struct {
	Renderers     *plugins.Registry
	Preprocessors *preprocess.Registry
	Normalizer    *normalize.Normalizer
	Parser        normalize.Parser
	Recovery      *recovery.Registry
	Store         store.Store
	Hub           streaming.EventHub
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Orchestrator owns the process-wide registries and the sessions mounted
// against them.
type Orchestrator struct {
	cfg           Config
	renderers     *plugins.Registry
	preprocessors *preprocess.Registry
	normalizer    *normalize.Normalizer
	parser        normalize.Parser
	recovery      *recovery.Registry
	store         store.Store
	hub           streaming.EventHub
	metrics       *metrics.Metrics
	logger        *slog.Logger
	fsm           *SessionFSM
	pool          *WorkerPool
	breakers      *CircuitBreakerRegistry

	// mu guards sessions.
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Renderers == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "renderer registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.LowPowerThemeDebounce < cfg.ThemeDebounce {
		cfg.LowPowerThemeDebounce = cfg.ThemeDebounce
	}

	o := &Orchestrator{
		cfg:           cfg,
		renderers:     deps.Renderers,
		preprocessors: deps.Preprocessors,
		normalizer:    deps.Normalizer,
		parser:        deps.Parser,
		recovery:      deps.Recovery,
		store:         deps.Store,
		hub:           deps.Hub,
		metrics:       deps.Metrics,
		logger:        logger,
		breakers:      NewCircuitBreakerRegistry(cfg.CircuitBreaker),
		sessions:      make(map[string]*Session),
	}

	if o.preprocessors == nil {
		o.preprocessors = preprocess.Default(logger)
	}
	if o.normalizer == nil {
		o.normalizer = normalize.New(logger)
	}
	if o.parser == nil {
		o.parser = normalize.NewStaticParser("builtin", normalize.DefaultAccepted())
	}
	if o.recovery == nil {
		reg, err := recovery.Default(nil, logger)
		if err != nil {
			return nil, fmt.Errorf("default recovery handlers: %w", err)
		}
		o.recovery = reg
	}
	o.preprocessors.OnFailure(func(name string, g grammar.Type, _ error) {
		o.metrics.TransformFailed(name, string(g))
	})

	var appender EventAppender
	if o.store != nil {
		appender = o.store
	}
	o.fsm = NewSessionFSM(appender)
	o.pool = NewWorkerPool(cfg.PoolSize,
		WithPanicHandler(func(p any) {
			logger.Error("render job panicked", slog.Any("panic", p))
		}),
		WithActivityHook(o.metrics.PoolDelta),
	)
	return o, nil
}

// SessionOptions configures a mounted session.
type SessionOptions struct {
	Dark     bool
	LowPower bool
	// OnLoad fires once per successful render.
	OnLoad func()
	// OnError fires once per failure no recovery handler claimed.
	OnError func(err error)
}

// Mount creates a session painting into display. An empty id gets a
// generated one. display may be nil; the session keeps its own copy of
// the last artifact either way.
func (o *Orchestrator) Mount(ctx context.Context, id string, display plugins.Mount, opts SessionOptions) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	o.mu.Lock()
	if _, ok := o.sessions[id]; ok {
		o.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "session %s is already mounted", id).WithSession(id)
	}
	s := newSession(o, id, display, opts)
	o.sessions[id] = s
	o.mu.Unlock()

	if o.store != nil {
		rec := &store.Session{
			ID:       id,
			State:    schema.SessionStateIdle,
			Display:  schema.DisplayRaw,
			Dark:     opts.Dark,
			LowPower: opts.LowPower,
		}
		err := o.store.CreateSession(ctx, rec)
		if schema.Kind(err) == schema.ErrCodeConflict {
			// A closed session from an earlier process reused the id.
			if err = o.store.DeleteSession(ctx, id); err == nil {
				err = o.store.CreateSession(ctx, rec)
			}
		}
		if err != nil {
			o.mu.Lock()
			delete(o.sessions, id)
			o.mu.Unlock()
			s.cancel()
			return nil, schema.NewError(schema.ErrCodeStore, "persist session").WithSession(id).WithCause(err)
		}
	}

	o.metrics.SessionsDelta(1)
	s.mu.Lock()
	s.emit(schema.EventSessionMounted, 0, nil)
	s.mu.Unlock()
	o.logger.Info("session mounted", slog.String("session_id", id))
	return s, nil
}

// Get returns a mounted session.
func (o *Orchestrator) Get(id string) (*Session, error) {
	o.mu.RLock()
	s, ok := o.sessions[id]
	o.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "session %s not mounted", id).WithSession(id)
	}
	return s, nil
}

// Unmount tears a session down and forgets it.
func (o *Orchestrator) Unmount(ctx context.Context, id string) error {
	o.mu.Lock()
	s, ok := o.sessions[id]
	delete(o.sessions, id)
	o.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "session %s not mounted", id).WithSession(id)
	}
	s.unmount(ctx)
	o.metrics.SessionsDelta(-1)
	return nil
}

// List returns snapshots of every mounted session ordered by id.
func (o *Orchestrator) List() []Snapshot {
	o.mu.RLock()
	all := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		all = append(all, s)
	}
	o.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Sweep unmounts sessions idle for longer than idle and closes persisted
// sessions a previous process left open. It returns how many sessions it
// closed.
func (o *Orchestrator) Sweep(ctx context.Context, idle time.Duration) (int, error) {
	cutoff := time.Now().Add(-idle)

	o.mu.RLock()
	var expired []string
	for id, s := range o.sessions {
		if s.idleSince(cutoff) {
			expired = append(expired, id)
		}
	}
	o.mu.RUnlock()

	closed := 0
	for _, id := range expired {
		if err := o.Unmount(ctx, id); err == nil {
			closed++
		}
	}

	if o.store == nil {
		return closed, nil
	}
	orphans, err := o.store.ListSessions(ctx, store.SessionFilter{OpenOnly: true, UpdatedBefore: &cutoff})
	if err != nil {
		return closed, schema.NewError(schema.ErrCodeStore, "list idle sessions").WithCause(err)
	}
	state := schema.SessionStateClosed
	for _, rec := range orphans {
		o.mu.RLock()
		_, live := o.sessions[rec.ID]
		o.mu.RUnlock()
		if live {
			continue
		}
		now := time.Now().UTC()
		if err := o.store.UpdateSession(ctx, rec.ID, store.SessionUpdate{State: &state, ClosedAt: &now}); err != nil {
			o.logger.Warn("close orphaned session", slog.String("session_id", rec.ID), slog.Any("error", err))
			continue
		}
		closed++
	}
	return closed, nil
}

// Renderers returns the renderer registry.
func (o *Orchestrator) Renderers() *plugins.Registry { return o.renderers }

// Preprocessors returns the preprocessor registry.
func (o *Orchestrator) Preprocessors() *preprocess.Registry { return o.preprocessors }

// Recovery returns the recovery handler registry.
func (o *Orchestrator) Recovery() *recovery.Registry { return o.recovery }

// Breakers returns a snapshot of every renderer circuit breaker.
func (o *Orchestrator) Breakers() []CircuitStats { return o.breakers.Snapshot() }

// Pool returns worker pool counters.
func (o *Orchestrator) Pool() PoolMetrics { return o.pool.Metrics() }

// Shutdown unmounts every session and drains the worker pool.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.RLock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.RUnlock()
	for _, id := range ids {
		_ = o.Unmount(ctx, id)
	}
	o.pool.Shutdown()
}

// RenderResult is the outcome of a one-shot Render.
type RenderResult struct {
	Snapshot Snapshot
	Artifact plugins.Artifact
	Err      error
}

// Render mounts a throwaway session, forces one render of raw and
// returns what it painted. A failed render still returns the fallback
// artifact; Err carries the failure.
func (o *Orchestrator) Render(ctx context.Context, raw schema.RawSpec, dark bool) (*RenderResult, error) {
	s, err := o.Mount(ctx, "", nil, SessionOptions{Dark: dark})
	if err != nil {
		return nil, err
	}
	defer func() { _ = o.Unmount(context.WithoutCancel(ctx), s.ID()) }()

	if err := s.Submit(ctx, schema.DiagramRequest{Spec: raw, ForceRender: true}); err != nil {
		return nil, err
	}
	if err := s.Wait(ctx); err != nil {
		return nil, schema.NewError(schema.ErrCodeTimeout, "render did not settle").WithCause(err)
	}

	res := &RenderResult{Snapshot: s.Snapshot(), Err: s.Err()}
	if a, ok := s.Artifact(); ok {
		res.Artifact = a
	}
	return res, nil
}

// Repair is the outcome of running the correction pipeline without
// rendering.
type Repair struct {
	Input      string            `json:"input"`
	Output     string            `json:"output"`
	Grammar    grammar.Type      `json:"grammar"`
	Changed    bool              `json:"changed"`
	Steps      []preprocess.Step `json:"steps"`
	Complete   bool              `json:"complete"`
	Incomplete string            `json:"incomplete_reason,omitempty"`
}

// Repair normalizes and preprocesses text. hint is used when the text
// carries no grammar header.
func (o *Orchestrator) Repair(ctx context.Context, text string, hint grammar.Type) (*Repair, error) {
	if strings.TrimSpace(text) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is empty")
	}
	normalized, g := o.normalizer.NormalizeDefinition(ctx, text, hint, o.parser)
	out, steps := o.preprocessors.RunTrace(ctx, normalized, g)
	verdict := oracle.Explain(out, g)
	return &Repair{
		Input:      text,
		Output:     out,
		Grammar:    g,
		Changed:    out != text,
		Steps:      steps,
		Complete:   verdict.Complete,
		Incomplete: verdict.Reason,
	}, nil
}

// errPoolUnavailable wraps a worker pool refusal.
func errPoolUnavailable(sessionID string, err error) error {
	return schema.NewError(schema.ErrCodeRendererUnavailable, "render could not be scheduled").
		WithSession(sessionID).WithCause(err)
}
