package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/internal/logging"
	"github.com/rendis/mermend/internal/oracle"
	"github.com/rendis/mermend/internal/plugins"
	"github.com/rendis/mermend/internal/recovery"
	"github.com/rendis/mermend/internal/store"
	"github.com/rendis/mermend/internal/streaming"
	"github.com/rendis/mermend/pkg/schema"
)

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID          string              `json:"id"`
	State       schema.SessionState `json:"state"`
	Display     schema.DisplayMode  `json:"display"`
	Renderer    string              `json:"renderer,omitempty"`
	Grammar     grammar.Type        `json:"grammar,omitempty"`
	Dark        bool                `json:"dark"`
	LowPower    bool                `json:"low_power"`
	Seq         int64               `json:"seq"`
	InFlight    int                 `json:"in_flight"`
	Pending     bool                `json:"pending"`
	HasRendered bool                `json:"has_rendered"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	LastError   string              `json:"last_error,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// queued is a request waiting for its turn, tagged with its sequence.
type queued struct {
	seq int64
	req schema.DiagramRequest
}

// Session is the render state of one diagram instance. It is mutated only
// through Submit, SetTheme, Retry and unmount.
//
// The display Mount is painted while the session lock is held, so it must
// not call back into the session.
type Session struct {
	id      string
	o       *Orchestrator
	opts    SessionOptions
	surface plugins.Mount
	canvas  *plugins.Canvas
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	mu          sync.Mutex
	state       schema.SessionState
	display     schema.DisplayMode
	renderer    plugins.Renderer
	grammar     grammar.Type
	dark        bool
	seq         int64 // last accepted request
	started     int64 // newest request taken out of the queue
	running     int
	pending     *queued
	last        *schema.DiagramRequest
	fingerprint string
	hasRendered bool
	cleanup     plugins.Cleanup
	themeTimer  *time.Timer
	idle        chan struct{} // closed when renders and pending drain
	closed      bool
	lastErr     error
	updatedAt   time.Time
}

func newSession(o *Orchestrator, id string, display plugins.Mount, opts SessionOptions) *Session {
	ctx, cancel := context.WithCancel(logging.WithSessionID(context.Background(), id))
	return &Session{
		id:        id,
		o:         o,
		opts:      opts,
		surface:   display,
		canvas:    &plugins.Canvas{},
		ctx:       ctx,
		cancel:    cancel,
		logger:    o.logger.With(slog.String("session_id", id)),
		state:     schema.SessionStateIdle,
		display:   schema.DisplayRaw,
		dark:      opts.Dark,
		updatedAt: time.Now(),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Submit feeds one streaming update into the session. While a render is in
// flight a non-forced request takes the single pending slot, replacing
// whatever was waiting there, and starts once the render settles. Forced
// requests start at once; older in-flight results then become stale.
func (s *Session) Submit(ctx context.Context, req schema.DiagramRequest) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeSessionClosed, "session is unmounted").WithSession(s.id)
	}
	s.seq++
	s.updatedAt = time.Now()
	last := req
	s.last = &last
	q := &queued{seq: s.seq, req: req}

	if s.running > 0 && !req.ForceRender {
		s.pending = q
		s.emit(schema.EventRequestQueued, q.seq, nil)
		s.mu.Unlock()
		return nil
	}
	if req.ForceRender {
		s.pending = nil
	}

	job, after := s.process(q)
	s.mu.Unlock()

	for _, f := range after {
		f()
	}
	if job != nil {
		s.logger.DebugContext(ctx, "render scheduled", slog.Int64("request_seq", job.seq))
		s.launch(job)
	}
	return nil
}

// process resolves the renderer, applies the completeness gate and either
// returns a render job to launch or settles the request inline. Callbacks
// in the returned slice must run after s.mu is released.
func (s *Session) process(q *queued) (*renderJob, []func()) {
	req := q.req
	spec := plugins.NewSpec(req.Spec)
	if q.seq > s.started {
		s.started = q.seq
	}

	if s.renderer != nil && spec.Renderer != "" && spec.Renderer != s.renderer.Name() {
		if rd, err := s.o.renderers.Get(spec.Renderer); err == nil {
			s.renderer = rd
			s.persist(store.SessionUpdate{Renderer: ptr(rd.Name())})
		}
	}
	if s.renderer == nil {
		s.setState(q.seq, schema.SessionStateAwaitingPlugin, s.display)
		rd, err := s.o.renderers.Select(spec)
		if err != nil {
			if req.Gated() {
				// The header may still be arriving.
				s.gate(q.seq, spec, "no renderer yet")
				return nil, nil
			}
			err = schema.NewError(schema.ErrCodeGrammarUnsupported, "no compatible renderer").
				WithSession(s.id).WithCause(err).
				WithDetails(map[string]any{"grammar": string(spec.Grammar)})
			rc := &recovery.Context{
				Definition: spec.Definition,
				Grammar:    spec.Grammar,
				Theme:      plugins.ThemeFor(s.dark),
			}
			return nil, s.fail(q.seq, err, rc)
		}
		s.renderer = rd
		s.persist(store.SessionUpdate{Renderer: ptr(rd.Name())})
	}
	s.grammar = spec.Grammar

	if req.Gated() {
		if ok, reason := s.complete(spec); !ok {
			s.gate(q.seq, spec, reason)
			return nil, nil
		}
	}

	s.running++
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	display := schema.DisplayRendering
	if s.display == schema.DisplayRendered {
		display = schema.DisplayRendered
	}
	s.setState(q.seq, schema.SessionStateRendering, display)
	s.emit(schema.EventRenderStarted, q.seq, store.RenderPayload{Renderer: s.renderer.Name()})

	return &renderJob{
		seq:      q.seq,
		req:      req,
		spec:     spec,
		renderer: s.renderer,
		theme:    plugins.ThemeFor(s.dark),
		lastGood: s.currentFingerprint(),
	}, nil
}

// complete asks the renderer's own checker when it has one and the
// generic oracle otherwise.
func (s *Session) complete(spec plugins.Spec) (bool, string) {
	if cc, ok := s.renderer.(plugins.CompletenessChecker); ok {
		if cc.IsDefinitionComplete(spec.Definition) {
			return true, ""
		}
		return false, "renderer reports incomplete"
	}
	v := oracle.Explain(spec.Definition, spec.Grammar)
	return v.Complete, v.Reason
}

// gate parks the session waiting for more text. A rendered view stays up.
func (s *Session) gate(seq int64, spec plugins.Spec, reason string) {
	display := schema.DisplayPlaceholder
	if s.display == schema.DisplayRendered {
		display = schema.DisplayRendered
	}
	s.setState(seq, schema.SessionStateGated, display)
	s.o.metrics.Gated(string(spec.Grammar))
	s.emit(schema.EventRequestGated, seq, store.RenderPayload{
		Code:    schema.ErrCodeDefinitionIncomplete,
		Message: reason,
	})
}

func (s *Session) currentFingerprint() string {
	if s.display != schema.DisplayRendered {
		return ""
	}
	return s.fingerprint
}

// launch hands a job to the worker pool. It blocks while the pool is full.
func (s *Session) launch(job *renderJob) {
	err := s.o.pool.Submit(s.ctx, func(ctx context.Context) error {
		res := s.execute(ctx, job)
		s.settle(res)
		return res.err
	})
	if err != nil {
		s.settle(&renderResult{job: job, err: errPoolUnavailable(s.id, err)})
	}
}

// superseded reports whether a newer request has been taken up since seq.
func (s *Session) superseded(seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.started > seq
}

// settle applies a finished render unless it went stale, then starts the
// pending request if nothing else is in flight.
func (s *Session) settle(res *renderResult) {
	var after []func()
	job := res.job

	s.mu.Lock()
	s.running--
	switch {
	case s.closed:
		res.release()

	case job.seq < s.started:
		res.release()
		s.o.metrics.Stale()
		s.emit(schema.EventRenderStale, job.seq, store.RenderPayload{Renderer: job.renderer.Name()})
		s.logger.Debug("discarded stale render",
			slog.Int64("request_seq", job.seq), slog.Int64("started", s.started))

	case res.err == nil && res.unchanged:
		if s.running == 0 {
			s.setState(job.seq, schema.SessionStateRendered, schema.DisplayRendered)
		}

	case res.err == nil:
		after = s.succeed(res)

	default:
		rc := &recovery.Context{
			Definition: job.spec.Definition,
			Processed:  res.processed,
			Grammar:    res.grammar,
			Renderer:   job.renderer.Name(),
			Theme:      job.theme,
		}
		after = s.fail(job.seq, res.err, rc)
	}

	var next *renderJob
	if !s.closed && s.running == 0 && s.pending != nil {
		q := s.pending
		s.pending = nil
		var more []func()
		next, more = s.process(q)
		after = append(after, more...)
	}
	s.mu.Unlock()

	for _, f := range after {
		f()
	}
	if next != nil {
		go s.launch(next)
	}

	s.mu.Lock()
	s.signalIdle()
	s.mu.Unlock()
}

func (s *Session) succeed(res *renderResult) []func() {
	job := res.job
	for _, a := range res.staged {
		s.paint(a)
	}
	if s.cleanup != nil {
		s.cleanup()
	}
	s.cleanup = res.cleanup
	s.fingerprint = res.fingerprint
	s.hasRendered = true
	s.lastErr = nil
	s.grammar = res.grammar
	s.setState(job.seq, schema.SessionStateRendered, schema.DisplayRendered)

	eventType := schema.EventRenderSucceeded
	if res.cached {
		eventType = schema.EventRenderCacheHit
	}
	s.emit(eventType, job.seq, store.RenderPayload{
		Renderer:    job.renderer.Name(),
		Fingerprint: res.fingerprint,
		Attempt:     res.attempts,
		DurationMs:  res.duration.Milliseconds(),
	})
	s.persist(store.SessionUpdate{
		Grammar:         ptr(string(res.grammar)),
		LastFingerprint: ptr(res.fingerprint),
		HasRendered:     ptr(true),
	})
	if !res.cached && len(res.staged) > 0 {
		s.o.cache(s.ctx, res.fingerprint, job.renderer.Name(), res.staged[len(res.staged)-1])
	}

	if s.opts.OnLoad == nil {
		return nil
	}
	return []func(){s.opts.OnLoad}
}

// fail routes err through the recovery registry. When nothing claims it
// the default panel is painted anyway and OnError fires.
func (s *Session) fail(seq int64, err error, rc *recovery.Context) []func() {
	rc.Mount = plugins.MountFunc(s.paint)
	handler, handled := s.o.recovery.Dispatch(s.ctx, err, rc)

	kind := schema.Kind(err)
	s.o.metrics.Recovered(kind, handler)
	s.lastErr = err
	s.setState(seq, schema.SessionStateError, schema.DisplayError)

	payload := store.RenderPayload{
		Renderer: rc.Renderer,
		Code:     kind,
		Message:  err.Error(),
		Handler:  handler,
	}
	s.emit(schema.EventRenderFailed, seq, payload)

	if handled {
		s.emit(schema.EventRecoveryHandled, seq, payload)
		return nil
	}
	s.paint(recovery.FallbackPanel(err, rc).Artifact())
	s.emit(schema.EventRecoveryUnhandled, seq, payload)
	s.logger.Error("render failure not handled by any recovery handler",
		slog.Int64("request_seq", seq), slog.String("kind", kind), slog.Any("error", err))
	if s.opts.OnError == nil {
		return nil
	}
	return []func(){func() { s.opts.OnError(err) }}
}

func (s *Session) paint(a plugins.Artifact) {
	s.canvas.Paint(a)
	if s.surface != nil {
		s.surface.Paint(a)
	}
}

// signalIdle releases Wait callers once nothing is in flight or pending.
func (s *Session) signalIdle() {
	if s.running == 0 && s.pending == nil && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

// Wait blocks until no render is in flight or pending.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	ch := s.idle
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry re-submits the last request as a forced render.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last == nil {
		return schema.NewError(schema.ErrCodeValidation, "nothing to retry").WithSession(s.id)
	}
	req := *last
	req.ForceRender = true
	return s.Submit(ctx, req)
}

// SetTheme switches the presentation mode. After a successful render a
// forced re-render is scheduled, debounced so rapid toggles coalesce.
func (s *Session) SetTheme(dark bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schema.NewError(schema.ErrCodeSessionClosed, "session is unmounted").WithSession(s.id)
	}
	if s.dark == dark {
		return nil
	}
	s.dark = dark
	s.updatedAt = time.Now()
	s.emit(schema.EventThemeChanged, s.seq, map[string]any{"theme": plugins.ThemeFor(dark)})
	s.persist(store.SessionUpdate{Dark: ptr(dark)})

	if !s.hasRendered || s.last == nil {
		return nil
	}
	delay := s.o.cfg.ThemeDebounce
	if s.opts.LowPower {
		delay = s.o.cfg.LowPowerThemeDebounce
	}
	if s.themeTimer != nil {
		s.themeTimer.Stop()
	}
	s.themeTimer = time.AfterFunc(delay, s.themeRerender)
	return nil
}

func (s *Session) themeRerender() {
	s.mu.Lock()
	s.themeTimer = nil
	if s.closed || s.running > 0 || s.last == nil {
		s.mu.Unlock()
		return
	}
	req := *s.last
	s.mu.Unlock()

	req.ForceRender = true
	if err := s.Submit(s.ctx, req); err != nil {
		s.logger.Debug("theme re-render skipped", slog.Any("error", err))
	}
}

// unmount runs the registered cleanup once and closes the session. Renders
// still in flight are discarded when they settle.
func (s *Session) unmount(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.themeTimer != nil {
		s.themeTimer.Stop()
		s.themeTimer = nil
	}
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
	s.pending = nil
	s.setState(s.seq, schema.SessionStateClosed, s.display)
	s.closed = true
	now := time.Now().UTC()
	s.persist(store.SessionUpdate{ClosedAt: &now})
	s.emit(schema.EventSessionUnmounted, s.seq, nil)
	s.signalIdle()
	s.mu.Unlock()

	s.cancel()
	s.logger.InfoContext(ctx, "session unmounted")
}

// idleSince reports whether the session has seen no activity since cutoff
// and has nothing in flight.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running == 0 && s.pending == nil && s.updatedAt.Before(cutoff)
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:          s.id,
		State:       s.state,
		Display:     s.display,
		Grammar:     s.grammar,
		Dark:        s.dark,
		LowPower:    s.opts.LowPower,
		Seq:         s.seq,
		InFlight:    s.running,
		Pending:     s.pending != nil,
		HasRendered: s.hasRendered,
		Fingerprint: s.fingerprint,
		UpdatedAt:   s.updatedAt,
	}
	if s.renderer != nil {
		snap.Renderer = s.renderer.Name()
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// Artifact returns the last thing painted, rendered diagram or fallback.
func (s *Session) Artifact() (plugins.Artifact, bool) {
	return s.canvas.Last()
}

// Err returns the failure currently displayed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// setState moves the session through the FSM and publishes the change.
// Callers hold s.mu.
func (s *Session) setState(seq int64, to schema.SessionState, display schema.DisplayMode) {
	from := s.state
	if from == to && s.display == display {
		return
	}
	err := s.o.fsm.Transition(context.WithoutCancel(s.ctx), s.id, seq, from, to, display)
	if schema.Kind(err) == schema.ErrCodeInvalidTransition {
		s.logger.Warn("rejected session transition",
			slog.String("from", string(from)), slog.String("to", string(to)))
		return
	}
	if err != nil {
		s.logger.Warn("record session transition", slog.Any("error", err))
	}
	s.state = to
	s.display = display
	s.updatedAt = time.Now()

	s.publish(streaming.StreamEvent{
		SessionID:  s.id,
		RequestSeq: seq,
		EventType:  schema.EventStateChanged,
		State:      to,
		Display:    display,
		Payload:    store.StateChangePayload{From: from, To: to, Display: display},
	})
	s.persist(store.SessionUpdate{State: &to, Display: &display})
}

// emit appends an event to the session log and publishes it to the hub.
func (s *Session) emit(eventType string, seq int64, payload any) {
	ctx := context.WithoutCancel(s.ctx)
	if s.o.store != nil {
		var raw json.RawMessage
		if payload != nil {
			raw, _ = json.Marshal(payload)
		}
		err := s.o.store.AppendEvent(ctx, &store.Event{
			SessionID:  s.id,
			Type:       eventType,
			RequestSeq: seq,
			Payload:    raw,
		})
		if err != nil {
			s.logger.Warn("append session event", slog.String("event_type", eventType), slog.Any("error", err))
		}
	}
	s.publish(streaming.StreamEvent{
		SessionID:  s.id,
		RequestSeq: seq,
		EventType:  eventType,
		State:      s.state,
		Display:    s.display,
		Payload:    payload,
	})
}

func (s *Session) publish(ev streaming.StreamEvent) {
	if s.o.hub == nil {
		return
	}
	_ = s.o.hub.Publish(context.WithoutCancel(s.ctx), ev)
}

func (s *Session) persist(update store.SessionUpdate) {
	if s.o.store == nil {
		return
	}
	if err := s.o.store.UpdateSession(context.WithoutCancel(s.ctx), s.id, update); err != nil {
		s.logger.Warn("persist session", slog.Any("error", err))
	}
}

func ptr[T any](v T) *T { return &v }
