package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/mermend/internal/store"
	"github.com/rendis/mermend/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by the FSM to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type sessionHookKey struct {
	from, to schema.SessionState
}

// SessionFSM validates render session state transitions and records them.
// One SessionFSM is shared by every session of an orchestrator.
type SessionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[sessionHookKey][]TransitionHook
	after    map[sessionHookKey][]TransitionHook
}

// NewSessionFSM creates a SessionFSM that emits state_changed events via
// the given appender. A nil appender records nothing.
func NewSessionFSM(appender EventAppender) *SessionFSM {
	return &SessionFSM{
		appender: appender,
		before:   make(map[sessionHookKey][]TransitionHook),
		after:    make(map[sessionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a session transition.
func (f *SessionFSM) OnBefore(from, to schema.SessionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sessionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a session transition.
func (f *SessionFSM) OnAfter(from, to schema.SessionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sessionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and records a session state transition. Staying in
// the same state is accepted and records nothing, so a stream of gated
// updates does not flood the log.
// The caller (Session) owns the state and applies it after a nil return.
func (f *SessionFSM) Transition(ctx context.Context, sessionID string, seq int64, from, to schema.SessionState, display schema.DisplayMode) error {
	if from == to && from != schema.SessionStateClosed {
		return nil
	}

	f.mu.Lock()
	key := sessionHookKey{from, to}
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	if !IsValidSessionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid session transition: %s -> %s", from, to).
			WithSession(sessionID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if f.appender != nil {
		payload, _ := json.Marshal(store.StateChangePayload{From: from, To: to, Display: display})
		event := &store.Event{
			SessionID:  sessionID,
			Type:       schema.EventStateChanged,
			RequestSeq: seq,
			Payload:    payload,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit session event: %s", err.Error()).
				WithSession(sessionID).WithCause(err)
		}
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

// IsValidSessionTransition reports whether the transition table allows from -> to.
func IsValidSessionTransition(from, to schema.SessionState) bool {
	allowed, ok := ValidSessionTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

// ValidSessionTransitions defines the allowed state transitions for render
// sessions. Every live state may close; closed is terminal.
var ValidSessionTransitions = map[schema.SessionState][]schema.SessionState{
	schema.SessionStateIdle: {
		schema.SessionStateAwaitingPlugin, schema.SessionStateClosed,
	},
	schema.SessionStateAwaitingPlugin: {
		schema.SessionStateGated, schema.SessionStateRendering, schema.SessionStateError, schema.SessionStateClosed,
	},
	schema.SessionStateGated: {
		schema.SessionStateAwaitingPlugin, schema.SessionStateRendering, schema.SessionStateError, schema.SessionStateClosed,
	},
	schema.SessionStateRendering: {
		schema.SessionStateRendered, schema.SessionStateError, schema.SessionStateClosed,
	},
	schema.SessionStateRendered: {
		schema.SessionStateGated, schema.SessionStateRendering, schema.SessionStateError, schema.SessionStateClosed,
	},
	schema.SessionStateError: {
		schema.SessionStateAwaitingPlugin, schema.SessionStateGated, schema.SessionStateRendering, schema.SessionStateClosed,
	},
	schema.SessionStateClosed: {},
}
