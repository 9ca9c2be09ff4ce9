package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/mermend/pkg/schema"
)

// EventLog provides append and replay operations on a session's render log.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-session sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction. A write-intent
	// statement forces the write lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM render_events WHERE session_id = ?`, event.SessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO render_events (session_id, event_type, request_seq, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.SessionID, event.Type, event.RequestSeq, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a session with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, sessionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// StateChangePayload is the payload of state_changed events.
type StateChangePayload struct {
	From    schema.SessionState `json:"from"`
	To      schema.SessionState `json:"to"`
	Display schema.DisplayMode  `json:"display,omitempty"`
}

// RenderPayload is the payload of render_* and recovery_* events.
type RenderPayload struct {
	Renderer    string `json:"renderer,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Handler     string `json:"handler,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
}

// History is a session timeline reconstructed from its event log.
type History struct {
	SessionID   string               `json:"session_id"`
	State       schema.SessionState  `json:"state"`
	Display     schema.DisplayMode   `json:"display"`
	Transitions []StateChangePayload `json:"transitions"`
	Renders     int                  `json:"renders"`
	Failures    int                  `json:"failures"`
	CacheHits   int                  `json:"cache_hits"`
	Stale       int                  `json:"stale"`
	LastRequest int64                `json:"last_request"`
	LastError   *RenderPayload       `json:"last_error,omitempty"`
	LastRender  *RenderPayload       `json:"last_render,omitempty"`
	MountedAt   *time.Time           `json:"mounted_at,omitempty"`
	ClosedAt    *time.Time           `json:"closed_at,omitempty"`
}

// Replay folds all events of a session into a History.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, sessionID string) (*History, error) {
	events, err := el.store.GetEvents(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	return ReplayEvents(sessionID, events)
}

// ReplayEvents folds an ordered event slice into a History.
func ReplayEvents(sessionID string, events []*Event) (*History, error) {
	h := &History{
		SessionID: sessionID,
		State:     schema.SessionStateIdle,
		Display:   schema.DisplayRaw,
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in session %s: expected %d, got %d", sessionID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		if e.RequestSeq > h.LastRequest {
			h.LastRequest = e.RequestSeq
		}
		ts := e.Timestamp

		switch e.Type {
		case schema.EventSessionMounted:
			h.MountedAt = &ts

		case schema.EventSessionUnmounted:
			h.ClosedAt = &ts
			h.State = schema.SessionStateClosed

		case schema.EventStateChanged:
			var p StateChangePayload
			if err := decodePayload(e, &p); err != nil {
				return nil, err
			}
			h.Transitions = append(h.Transitions, p)
			h.State = p.To
			if p.Display != "" {
				h.Display = p.Display
			}

		case schema.EventRenderSucceeded, schema.EventRenderCacheHit:
			var p RenderPayload
			if err := decodePayload(e, &p); err != nil {
				return nil, err
			}
			h.Renders++
			if e.Type == schema.EventRenderCacheHit {
				h.CacheHits++
			}
			h.LastRender = &p

		case schema.EventRenderFailed:
			var p RenderPayload
			if err := decodePayload(e, &p); err != nil {
				return nil, err
			}
			h.Failures++
			h.LastError = &p

		case schema.EventRenderStale:
			h.Stale++
		}
	}

	return h, nil
}

func decodePayload(e *Event, v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"decode %s payload at sequence %d", e.Type, e.Sequence).WithCause(err)
	}
	return nil
}
