package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/mermend/pkg/schema"
)

// Session is the persisted view of one render session.
type Session struct {
	ID              string              `json:"id"`
	State           schema.SessionState `json:"state"`
	Display         schema.DisplayMode  `json:"display"`
	Grammar         string              `json:"grammar,omitempty"`
	Renderer        string              `json:"renderer,omitempty"`
	Dark            bool                `json:"dark"`
	LowPower        bool                `json:"low_power"`
	LastFingerprint string              `json:"last_fingerprint,omitempty"`
	HasRendered     bool                `json:"has_rendered"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	ClosedAt        *time.Time          `json:"closed_at,omitempty"`
}

// SessionUpdate holds the fields to change. Nil fields are left alone.
type SessionUpdate struct {
	State           *schema.SessionState
	Display         *schema.DisplayMode
	Grammar         *string
	Renderer        *string
	Dark            *bool
	LastFingerprint *string
	HasRendered     *bool
	ClosedAt        *time.Time
}

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	State         schema.SessionState
	UpdatedBefore *time.Time
	OpenOnly      bool
	Limit         int
}

// Event is an immutable entry in a session's render log.
type Event struct {
	ID         int64           `json:"id"`
	SessionID  string          `json:"session_id"`
	Type       string          `json:"event_type"`
	RequestSeq int64           `json:"request_seq,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	SessionID string
	Since     *time.Time
	Limit     int
}

// Artifact is a cached successful render.
type Artifact struct {
	Fingerprint string    `json:"fingerprint"`
	Renderer    string    `json:"renderer"`
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"data"`
	Alt         string    `json:"alt,omitempty"`
	Hits        int64     `json:"hits"`
	CreatedAt   time.Time `json:"created_at"`
	LastHitAt   time.Time `json:"last_hit_at"`
}
