// Package streaming fans render session events out to live subscribers
// such as SSE clients.
package streaming

import (
	"context"

	"github.com/rendis/mermend/pkg/schema"
)

// StreamEvent is a real-time event emitted while a session renders.
type StreamEvent struct {
	SessionID  string              `json:"session_id"`
	RequestSeq int64               `json:"request_seq,omitempty"`
	EventType  string              `json:"event_type"`
	State      schema.SessionState `json:"state,omitempty"`
	Display    schema.DisplayMode  `json:"display,omitempty"`
	Payload    any                 `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	SessionID  string   `json:"session_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time session events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
