package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	DeleteSession(ctx context.Context, id string) error

	// Render events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Render cache
	PutArtifact(ctx context.Context, a *Artifact) error
	GetArtifact(ctx context.Context, fingerprint string) (*Artifact, error)
	PruneArtifacts(ctx context.Context, unusedSince time.Time) (int64, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
