package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/mermend/pkg/schema"
)

var _ Store = (*LibSQLStore)(nil)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/mermend.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB (used by the event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Sessions ---

func (s *LibSQLStore) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, state, display, grammar, renderer, dark, low_power, last_fingerprint, has_rendered, created_at, updated_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.State), string(sess.Display), nullStr(sess.Grammar), nullStr(sess.Renderer),
		boolInt(sess.Dark), boolInt(sess.LowPower), nullStr(sess.LastFingerprint), boolInt(sess.HasRendered),
		sess.CreatedAt, sess.UpdatedAt, nullTime(sess.ClosedAt),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return schema.NewErrorf(schema.ErrCodeConflict, "session %q already exists", sess.ID).WithCause(err)
	}
	return err
}

const sessionColumns = `id, state, display, grammar, renderer, dark, low_power, last_fingerprint, has_rendered, created_at, updated_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	var state, display string
	var grammar, renderer, fingerprint sql.NullString
	var dark, lowPower, rendered int
	var closed sql.NullTime
	err := row.Scan(&sess.ID, &state, &display, &grammar, &renderer, &dark, &lowPower,
		&fingerprint, &rendered, &sess.CreatedAt, &sess.UpdatedAt, &closed)
	if err != nil {
		return nil, err
	}
	sess.State = schema.SessionState(state)
	sess.Display = schema.DisplayMode(display)
	sess.Grammar = grammar.String
	sess.Renderer = renderer.String
	sess.LastFingerprint = fingerprint.String
	sess.Dark, sess.LowPower, sess.HasRendered = dark != 0, lowPower != 0, rendered != 0
	if closed.Valid {
		sess.ClosedAt = &closed.Time
	}
	return sess, nil
}

func (s *LibSQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("session", id)
	}
	return sess, err
}

func (s *LibSQLStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) error {
	var sets []string
	var args []any

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.Display != nil {
		sets = append(sets, "display = ?")
		args = append(args, string(*update.Display))
	}
	if update.Grammar != nil {
		sets = append(sets, "grammar = ?")
		args = append(args, nullStr(*update.Grammar))
	}
	if update.Renderer != nil {
		sets = append(sets, "renderer = ?")
		args = append(args, nullStr(*update.Renderer))
	}
	if update.Dark != nil {
		sets = append(sets, "dark = ?")
		args = append(args, boolInt(*update.Dark))
	}
	if update.LastFingerprint != nil {
		sets = append(sets, "last_fingerprint = ?")
		args = append(args, nullStr(*update.LastFingerprint))
	}
	if update.HasRendered != nil {
		sets = append(sets, "has_rendered = ?")
		args = append(args, boolInt(*update.HasRendered))
	}
	if update.ClosedAt != nil {
		sets = append(sets, "closed_at = ?")
		args = append(args, *update.ClosedAt)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session", id)
}

func (s *LibSQLStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	var where []string
	var args []any

	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, *filter.UpdatedBefore)
	}
	if filter.OpenOnly {
		where = append(where, "closed_at IS NULL")
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its event log.
func (s *LibSQLStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM render_events WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "session", id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Render events ---

// AppendEvent assigns the next per-session sequence and inserts the event.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

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

const eventColumns = `id, session_id, event_type, request_seq, payload, timestamp, sequence`

func (s *LibSQLStore) GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM render_events WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + eventColumns + ` FROM render_events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.RequestSeq, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Render cache ---

// PutArtifact inserts or replaces a cached render.
func (s *LibSQLStore) PutArtifact(ctx context.Context, a *Artifact) error {
	now := time.Now().UTC()
	a.CreatedAt = timeOrNow(a.CreatedAt)
	if a.LastHitAt.IsZero() {
		a.LastHitAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (fingerprint, renderer, content_type, data, alt, hits, created_at, last_hit_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET renderer=excluded.renderer, content_type=excluded.content_type,
		   data=excluded.data, alt=excluded.alt, last_hit_at=excluded.last_hit_at`,
		a.Fingerprint, a.Renderer, a.ContentType, a.Data, nullStr(a.Alt), a.CreatedAt, a.LastHitAt,
	)
	return err
}

// GetArtifact returns a cached render and records the hit.
func (s *LibSQLStore) GetArtifact(ctx context.Context, fingerprint string) (*Artifact, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET hits = hits + 1, last_hit_at = ? WHERE fingerprint = ?`,
		time.Now().UTC(), fingerprint)
	if err != nil {
		return nil, err
	}
	if err := checkRowsAffected(res, "artifact", fingerprint); err != nil {
		return nil, err
	}

	a := &Artifact{}
	var alt sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT fingerprint, renderer, content_type, data, alt, hits, created_at, last_hit_at FROM artifacts WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&a.Fingerprint, &a.Renderer, &a.ContentType, &a.Data, &alt, &a.Hits, &a.CreatedAt, &a.LastHitAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("artifact", fingerprint)
	}
	if err != nil {
		return nil, err
	}
	a.Alt = alt.String
	return a, nil
}

// PruneArtifacts deletes cached renders not hit since unusedSince.
func (s *LibSQLStore) PruneArtifacts(ctx context.Context, unusedSince time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE last_hit_at < ?`, unusedSince)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.DiagramError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
