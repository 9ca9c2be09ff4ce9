package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/rendis/mermend/internal/engine"
	"github.com/rendis/mermend/internal/grammar"
	"github.com/rendis/mermend/internal/plugins"
	"github.com/rendis/mermend/internal/store"
	"github.com/rendis/mermend/internal/validation"
	"github.com/rendis/mermend/pkg/schema"
)

// sessionView is a session snapshot plus whatever it currently shows.
type sessionView struct {
	engine.Snapshot
	Artifact *plugins.Artifact `json:"artifact,omitempty"`
}

func viewOf(sess *engine.Session) sessionView {
	v := sessionView{Snapshot: sess.Snapshot()}
	if a, ok := sess.Artifact(); ok {
		v.Artifact = &a
	}
	return v
}

// session resolves the {id} path value to a mounted session.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*engine.Session, bool) {
	sess, err := s.deps.Engine.Get(r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return nil, false
	}
	return sess, true
}

// settle waits for in-flight renders when the client asked with ?wait=1.
func (s *Server) settle(ctx context.Context, sess *engine.Session, r *http.Request) error {
	if !queryBool(r, "wait") {
		return nil
	}
	if err := sess.Wait(ctx); err != nil {
		return schema.NewError(schema.ErrCodeTimeout, "render did not settle").WithSession(sess.ID()).WithCause(err)
	}
	return nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.deps.Engine.List()})
}

// handleCreateSession mounts a new render session.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID       string `json:"id"`
		Dark     bool   `json:"dark"`
		LowPower bool   `json:"low_power"`
	}
	if err := s.decodeBody(r, validation.SchemaSessionCreate, true, &body); err != nil {
		writeFailure(w, err)
		return
	}

	sess, err := s.deps.Engine.Mount(r.Context(), body.ID, nil, engine.SessionOptions{
		Dark:     body.Dark,
		LowPower: body.LowPower,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

// handleDeleteSession unmounts a session.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Engine.Unmount(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "session_id": id})
}

// handleUpdate submits one DiagramRequest to a session.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req schema.DiagramRequest
	if err := s.decodeBody(r, validation.SchemaDiagramRequest, false, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if err := sess.Submit(r.Context(), req); err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.settle(r.Context(), sess, r); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(sess))
}

// messageResponse reports what a markdown message fed to the session.
type messageResponse struct {
	Submitted bool        `json:"submitted"`
	Blocks    int         `json:"blocks"`
	Lang      string      `json:"lang,omitempty"`
	Closed    bool        `json:"closed"`
	Session   sessionView `json:"session"`
}

// handleMessage extracts the diagram fences of a (possibly partial)
// markdown message and feeds one of them to the session: the block at
// ?block=N, or the last one.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var body struct {
		Content     string `json:"content"`
		IsStreaming bool   `json:"is_streaming"`
		ForceRender bool   `json:"force_render"`
	}
	if err := s.decodeBody(r, validation.SchemaMessage, false, &body); err != nil {
		writeFailure(w, err)
		return
	}

	blocks := grammar.ExtractFences(body.Content)
	resp := messageResponse{Blocks: len(blocks)}
	if len(blocks) == 0 {
		resp.Session = viewOf(sess)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	idx := queryInt(r, "block", len(blocks)-1)
	if idx < 0 || idx >= len(blocks) {
		writeError(w, http.StatusBadRequest, "block index out of range")
		return
	}
	b := blocks[idx]

	req := schema.DiagramRequest{
		Spec:          schema.RawSpec{Definition: b.Body, Type: specType(b.Lang)},
		IsStreaming:   body.IsStreaming,
		IsBlockClosed: b.Closed,
		ForceRender:   body.ForceRender,
	}
	if err := sess.Submit(r.Context(), req); err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.settle(r.Context(), sess, r); err != nil {
		writeFailure(w, err)
		return
	}

	resp.Submitted = true
	resp.Lang = b.Lang
	resp.Closed = b.Closed
	resp.Session = viewOf(sess)
	writeJSON(w, http.StatusAccepted, resp)
}

// specType maps a fence info string onto a spec type discriminator.
// Mermaid blocks carry their grammar in the header line.
func specType(lang string) string {
	switch strings.ToLower(lang) {
	case "vega-lite", "vegalite":
		return string(grammar.VegaLite)
	case "chart":
		return string(grammar.Chart)
	default:
		return ""
	}
}

// handleTheme switches a session between light and dark.
func (s *Server) handleTheme(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var body struct {
		Dark bool `json:"dark"`
	}
	if err := s.decodeBody(r, validation.SchemaTheme, false, &body); err != nil {
		writeFailure(w, err)
		return
	}
	if err := sess.SetTheme(body.Dark); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

// handleRetry forces the last request through again.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Retry(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.settle(r.Context(), sess, r); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(sess))
}

// handleEvents lists persisted events of a session after ?since=N.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusNotImplemented, "event store is disabled")
		return
	}
	id := r.PathValue("id")
	events, err := s.deps.Store.GetEvents(r.Context(), id, int64(queryInt(r, "since", 0)))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": events})
}

// handleHistory folds the persisted event log of a session, mounted or
// not, into a summary.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusNotImplemented, "event store is disabled")
		return
	}
	id := r.PathValue("id")
	events, err := s.deps.Store.GetEvents(r.Context(), id, 0)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if len(events) == 0 {
		writeFailure(w, schema.NewErrorf(schema.ErrCodeNotFound, "no events for session %s", id))
		return
	}
	h, err := store.ReplayEvents(id, events)
	if err != nil {
		writeFailure(w, schema.NewError(schema.ErrCodeStore, "replay events").WithSession(id).WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleRepair runs the correction pipeline without rendering.
func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Definition string `json:"definition"`
		Type       string `json:"type"`
		Trace      bool   `json:"trace"`
	}
	if err := s.decodeBody(r, validation.SchemaRepairRequest, false, &body); err != nil {
		writeFailure(w, err)
		return
	}
	rep, err := s.deps.Engine.Repair(r.Context(), body.Definition, grammar.Type(body.Type))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !body.Trace {
		rep.Steps = nil
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleRenderers lists registered renderers and their circuit state.
func (s *Server) handleRenderers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"renderers": s.deps.Engine.Renderers().List(),
		"circuits":  s.deps.Engine.Breakers(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"sessions": len(s.deps.Engine.List()),
		"pool":     s.deps.Engine.Pool(),
	})
}
