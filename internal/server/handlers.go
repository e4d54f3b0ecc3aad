package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/storytime/internal/artifact"
	"github.com/danshapiro/storytime/internal/checkpoint"
	"github.com/danshapiro/storytime/internal/engine"
	"github.com/danshapiro/storytime/internal/session"
	"github.com/danshapiro/storytime/internal/statestore"
	"github.com/danshapiro/storytime/internal/workflow"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.deps.Sessions.Len(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("generate session id: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, CreateSessionResponse{SessionID: id.String()})
}

// sessionID reads and validates the {id} path value.
func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := session.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req TurnRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Files) == 0 {
		writeError(w, http.StatusBadRequest, "text or files is required")
		return
	}
	uploads := make([]engine.Upload, 0, len(req.Files))
	for _, f := range req.Files {
		uploads = append(uploads, engine.Upload{Filename: f.Filename, Data: f.Data, MIME: f.MIME})
	}

	res, err := s.deps.Engine.HandleTurn(r.Context(), id, req.Text, uploads)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	step, err := workflow.ParseStep(r.PathValue("step"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Engine.Approve(r.Context(), id, step)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	st, err := s.deps.Engine.WorkflowState(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	cps, err := checkpoint.Collect(s.deps.Engine.Checkpoints(r.Context(), id))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if cps == nil {
		cps = []checkpoint.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil || seq == 0 {
		writeError(w, http.StatusBadRequest, "seq must be a positive integer")
		return
	}
	for cp, err := range s.deps.Engine.Checkpoints(r.Context(), id) {
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		if cp.Seq == seq {
			writeJSON(w, http.StatusOK, cp)
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("checkpoint #%d not found", seq))
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	msgs, err := checkpoint.Conversation(s.deps.Engine.Checkpoints(r.Context(), id))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if msgs == nil {
		msgs = []checkpoint.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	writeSSE(w, r, s.deps.Events, id)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var kinds []artifact.Kind
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, err := artifact.ParseKind(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kinds = append(kinds, kind)
	}
	ids, err := s.deps.Artifacts.ListForSession(r.Context(), id, kinds...)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]artifact.Artifact, 0, len(ids))
	for _, aid := range ids {
		a, err := s.deps.Artifacts.Stat(r.Context(), aid)
		if errors.Is(err, artifact.ErrNotFound) {
			// Removed between listing and stat.
			continue
		}
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		out = append(out, a)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCleanupArtifacts(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Artifacts.CleanupSession(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var inlineMIME = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
	"text/plain":      true,
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	a, data, err := s.deps.Artifacts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", a.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", `"`+a.ContentHash+`"`)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	// MIME types come from uploaders and tools; only passive formats render
	// in the browser.
	disposition := "attachment"
	if inlineMIME[a.MIME] {
		disposition = "inline"
	}
	if a.Name != "" {
		disposition += fmt.Sprintf("; filename=%q", a.Name)
	}
	w.Header().Set("Content-Disposition", disposition)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// writeEngineError maps domain errors to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidID):
		status = http.StatusBadRequest
	case errors.Is(err, artifact.ErrNotFound), errors.Is(err, checkpoint.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, statestore.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrNotPending):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
