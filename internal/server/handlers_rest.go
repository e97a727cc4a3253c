package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stepseq/stepseq/internal/doc"
	"github.com/stepseq/stepseq/internal/session"
	"github.com/stepseq/stepseq/internal/store"
)

// maxRESTBody caps REST payloads. Larger than the WebSocket frame limit
// because a full document PUT can exceed a single edit by a wide margin.
const maxRESTBody = 1 << 20

type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeStoreError maps domain errors onto REST status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "no session with that id")
	case errors.Is(err, session.ErrImmutable):
		writeError(w, http.StatusForbidden, "session_published", "published sessions are read-only")
	case store.IsQuota(err):
		var qe *store.QuotaError
		errors.As(err, &qe)
		secs := int(qe.RetryAfter.Seconds())
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error:      "storage_quota_exceeded",
			Message:    "storage quota exhausted, try again after the quota window resets",
			RetryAfter: secs,
		})
	default:
		s.logger.Error().Err(err).Msg("rest handler error")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

type createSessionRequest struct {
	Name  string               `json:"name"`
	State *doc.SessionDocument `json:"state"`
}

type updateSessionRequest struct {
	Name  *string              `json:"name"`
	State *doc.SessionDocument `json:"state"`
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRESTBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds 1MB")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_json", "request body is not valid JSON")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	health := map[string]any{
		"status":         "ok",
		"activeSessions": s.registry.Len(),
		"connections":    s.guard.CurrentConnections(),
		"coldStore":      "ok",
		"shuttingDown":   s.shuttingDown.Load(),
	}
	if err := s.cold.HealthCheck(r.Context()); err != nil {
		health["status"] = "degraded"
		health["coldStore"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if !s.decodeBody(w, r, &req) {
			return
		}
	}
	rec, err := s.registry.Create(r.Context(), req.Name, req.State)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Record(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.State == nil {
		writeError(w, http.StatusBadRequest, "missing_state", "PUT requires a state document")
		return
	}
	rec, err := s.registry.ReplaceState(r.Context(), chi.URLParam(r, "sessionID"), req.State)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "sessionID")
	var (
		rec *store.SessionRecord
		err error
	)
	if req.Name != nil {
		rec, err = s.registry.Rename(r.Context(), id, *req.Name)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	if req.State != nil {
		rec, err = s.registry.ReplaceState(r.Context(), id, req.State)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	if rec == nil {
		writeError(w, http.StatusBadRequest, "empty_patch", "PATCH requires a name or state field")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRemixSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Remix(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handlePublishSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Publish(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}
