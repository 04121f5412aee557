package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/session"
)

// CreateSessionRequest is the POST /session body.
type CreateSessionRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
}

// HandleCreateSession handles POST /session.
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Name == "" {
		http.Error(w, "userId and name are required", http.StatusBadRequest)
		return
	}

	sess, err := h.service.Store().Create(r.Context(), req.SessionID, req.UserID, req.Name)
	if err != nil {
		if errors.Is(err, session.ErrExists) {
			http.Error(w, "session already exists", http.StatusConflict)
			return
		}
		log.Error().Err(err).Msg("session create failed")
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot(req.UserID))
}

// HandleGetSession handles GET /session/{id}: the pull transport's read path.
// The optional userId query parameter unmasks the viewer's own vote.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	viewer := r.URL.Query().Get("userId")

	sess, err := h.service.Store().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("session_id", id).Msg("session read failed")
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot(viewer))
}

// HandlePostAction handles POST /session/{id}: the pull transport's write
// path. Lock contention maps to 409 so the client can retry on its next tick.
func (h *Handler) HandlePostAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var action Action
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		http.Error(w, "invalid action body", http.StatusBadRequest)
		return
	}
	if action.Type == "" || action.UserID == "" {
		http.Error(w, "type and userId are required", http.StatusBadRequest)
		return
	}

	res, err := h.service.Apply(r.Context(), id, action)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			http.Error(w, "session not found", http.StatusNotFound)
		case errors.Is(err, session.ErrLockContention):
			w.Header().Set("Retry-After", "1")
			http.Error(w, "session busy", http.StatusConflict)
		default:
			log.Error().
				Err(err).
				Str("session_id", id).
				Str("action", string(action.Type)).
				Msg("action failed")
			http.Error(w, "action failed", http.StatusBadRequest)
		}
		return
	}
	writeJSON(w, http.StatusOK, res.Session.Snapshot(action.UserID))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
