package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/parleyhq/parley/internal/store"
)

const (
	sessionsDefaultLimit = 50
	sessionsMaxLimit     = 100
	ratingBodyLimit      = 1 << 10
)

// sessionHandler serves the session administration endpoints.
type sessionHandler struct {
	store     SessionStore
	summaries SummaryService
	logger    *slog.Logger
}

// list returns the owner's sessions, newest first.
// GET /api/sessions?owner=&limit=
func (h *sessionHandler) list(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "missing_owner", "query parameter 'owner' is required", h.logger)
		return
	}

	limit := sessionsDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer", h.logger)
			return
		}
		limit = min(n, sessionsMaxLimit)
	}

	sessions, err := h.store.SessionsByOwner(r.Context(), owner, limit)
	if err != nil {
		h.logger.Error("listing sessions", "owner_id", owner, "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list sessions", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	}, h.logger)
}

// summary returns the session's summary fields and rating.
// GET /api/sessions/{id}/summary
func (h *sessionHandler) summary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "session not found", h.logger)
			return
		}
		h.logger.Error("fetching session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to fetch session", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, sess, h.logger)
}

// rate records a 1-5 quality rating. Re-rating overwrites.
// POST /api/sessions/{id}/rating  body: {"rating": 4}
func (h *sessionHandler) rate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Rating int `json:"rating"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, ratingBodyLimit)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "body must be JSON like {\"rating\": 4}", h.logger)
		return
	}

	err := h.store.UpdateRating(r.Context(), id, body.Rating, time.Now())
	switch {
	case errors.Is(err, store.ErrInvalidRating):
		writeError(w, http.StatusBadRequest, "invalid_rating", "rating must be between 1 and 5", h.logger)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "session not found", h.logger)
	case err != nil:
		h.logger.Error("updating rating", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "rating_failed", "failed to save rating", h.logger)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "rated", "rating": body.Rating}, h.logger)
	}
}

// regenerate rebuilds the session summary from the stored transcript.
// POST /api/sessions/{id}/summary/regenerate
func (h *sessionHandler) regenerate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.summaries.Regenerate(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "session not found", h.logger)
			return
		}
		h.logger.Error("regenerating summary", "session_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "summary_failed", "summary generation failed", h.logger)
		return
	}

	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		h.logger.Error("fetching regenerated session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to fetch session", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, sess, h.logger)
}
