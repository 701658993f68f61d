package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/taskbridge/taskbridge/internal/services/session"
)

const defaultCleanupDays = 7

// SessionsHandler inspects and manages sessions: the durable audit
// records on disk plus the live thread cache.
type SessionsHandler struct {
	cache  *session.Cache
	audit  *session.AuditStore
	logger *zap.Logger
}

func NewSessionsHandler(cache *session.Cache, audit *session.AuditStore, logger *zap.Logger) *SessionsHandler {
	return &SessionsHandler{cache: cache, audit: audit, logger: logger}
}

// List handles GET /sessions — every session known on disk.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	records, err := h.audit.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": records,
		"total":    len(records),
	})
}

// Get handles GET /sessions/{id}.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validateIdentifier("session_id", id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id", err.Error())
		return
	}

	rec, err := h.audit.Get(id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "session does not exist")
			return
		}
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to read session")
		return
	}

	_, live := h.cache.Get(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": rec,
		"live":    live,
	})
}

// ListActive handles GET /sessions/active/list — the in-memory cache only.
func (h *SessionsHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	entries := h.cache.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": entries,
		"total":    len(entries),
	})
}

// Delete handles DELETE /sessions/{id}: live entry, sidecars, audit.
func (h *SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validateIdentifier("session_id", id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id", err.Error())
		return
	}

	cacheErr := h.cache.Delete(id)
	auditErr := h.audit.Delete(id)
	if errors.Is(cacheErr, session.ErrSessionNotFound) && errors.Is(auditErr, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session_not_found", "session does not exist")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"deleted":    true,
	})
}

// ClearCache handles POST /cache/clear — drops every live thread handle.
// Sidecars survive, so sessions resume on next use.
func (h *SessionsHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	cleared := h.cache.Len()
	h.cache.Close()
	h.logger.Info("thread cache cleared", zap.Int("entries", cleared))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cleared": cleared,
	})
}

type cleanupRequest struct {
	OlderThanDays *int `json:"older_than_days,omitempty"`
}

func (c cleanupRequest) horizon() time.Duration {
	days := defaultCleanupDays
	if c.OlderThanDays != nil && *c.OlderThanDays > 0 {
		days = *c.OlderThanDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// Cleanup handles POST /cleanup/sessions.
func (h *SessionsHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
	}

	horizon := req.horizon()
	auditRemoved, err := h.audit.CleanupStale(horizon)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup_failed", "failed to clean up sessions")
		return
	}
	sidecarsRemoved, _ := h.cache.CleanupStale(horizon)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed":          auditRemoved,
		"sidecars_removed": sidecarsRemoved,
	})
}
