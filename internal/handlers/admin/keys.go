package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskbridge/taskbridge/internal/services/key"
)

// KeysHandler is the admin surface for API key lifecycle.
type KeysHandler struct {
	keys   *key.Service
	logger *zap.Logger
}

func NewKeysHandler(keys *key.Service, logger *zap.Logger) *KeysHandler {
	return &KeysHandler{keys: keys, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}

func keyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_key_id", "key id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// Create handles POST /admin/keys. The plaintext appears in this
// response and nowhere else.
func (h *KeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req key.CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	resp, err := h.keys.CreateKey(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "create_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// List handles GET /admin/keys?limit&offset&include_inactive.
func (h *KeysHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))

	keys, total, err := h.keys.ListKeys(r.Context(), limit, offset, includeInactive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":   keys,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// Get handles GET /admin/keys/{id}, augmented with the usage summary.
func (h *KeysHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := keyID(w, r)
	if !ok {
		return
	}

	k, err := h.keys.GetKey(r.Context(), id)
	if err != nil {
		if errors.Is(err, key.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "key_not_found", "key does not exist")
			return
		}
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to load key")
		return
	}

	summary, err := h.keys.GetUsageSummary(r.Context(), id, nil)
	if err != nil {
		h.logger.Warn("usage summary failed", zap.String("key_id", id.String()), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":   k,
		"usage": summary,
	})
}

// Update handles PATCH /admin/keys/{id}.
func (h *KeysHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := keyID(w, r)
	if !ok {
		return
	}

	var req key.UpdateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	k, err := h.keys.UpdateKey(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, key.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "key_not_found", "key does not exist")
			return
		}
		writeError(w, http.StatusInternalServerError, "update_failed", "failed to update key")
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// Revoke handles POST /admin/keys/{id}/revoke.
func (h *KeysHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := keyID(w, r)
	if !ok {
		return
	}

	if err := h.keys.RevokeKey(r.Context(), id); err != nil {
		if errors.Is(err, key.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "key_not_found", "key does not exist")
			return
		}
		writeError(w, http.StatusInternalServerError, "revoke_failed", "failed to revoke key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key_id":  id,
		"revoked": true,
	})
}

// Delete handles DELETE /admin/keys/{id} — hard delete with cascades.
func (h *KeysHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := keyID(w, r)
	if !ok {
		return
	}

	if err := h.keys.DeleteKey(r.Context(), id); err != nil {
		if errors.Is(err, key.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "key_not_found", "key does not exist")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key_id":  id,
		"deleted": true,
	})
}

// Usage handles GET /admin/keys/{id}/usage?since.
func (h *KeysHandler) Usage(w http.ResponseWriter, r *http.Request) {
	id, ok := keyID(w, r)
	if !ok {
		return
	}

	var since *time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since", "since must be RFC 3339")
			return
		}
		t = t.UTC()
		since = &t
	}

	summary, err := h.keys.GetUsageSummary(r.Context(), id, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage_failed", "failed to aggregate usage")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
