package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/taskbridge/taskbridge/internal/services/workspace"
)

// WorkspacesHandler covers the workspace inventory surface.
type WorkspacesHandler struct {
	workspaces *workspace.Manager
	logger     *zap.Logger
}

func NewWorkspacesHandler(ws *workspace.Manager, logger *zap.Logger) *WorkspacesHandler {
	return &WorkspacesHandler{workspaces: ws, logger: logger}
}

// List handles GET /workspaces.
func (h *WorkspacesHandler) List(w http.ResponseWriter, r *http.Request) {
	workspaces, err := h.workspaces.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list workspaces")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workspaces": workspaces,
		"total":      len(workspaces),
	})
}

// Delete handles DELETE /workspaces/{id}.
func (h *WorkspacesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validateIdentifier("workspace_id", id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_workspace_id", err.Error())
		return
	}

	if err := h.workspaces.Delete(id); err != nil {
		if errors.Is(err, workspace.ErrWorkspaceNotFound) {
			writeError(w, http.StatusNotFound, "workspace_not_found", "workspace does not exist")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete workspace")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workspace_id": id,
		"deleted":      true,
	})
}

// Cleanup handles POST /cleanup/workspaces.
func (h *WorkspacesHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
			return
		}
	}

	removed, err := h.workspaces.RetentionSweep(req.horizon())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup_failed", "failed to sweep workspaces")
		return
	}

	h.logger.Info("workspace cleanup", zap.Int("removed", len(removed)))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed":       len(removed),
		"workspace_ids": removed,
	})
}
