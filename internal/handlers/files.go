package handlers

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/taskbridge/taskbridge/internal/services/workspace"
)

// FilesHandler serves the workspace file surface: list, upload (single
// file or tar.gz archive), download, delete.
type FilesHandler struct {
	workspaces    *workspace.Manager
	maxUploadSize int64
	logger        *zap.Logger
}

func NewFilesHandler(ws *workspace.Manager, maxUploadSize int64, logger *zap.Logger) *FilesHandler {
	if maxUploadSize <= 0 {
		maxUploadSize = 100 * 1024 * 1024
	}
	return &FilesHandler{workspaces: ws, maxUploadSize: maxUploadSize, logger: logger}
}

func (h *FilesHandler) workspaceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := validateIdentifier("workspace_id", id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_workspace_id", err.Error())
		return "", false
	}
	return id, true
}

// List handles GET /workspace/{id}/files?path=
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workspaceID(w, r)
	if !ok {
		return
	}

	subpath := r.URL.Query().Get("path")
	if subpath != "" {
		if err := validateFilePath(subpath); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
			return
		}
	}

	files, err := h.workspaces.ListFiles(id, subpath)
	if err != nil {
		switch {
		case errors.Is(err, workspace.ErrWorkspaceNotFound):
			writeError(w, http.StatusNotFound, "workspace_not_found", "workspace does not exist")
		case errors.Is(err, workspace.ErrInvalidPath):
			writeError(w, http.StatusBadRequest, "invalid_path", "path is invalid")
		default:
			writeError(w, http.StatusInternalServerError, "list_failed", "failed to list files")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workspace_id": id,
		"path":         subpath,
		"files":        files,
	})
}

// Upload handles POST /workspace/{id}/upload. Multipart with either a
// "file" part (stored at the "path" form value) or an "archive" part
// (tar.gz, extracted into the workspace root).
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workspaceID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload", "multipart body required or size limit exceeded")
		return
	}
	defer r.MultipartForm.RemoveAll()

	if _, err := h.workspaces.Ensure(id); err != nil {
		writeError(w, http.StatusInternalServerError, "workspace_error", "failed to prepare workspace")
		return
	}

	if file, _, err := r.FormFile("archive"); err == nil {
		defer file.Close()
		count, err := h.extractArchive(id, file)
		if err != nil {
			h.logger.Warn("archive extraction failed", zap.String("workspace_id", id), zap.Error(err))
			writeError(w, http.StatusBadRequest, "invalid_archive", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"workspace_id": id,
			"files":        count,
		})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", "either a file or archive part is required")
		return
	}
	defer file.Close()

	target := r.FormValue("path")
	if target == "" {
		target = header.Filename
	}
	if err := validateFilePath(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}

	dest, err := h.workspaces.SafeJoin(id, target)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", "path is invalid")
		return
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "upload_failed", "failed to create target directory")
		return
	}

	out, err := os.Create(dest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "upload_failed", "failed to create file")
		return
	}
	defer out.Close()

	written, err := io.Copy(out, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "upload_failed", "failed to write file")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workspace_id": id,
		"path":         target,
		"size_bytes":   written,
	})
}

// extractArchive unpacks a tar.gz stream into the workspace, rejecting
// entries that would escape it.
func (h *FilesHandler) extractArchive(workspaceID string, r io.Reader) (int, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("not a gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("corrupt archive: %w", err)
		}

		name := strings.TrimPrefix(filepath.ToSlash(hdr.Name), "./")
		if name == "" || name == "." {
			continue
		}
		if err := validateFilePath(name); err != nil {
			return count, fmt.Errorf("archive entry %q: %w", hdr.Name, err)
		}
		dest, err := h.workspaces.SafeJoin(workspaceID, name)
		if err != nil {
			return count, fmt.Errorf("archive entry %q: invalid path", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return count, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return count, err
			}
			out, err := os.Create(dest)
			if err != nil {
				return count, err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return count, err
			}
			out.Close()
			count++
		default:
			// Symlinks and devices are not allowed into workspaces.
			continue
		}
	}
	return count, nil
}

// Download handles GET /workspace/{id}/download/*
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workspaceID(w, r)
	if !ok {
		return
	}

	rel := chi.URLParam(r, "*")
	if err := validateFilePath(rel); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}

	path, err := h.workspaces.SafeJoin(id, rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", "path is invalid")
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "file_not_found", "file does not exist")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "download_failed", "failed to open file")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

// Delete handles DELETE /workspace/{id}/files/*
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.workspaceID(w, r)
	if !ok {
		return
	}

	rel := chi.URLParam(r, "*")
	if err := validateFilePath(rel); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
		return
	}

	path, err := h.workspaces.SafeJoin(id, rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_path", "path is invalid")
		return
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		writeError(w, http.StatusNotFound, "file_not_found", "file does not exist")
		return
	}
	if err := os.RemoveAll(path); err != nil {
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete file")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workspace_id": id,
		"path":         rel,
		"deleted":      true,
	})
}
