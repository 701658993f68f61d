package handlers

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskbridge/taskbridge/internal/services/workspace"
)

func testFilesRouter(t *testing.T) (chi.Router, string) {
	t.Helper()
	mount := t.TempDir()
	h := NewFilesHandler(workspace.NewManager(mount, zap.NewNop()), 0, zap.NewNop())

	r := chi.NewRouter()
	r.Route("/workspace/{id}", func(r chi.Router) {
		r.Get("/files", h.List)
		r.Post("/upload", h.Upload)
		r.Get("/download/*", h.Download)
		r.Delete("/files/*", h.Delete)
	})
	return r, mount
}

func multipartFile(t *testing.T, field, filename, content, path string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	if path != "" {
		require.NoError(t, mw.WriteField("path", path))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestFileUploadAndDownload(t *testing.T) {
	r, mount := testFilesRouter(t)

	body, contentType := multipartFile(t, "file", "hello.txt", "hello world", "docs/hello.txt")
	req := httptest.NewRequest(http.MethodPost, "/workspace/proj/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	data, err := os.ReadFile(filepath.Join(mount, "proj", "docs", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	t.Run("download round trip", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/workspace/proj/download/docs/hello.txt", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "hello world", w.Body.String())
		assert.Contains(t, w.Header().Get("Content-Disposition"), "hello.txt")
	})

	t.Run("download missing file", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/workspace/proj/download/nope.txt", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("traversal rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/workspace/proj/download/../secret", nil))
		// chi normalizes or the validator rejects; either way no escape.
		assert.NotEqual(t, http.StatusOK, w.Code)
	})
}

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := io.WriteString(tw, content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestArchiveUpload(t *testing.T) {
	r, mount := testFilesRouter(t)

	archive := tarGz(t, map[string]string{
		"main.go":       "package main",
		"sub/helper.go": "package sub",
	})
	body, contentType := multipartFile(t, "archive", "ws.tar.gz", string(archive), "")

	req := httptest.NewRequest(http.MethodPost, "/workspace/proj/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 2, resp["files"])

	data, err := os.ReadFile(filepath.Join(mount, "proj", "sub", "helper.go"))
	require.NoError(t, err)
	assert.Equal(t, "package sub", string(data))
}

func TestArchiveUploadRejectsTraversal(t *testing.T) {
	r, mount := testFilesRouter(t)

	archive := tarGz(t, map[string]string{"../escape.txt": "evil"})
	body, contentType := multipartFile(t, "archive", "ws.tar.gz", string(archive), "")

	req := httptest.NewRequest(http.MethodPost, "/workspace/proj/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	_, err := os.Stat(filepath.Join(mount, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileListAndDelete(t *testing.T) {
	r, mount := testFilesRouter(t)
	require.NoError(t, os.MkdirAll(filepath.Join(mount, "proj"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mount, "proj", "a.txt"), []byte("a"), 0o644))

	t.Run("list", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/workspace/proj/files", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "a.txt")
	})

	t.Run("list missing workspace", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/workspace/ghost/files", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("delete", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/workspace/proj/files/a.txt", nil))
		require.Equal(t, http.StatusOK, w.Code)
		_, err := os.Stat(filepath.Join(mount, "proj", "a.txt"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("delete missing file", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/workspace/proj/files/gone.txt", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
