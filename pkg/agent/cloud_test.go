package agent

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCloudRuntime(t *testing.T, srv *httptest.Server) *CloudRuntime {
	t.Helper()
	rt, err := NewCloudRuntime("tb_testkey")
	require.NoError(t, err)
	rt.baseURL = srv.URL
	return rt
}

func TestNewCloudRuntimeRequiresKey(t *testing.T) {
	t.Setenv(APIKeyEnvVar, "")
	_, err := NewCloudRuntime("")
	assert.ErrorIs(t, err, ErrAuthentication)

	t.Setenv(APIKeyEnvVar, "tb_from_env")
	rt, err := NewCloudRuntime("")
	require.NoError(t, err)
	assert.Equal(t, "tb_from_env", rt.apiKey)
}

func TestCloudRuntimeErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrAuthentication},
		{"forbidden", http.StatusForbidden, ErrAuthentication},
		{"payment required", http.StatusPaymentRequired, ErrInsufficientCredits},
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited},
		{"gateway timeout", http.StatusGatewayTimeout, ErrServerTimeout},
		{"bad gateway", http.StatusBadGateway, ErrServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			rt := testCloudRuntime(t, srv)
			_, err := rt.Execute(context.Background(), Request{
				Task:              "x",
				Workspace:         "/tmp/ws",
				SkipWorkspaceSync: true,
			})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCloudRuntimeExecuteWithSync(t *testing.T) {
	local := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(local, "input.txt"), []byte("payload"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(local, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, ".git", "HEAD"), []byte("ref"), 0o644))

	workspaceID := filepath.Base(local)
	var uploaded []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tb_testkey", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/workspace/"+workspaceID+"/upload":
			f, _, err := r.FormFile("archive")
			require.NoError(t, err)
			defer f.Close()

			gz, err := gzip.NewReader(f)
			require.NoError(t, err)
			tr := tar.NewReader(gz)
			for {
				hdr, err := tr.Next()
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				uploaded = append(uploaded, hdr.Name)
			}
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodPost && r.URL.Path == "/execute":
			var req cloudExecuteRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, workspaceID, req.WorkspaceID)
			json.NewEncoder(w).Encode(cloudExecuteResponse{
				Output:      "task output",
				SessionID:   "sess-42",
				WorkspaceID: req.WorkspaceID,
			})

		case r.Method == http.MethodGet && r.URL.Path == "/workspace/"+workspaceID+"/files":
			json.NewEncoder(w).Encode(listResponse{Files: []listedFile{
				{Name: "input.txt", Path: "input.txt", ModifiedAt: time.Now().Add(-time.Hour)},
				{Name: "result.txt", Path: "result.txt", ModifiedAt: time.Now().Add(time.Hour)},
			}})

		case r.Method == http.MethodGet && r.URL.Path == "/workspace/"+workspaceID+"/download/result.txt":
			io.WriteString(w, "generated")

		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rt := testCloudRuntime(t, srv)
	res, err := rt.Execute(context.Background(), Request{Task: "build it", Workspace: local})
	require.NoError(t, err)

	assert.Equal(t, "task output", res.Output)
	assert.Equal(t, "sess-42", res.SessionID)
	assert.Contains(t, uploaded, "input.txt")
	assert.NotContains(t, uploaded, ".git/HEAD", "vcs state stays local")

	// Only the file the server reports as changed comes back.
	data, err := os.ReadFile(filepath.Join(local, "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "generated", string(data))
}

func TestCloudRuntimeValidation(t *testing.T) {
	rt, err := NewCloudRuntime("tb_testkey")
	require.NoError(t, err)

	_, err = rt.Execute(context.Background(), Request{Workspace: "/ws"})
	assert.Error(t, err)

	_, err = rt.Execute(context.Background(), Request{Task: "x"})
	assert.Error(t, err)
}
