package agent

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taskbridge/taskbridge/internal/services/engine"
)

// DefaultBaseURL is the hosted control plane. It is fixed at build time;
// production builds do not take a user override.
const DefaultBaseURL = "https://api.taskbridge.dev"

// APIKeyEnvVar is consulted when no key is passed explicitly.
const APIKeyEnvVar = "TASKBRIDGE_API_KEY"

var (
	ErrAuthentication      = errors.New("authentication failed")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrRateLimited         = errors.New("rate limited or over budget")
	ErrServerTimeout       = errors.New("server-side execution deadline exceeded")
	ErrServer              = errors.New("server error")
)

// CloudRuntime executes tasks against the hosted control plane: upload
// the workspace, invoke /execute, download what changed.
type CloudRuntime struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// CloudOption adjusts the runtime at construction.
type CloudOption func(*CloudRuntime)

// WithTimeout sets the client-side deadline for the execute call. It
// should track the server's; the default is the server's cap.
func WithTimeout(d time.Duration) CloudOption {
	return func(r *CloudRuntime) { r.http.Timeout = d }
}

// NewCloudRuntime builds a cloud runtime. The key comes from the
// argument or, when empty, the TASKBRIDGE_API_KEY environment variable.
func NewCloudRuntime(apiKey string, opts ...CloudOption) (*CloudRuntime, error) {
	if apiKey == "" {
		apiKey = os.Getenv(APIKeyEnvVar)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required (set %s)", ErrAuthentication, APIKeyEnvVar)
	}

	r := &CloudRuntime{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Minute},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *CloudRuntime) Type() RuntimeType { return RuntimeCloud }

type cloudExecuteRequest struct {
	Task        string             `json:"task"`
	WorkspaceID string             `json:"workspace_id"`
	SessionID   string             `json:"session_id,omitempty"`
	MCPServers  []engine.MCPServer `json:"mcp_servers,omitempty"`
}

type cloudExecuteResponse struct {
	Output      string                 `json:"output"`
	SessionID   string                 `json:"session_id"`
	WorkspaceID string                 `json:"workspace_id"`
	Usage       map[string]interface{} `json:"usage,omitempty"`
	Billing     map[string]interface{} `json:"billing,omitempty"`
}

func (r *CloudRuntime) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Task == "" {
		return nil, fmt.Errorf("task is required")
	}
	if req.Workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}

	workspaceID := filepath.Base(req.Workspace)
	syncStart := time.Now().UTC()

	if !req.SkipWorkspaceSync {
		if err := r.uploadWorkspace(ctx, workspaceID, req.Workspace); err != nil {
			return nil, fmt.Errorf("workspace upload: %w", err)
		}
	}

	body, err := json.Marshal(cloudExecuteRequest{
		Task:        req.Task,
		WorkspaceID: workspaceID,
		SessionID:   req.SessionID,
		MCPServers:  req.MCPServers,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.http.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrServerTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrServer, err)
	}
	defer resp.Body.Close()

	if err := mapStatus(resp); err != nil {
		return nil, err
	}

	var out cloudExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: bad response: %v", ErrServer, err)
	}

	if !req.SkipWorkspaceSync {
		if err := r.downloadChanged(ctx, workspaceID, req.Workspace, syncStart); err != nil {
			// The task already ran; a sync failure is reported but the
			// output survives.
			return nil, fmt.Errorf("workspace download: %w", err)
		}
	}

	return &Result{
		Output:    out.Output,
		SessionID: out.SessionID,
		Metadata: map[string]interface{}{
			"workspace_id": out.WorkspaceID,
			"usage":        out.Usage,
			"billing":      out.Billing,
		},
	}, nil
}

// mapStatus translates HTTP failures into the typed errors callers
// branch on.
func mapStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrAuthentication
	case resp.StatusCode == http.StatusPaymentRequired:
		return ErrInsufficientCredits
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusGatewayTimeout:
		return ErrServerTimeout
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: %d: %s", ErrServer, resp.StatusCode, strings.TrimSpace(string(data)))
	}
}

// uploadWorkspace streams the local directory as a tar.gz archive.
func (r *CloudRuntime) uploadWorkspace(ctx context.Context, workspaceID, dir string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("archive", workspaceID+".tar.gz")
	if err != nil {
		return err
	}
	if err := tarDirectory(dir, part); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/workspace/%s/upload", r.baseURL, workspaceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServer, err)
	}
	defer resp.Body.Close()
	return mapStatus(resp)
}

func tarDirectory(dir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		// Local VCS state stays local.
		if strings.HasPrefix(rel, ".git") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

type listedFile struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	IsDir      bool      `json:"is_dir"`
	ModifiedAt time.Time `json:"modified_at"`
}

type listResponse struct {
	Files []listedFile `json:"files"`
}

// downloadChanged walks the remote workspace listing and pulls back
// every file modified since the sync started.
func (r *CloudRuntime) downloadChanged(ctx context.Context, workspaceID, dir string, since time.Time) error {
	queue := []string{""}
	for len(queue) > 0 {
		sub := queue[0]
		queue = queue[1:]

		files, err := r.listRemote(ctx, workspaceID, sub)
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.IsDir {
				queue = append(queue, f.Path)
				continue
			}
			if f.ModifiedAt.Before(since) {
				continue
			}
			if err := r.downloadFile(ctx, workspaceID, f.Path, filepath.Join(dir, filepath.FromSlash(f.Path))); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *CloudRuntime) listRemote(ctx context.Context, workspaceID, sub string) ([]listedFile, error) {
	url := fmt.Sprintf("%s/workspace/%s/files", r.baseURL, workspaceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if sub != "" {
		q := req.URL.Query()
		q.Set("path", sub)
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServer, err)
	}
	defer resp.Body.Close()
	if err := mapStatus(resp); err != nil {
		return nil, err
	}

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: bad listing: %v", ErrServer, err)
	}
	return out.Files, nil
}

func (r *CloudRuntime) downloadFile(ctx context.Context, workspaceID, remote, local string) error {
	url := fmt.Sprintf("%s/workspace/%s/download/%s", r.baseURL, workspaceID, remote)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServer, err)
	}
	defer resp.Body.Close()
	if err := mapStatus(resp); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}
