package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ClientConfig configures the HTTP engine client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Client talks to the execution engine over HTTP. It implements Engine.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type openThreadRequest struct {
	WorkingDir   string      `json:"working_directory"`
	Sandbox      string      `json:"sandbox"`
	SkipVCSCheck bool        `json:"skip_vcs_check"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
	Model        string      `json:"model,omitempty"`
	ResumeID     string      `json:"resume_id,omitempty"`
	MCPServers   []MCPServer `json:"mcp_servers,omitempty"`
}

type openThreadResponse struct {
	ThreadID string `json:"thread_id"`
}

func (c *Client) OpenThread(ctx context.Context, opts ThreadOptions) (Thread, error) {
	for i := range opts.MCPServers {
		if err := opts.MCPServers[i].Validate(); err != nil {
			return nil, err
		}
	}

	sandbox := opts.Sandbox
	if sandbox == "" {
		sandbox = DefaultSandbox
	}

	var resp openThreadResponse
	err := c.do(ctx, http.MethodPost, "/v1/threads", openThreadRequest{
		WorkingDir:   opts.WorkingDir,
		Sandbox:      sandbox,
		SkipVCSCheck: opts.SkipVCSCheck,
		SystemPrompt: opts.SystemPrompt,
		Model:        opts.Model,
		ResumeID:     opts.ResumeID,
		MCPServers:   opts.MCPServers,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ThreadID == "" {
		return nil, fmt.Errorf("%w: engine returned empty thread id", ErrEngineUnavailable)
	}

	c.logger.Debug("thread opened",
		zap.String("thread_id", resp.ThreadID),
		zap.String("working_dir", opts.WorkingDir))

	return &httpThread{client: c, id: resp.ThreadID}, nil
}

type runRequest struct {
	Task string `json:"task"`
}

// httpThread is the remote half of a Thread. Close is advisory; the
// engine reaps idle threads on its own.
type httpThread struct {
	client *Client
	id     string
}

func (t *httpThread) ID() string { return t.id }

func (t *httpThread) Run(ctx context.Context, task string) (*Turn, error) {
	var turn Turn
	path := fmt.Sprintf("/v1/threads/%s/messages", t.id)
	if err := t.client.do(ctx, http.MethodPost, path, runRequest{Task: task}, &turn); err != nil {
		return nil, err
	}
	if turn.SessionID == "" {
		turn.SessionID = t.id
	}
	return &turn, nil
}

func (t *httpThread) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return t.client.do(ctx, http.MethodDelete, "/v1/threads/"+t.id, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Context expiry is the caller's deadline, not an engine fault.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: engine returned %d: %s", ErrEngineUnavailable, resp.StatusCode, string(data))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode engine response: %v", ErrEngineUnavailable, err)
	}
	return nil
}
