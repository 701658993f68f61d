package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrEngineUnavailable marks transport-level failures talking to the
	// execution engine; handlers translate it to 502.
	ErrEngineUnavailable = errors.New("engine unavailable")
)

// Usage is the token accounting the engine reports for one turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Turn is the result of running one task on a thread.
type Turn struct {
	Output    string `json:"output"`
	Usage     Usage  `json:"usage"`
	Model     string `json:"model,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// MCPServerType discriminates the tool-server union.
type MCPServerType string

const (
	MCPServerStdio MCPServerType = "stdio"
	MCPServerHTTP  MCPServerType = "http"
)

// MCPServer describes one tool server attached to a thread. Fields beyond
// the discriminated set are preserved in Raw and passed to the engine
// untouched, so new engine options work without a release here.
type MCPServer struct {
	Name    string        `json:"name"`
	Type    MCPServerType `json:"type"`
	Command string        `json:"command,omitempty"`
	Args    []string      `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string        `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	Raw map[string]json.RawMessage `json:"-"`
}

// knownMCPFields are stripped from Raw so they are not emitted twice.
var knownMCPFields = map[string]bool{
	"name": true, "type": true, "command": true, "args": true,
	"env": true, "url": true, "headers": true,
}

func (m *MCPServer) UnmarshalJSON(data []byte) error {
	type plain MCPServer
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = MCPServer(p)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownMCPFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		m.Raw = raw
	}
	return nil
}

func (m MCPServer) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"name": m.Name,
		"type": m.Type,
	}
	if m.Command != "" {
		out["command"] = m.Command
	}
	if len(m.Args) > 0 {
		out["args"] = m.Args
	}
	if len(m.Env) > 0 {
		out["env"] = m.Env
	}
	if m.URL != "" {
		out["url"] = m.URL
	}
	if len(m.Headers) > 0 {
		out["headers"] = m.Headers
	}
	for k, v := range m.Raw {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// Validate enforces the per-type required fields.
func (m *MCPServer) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("mcp server: name is required")
	}
	switch m.Type {
	case MCPServerStdio:
		if m.Command == "" {
			return fmt.Errorf("mcp server %q: stdio type requires command", m.Name)
		}
		if m.Args == nil {
			return fmt.Errorf("mcp server %q: stdio type requires args", m.Name)
		}
	case MCPServerHTTP:
		if m.URL == "" {
			return fmt.Errorf("mcp server %q: http type requires url", m.Name)
		}
	default:
		return fmt.Errorf("mcp server %q: unknown type %q", m.Name, m.Type)
	}
	return nil
}

// DefaultSandbox is the engine sandbox profile used when none is set.
// Workspaces live on a dedicated mount, so full filesystem access within
// the thread's working directory is the intended mode.
const DefaultSandbox = "danger-full-access"

// ThreadOptions configures a new engine thread.
type ThreadOptions struct {
	WorkingDir   string
	Sandbox      string
	SkipVCSCheck bool
	SystemPrompt string
	Model        string
	ResumeID     string
	MCPServers   []MCPServer
}

// Thread is one conversational context inside the engine. Run is not safe
// for concurrent use; callers serialize per thread.
type Thread interface {
	ID() string
	Run(ctx context.Context, task string) (*Turn, error)
	Close() error
}

// Engine opens threads. Implementations: the HTTP client in this package
// and the in-memory mock used by tests.
type Engine interface {
	OpenThread(ctx context.Context, opts ThreadOptions) (Thread, error)
}
