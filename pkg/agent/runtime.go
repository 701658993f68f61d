package agent

import (
	"context"

	"github.com/taskbridge/taskbridge/internal/services/engine"
)

// RuntimeType discriminates where tasks execute.
type RuntimeType string

const (
	RuntimeLocal RuntimeType = "local"
	RuntimeCloud RuntimeType = "cloud"
)

// Request is one task execution submitted through a runtime.
type Request struct {
	// AgentID ties thread reuse to a specific agent instance.
	AgentID   string
	Task      string
	Workspace string
	SessionID string
	// SkipWorkspaceSync skips the upload/download phases on cloud runs.
	// Used for ephemeral cloud-only workspaces.
	SkipWorkspaceSync bool
	MCPServers        []engine.MCPServer
}

// Result is what a runtime returns for one task.
type Result struct {
	Output    string                 `json:"output"`
	SessionID string                 `json:"session_id"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Runtime executes tasks either against a local Engine or the hosted
// control plane.
type Runtime interface {
	Type() RuntimeType
	Execute(ctx context.Context, req Request) (*Result, error)
}
