package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskbridge/taskbridge/internal/services/engine"
)

// Type is the agent flavor: computer agents run tasks through an
// execution runtime, LLM agents are prompt-only.
type Type string

const (
	TypeComputer Type = "computer"
	TypeLLM      Type = "llm"
)

var (
	ErrRuntimeRequired  = errors.New("computer agents require a runtime")
	ErrRuntimeForbidden = errors.New("llm agents must not have a runtime")
	ErrToolsForbidden   = errors.New("computer agents cannot carry function tools")
)

// Config declares an agent.
type Config struct {
	Name    string
	Type    Type
	Runtime Runtime
	// FunctionTools is the prompt-level tool list for LLM agents.
	FunctionTools []string
	MCPServers    []engine.MCPServer
}

// Agent is a configured task executor. It remembers the session id the
// runtime returns so consecutive Execute calls share one conversation.
type Agent struct {
	id            string
	name          string
	agentType     Type
	runtime       Runtime
	functionTools []string
	mcpServers    []engine.MCPServer

	sessionID string
}

// New validates the configuration and returns the agent. Validation is
// constructor-time so a misconfigured agent never reaches Execute.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}

	switch cfg.Type {
	case TypeComputer:
		if cfg.Runtime == nil {
			return nil, ErrRuntimeRequired
		}
		if len(cfg.FunctionTools) > 0 {
			return nil, ErrToolsForbidden
		}
	case TypeLLM:
		if cfg.Runtime != nil {
			return nil, ErrRuntimeForbidden
		}
	default:
		return nil, fmt.Errorf("unknown agent type %q", cfg.Type)
	}

	return &Agent{
		id:            uuid.New().String(),
		name:          cfg.Name,
		agentType:     cfg.Type,
		runtime:       cfg.Runtime,
		functionTools: cfg.FunctionTools,
		mcpServers:    cfg.MCPServers,
	}, nil
}

func (a *Agent) Name() string    { return a.name }
func (a *Agent) AgentType() Type { return a.agentType }

// SessionID returns the session carried across Execute calls; empty
// until the first task completes.
func (a *Agent) SessionID() string { return a.sessionID }

// ResetSession drops session continuity; the next task starts fresh.
func (a *Agent) ResetSession() { a.sessionID = "" }

// ResumeSession pins the agent to an existing session.
func (a *Agent) ResumeSession(sessionID string) { a.sessionID = sessionID }

// Execute runs one task in the given workspace. The returned session id
// is stored on the agent for the next call.
func (a *Agent) Execute(ctx context.Context, task, workspace string) (*Result, error) {
	if a.agentType != TypeComputer {
		return nil, fmt.Errorf("agent %q has no execution runtime", a.name)
	}

	result, err := a.runtime.Execute(ctx, Request{
		AgentID:    a.id,
		Task:       task,
		Workspace:  workspace,
		SessionID:  a.sessionID,
		MCPServers: a.mcpServers,
	})
	if err != nil {
		return nil, err
	}

	if result.SessionID != "" {
		a.sessionID = result.SessionID
	}
	return result, nil
}
