package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskbridge/taskbridge/internal/services/engine"
)

// LocalRuntime runs tasks through an Engine directly against the
// caller's filesystem. Threads are cached per agent, so consecutive
// tasks from one agent share a conversation automatically.
type LocalRuntime struct {
	engine engine.Engine

	mu      sync.Mutex
	threads map[string]engine.Thread
}

func NewLocalRuntime(eng engine.Engine) *LocalRuntime {
	return &LocalRuntime{
		engine:  eng,
		threads: make(map[string]engine.Thread),
	}
}

func (r *LocalRuntime) Type() RuntimeType { return RuntimeLocal }

func (r *LocalRuntime) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Task == "" {
		return nil, fmt.Errorf("task is required")
	}
	if req.Workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}

	thread, err := r.thread(ctx, req)
	if err != nil {
		return nil, err
	}

	turn, err := thread.Run(ctx, req.Task)
	if err != nil {
		return nil, err
	}

	sessionID := turn.SessionID
	if sessionID == "" {
		sessionID = thread.ID()
	}
	return &Result{
		Output:    turn.Output,
		SessionID: sessionID,
		Metadata: map[string]interface{}{
			"input_tokens":  turn.Usage.InputTokens,
			"output_tokens": turn.Usage.OutputTokens,
		},
	}, nil
}

func (r *LocalRuntime) thread(ctx context.Context, req Request) (engine.Thread, error) {
	r.mu.Lock()
	if t, ok := r.threads[req.AgentID]; ok {
		r.mu.Unlock()
		return t, nil
	}
	r.mu.Unlock()

	t, err := r.engine.OpenThread(ctx, engine.ThreadOptions{
		WorkingDir:   req.Workspace,
		SkipVCSCheck: true,
		ResumeID:     req.SessionID,
		MCPServers:   req.MCPServers,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.threads[req.AgentID] = t
	r.mu.Unlock()
	return t, nil
}

// Close drops every cached thread.
func (r *LocalRuntime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.threads {
		t.Close()
		delete(r.threads, id)
	}
}
