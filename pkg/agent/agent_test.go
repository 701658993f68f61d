package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskbridge/taskbridge/internal/services/engine"
)

// fakeRuntime records requests and plays back canned results.
type fakeRuntime struct {
	requests []Request
	result   *Result
	err      error
}

func (f *fakeRuntime) Type() RuntimeType { return RuntimeLocal }

func (f *fakeRuntime) Execute(ctx context.Context, req Request) (*Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestNewValidation(t *testing.T) {
	rt := &fakeRuntime{}

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"computer with runtime", Config{Name: "coder", Type: TypeComputer, Runtime: rt}, nil},
		{"llm without runtime", Config{Name: "writer", Type: TypeLLM}, nil},
		{"computer without runtime", Config{Name: "coder", Type: TypeComputer}, ErrRuntimeRequired},
		{"llm with runtime", Config{Name: "writer", Type: TypeLLM, Runtime: rt}, ErrRuntimeForbidden},
		{"computer with function tools", Config{Name: "coder", Type: TypeComputer, Runtime: rt, FunctionTools: []string{"calc"}}, ErrToolsForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cfg.Name, a.Name())
		})
	}

	t.Run("name is required", func(t *testing.T) {
		_, err := New(Config{Type: TypeLLM})
		assert.Error(t, err)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := New(Config{Name: "x", Type: "quantum"})
		assert.Error(t, err)
	})
}

func TestExecuteSessionContinuity(t *testing.T) {
	rt := &fakeRuntime{result: &Result{Output: "done", SessionID: "sess-1"}}
	a, err := New(Config{Name: "coder", Type: TypeComputer, Runtime: rt})
	require.NoError(t, err)
	assert.Empty(t, a.SessionID())

	res, err := a.Execute(context.Background(), "task one", "/ws")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, "sess-1", a.SessionID())

	_, err = a.Execute(context.Background(), "task two", "/ws")
	require.NoError(t, err)

	require.Len(t, rt.requests, 2)
	assert.Empty(t, rt.requests[0].SessionID, "first task starts fresh")
	assert.Equal(t, "sess-1", rt.requests[1].SessionID, "second task carries the session")

	a.ResetSession()
	assert.Empty(t, a.SessionID())

	a.ResumeSession("sess-9")
	_, err = a.Execute(context.Background(), "task three", "/ws")
	require.NoError(t, err)
	assert.Equal(t, "sess-9", rt.requests[2].SessionID)
}

func TestExecuteRequiresComputerAgent(t *testing.T) {
	a, err := New(Config{Name: "writer", Type: TypeLLM})
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), "task", "/ws")
	assert.Error(t, err)
}

func TestAgentPassesMCPServers(t *testing.T) {
	rt := &fakeRuntime{result: &Result{Output: "ok"}}
	servers := []engine.MCPServer{{Name: "fs", Type: engine.MCPServerStdio, Command: "mcp-fs", Args: []string{"--root", "/"}}}

	a, err := New(Config{Name: "coder", Type: TypeComputer, Runtime: rt, MCPServers: servers})
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), "task", "/ws")
	require.NoError(t, err)
	require.Len(t, rt.requests, 1)
	assert.Equal(t, servers, rt.requests[0].MCPServers)
}
