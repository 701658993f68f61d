package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MockEngine is an in-memory Engine for tests. Each OpenThread returns a
// MockThread whose Run behavior is programmable via RunFunc.
type MockEngine struct {
	mu      sync.Mutex
	threads []*MockThread
	counter atomic.Int64

	// OpenErr, when set, fails every OpenThread call.
	OpenErr error
	// RunFunc is installed on every opened thread. Defaults to an echo
	// response with small token counts.
	RunFunc func(ctx context.Context, task string) (*Turn, error)
}

func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

func (m *MockEngine) OpenThread(ctx context.Context, opts ThreadOptions) (Thread, error) {
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	for i := range opts.MCPServers {
		if err := opts.MCPServers[i].Validate(); err != nil {
			return nil, err
		}
	}

	id := opts.ResumeID
	if id == "" {
		id = fmt.Sprintf("mock-thread-%d", m.counter.Add(1))
	}
	t := &MockThread{id: id, opts: opts, runFunc: m.RunFunc}

	m.mu.Lock()
	m.threads = append(m.threads, t)
	m.mu.Unlock()
	return t, nil
}

// Threads returns every thread opened so far.
func (m *MockEngine) Threads() []*MockThread {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockThread, len(m.threads))
	copy(out, m.threads)
	return out
}

type MockThread struct {
	id      string
	opts    ThreadOptions
	runFunc func(ctx context.Context, task string) (*Turn, error)

	mu     sync.Mutex
	tasks  []string
	closed bool
}

func (t *MockThread) ID() string            { return t.id }
func (t *MockThread) Options() ThreadOptions { return t.opts }

func (t *MockThread) Run(ctx context.Context, task string) (*Turn, error) {
	t.mu.Lock()
	t.tasks = append(t.tasks, task)
	t.mu.Unlock()

	if t.runFunc != nil {
		return t.runFunc(ctx, task)
	}
	return &Turn{
		Output:    "ok: " + task,
		Usage:     Usage{InputTokens: 10, OutputTokens: 5},
		SessionID: t.id,
	}, nil
}

func (t *MockThread) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *MockThread) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Tasks returns the tasks run on this thread, in order.
func (t *MockThread) Tasks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.tasks))
	copy(out, t.tasks)
	return out
}
