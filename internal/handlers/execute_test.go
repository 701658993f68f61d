package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/taskbridge/taskbridge/internal/database"
	"github.com/taskbridge/taskbridge/internal/middleware"
	"github.com/taskbridge/taskbridge/internal/models"
	"github.com/taskbridge/taskbridge/internal/services/billing"
	"github.com/taskbridge/taskbridge/internal/services/engine"
	"github.com/taskbridge/taskbridge/internal/services/metrics"
	"github.com/taskbridge/taskbridge/internal/services/session"
	"github.com/taskbridge/taskbridge/internal/services/workspace"
)

type executeEnv struct {
	handler *ExecuteHandler
	engine  *engine.MockEngine
	billing *billing.Service
	db      *gorm.DB
	mount   string
}

func newExecuteEnv(t *testing.T, cfg ExecuteConfig) *executeEnv {
	t.Helper()
	logger := zap.NewNop()
	mount := t.TempDir()

	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)

	eng := engine.NewMockEngine()
	cache, err := session.NewCache(eng, mount, 10, time.Hour, logger)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	audit, err := session.NewAuditStore(mount, logger)
	require.NoError(t, err)

	bs := billing.NewService(db, logger, billing.Pricing{InputPer1K: 1, OutputPer1K: 2})
	m := metrics.New(prometheus.NewRegistry())

	return &executeEnv{
		handler: NewExecuteHandler(workspace.NewManager(mount, logger), cache, audit, bs, m, cfg, logger),
		engine:  eng,
		billing: bs,
		db:      db,
		mount:   mount,
	}
}

func (e *executeEnv) do(t *testing.T, body map[string]interface{}, authKey *middleware.AuthKey) (*httptest.ResponseRecorder, executeResponse) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(raw))
	if authKey != nil {
		r = r.WithContext(middleware.WithAuthKey(r.Context(), authKey))
	}
	w := httptest.NewRecorder()
	e.handler.Execute(w, r)

	var resp executeResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func standardKey(id uuid.UUID) *middleware.AuthKey {
	return &middleware.AuthKey{ID: id, Name: "test", Type: models.KeyTypeStandard, Permissions: []string{"*"}}
}

func TestExecuteSuccessDeductsCredits(t *testing.T) {
	env := newExecuteEnv(t, ExecuteConfig{})
	keyID := uuid.New()

	_, err := env.billing.UpdateBalance(context.Background(), keyID, 10, models.TransactionCreditPurchase, "seed")
	require.NoError(t, err)

	w, resp := env.do(t, map[string]interface{}{
		"task":         "write a haiku",
		"workspace_id": "proj-1",
	}, standardKey(keyID))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ok: write a haiku", resp.Output)
	assert.Equal(t, "proj-1", resp.WorkspaceID)
	assert.NotEmpty(t, resp.SessionID)
	assert.True(t, resp.NewSession)

	// Default mock turn is 10 input + 5 output tokens at 1/2 per 1K.
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.InDelta(t, 0.02, resp.Usage.TotalCost, 1e-9)
	require.NotNil(t, resp.Billing)
	assert.InDelta(t, 9.98, resp.Billing.BalanceAfter, 1e-9)
	assert.InDelta(t, 0.02, resp.Billing.TotalSpent, 1e-9)

	var n int64
	require.NoError(t, env.db.Model(&models.UsageRecord{}).Where("api_key_id = ?", keyID).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestExecuteInternalKeyRunsFree(t *testing.T) {
	env := newExecuteEnv(t, ExecuteConfig{})
	internal := &middleware.AuthKey{ID: uuid.Nil, Name: "legacy", Type: models.KeyTypeInternal, Permissions: []string{"*"}}

	w, resp := env.do(t, map[string]interface{}{
		"task":         "free ride",
		"workspace_id": "proj-1",
	}, internal)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, resp.Usage, "usage is informational for every caller")
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.InDelta(t, 0.02, resp.Usage.TotalCost, 1e-9)
	assert.Nil(t, resp.Billing, "internal keys carry no billing block")

	var n int64
	require.NoError(t, env.db.Model(&models.UsageRecord{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestExecuteStaleSessionGetsFreshID(t *testing.T) {
	env := newExecuteEnv(t, ExecuteConfig{})
	key := standardKey(uuid.New())

	// A sidecar with no live cache entry is what a restarted server sees.
	stale := map[string]interface{}{
		"session_id":   "ghost-session",
		"thread_id":    "ghost-thread",
		"workspace_id": "proj-1",
		"last_used_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	raw, err := json.Marshal(stale)
	require.NoError(t, err)
	path := filepath.Join(env.mount, session.SidecarDir, "ghost-session.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	w, resp := env.do(t, map[string]interface{}{
		"task":         "carry on",
		"workspace_id": "proj-1",
		"session_id":   "ghost-session",
	}, key)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.NewSession)
	assert.NotEqual(t, "ghost-session", resp.SessionID)
	require.Len(t, env.engine.Threads(), 1)
	assert.Empty(t, env.engine.Threads()[0].Options().ResumeID,
		"a dead thread cannot be resumed; a fresh one is opened")
}

func TestExecuteSessionContinuity(t *testing.T) {
	env := newExecuteEnv(t, ExecuteConfig{})
	key := standardKey(uuid.New())

	w, first := env.do(t, map[string]interface{}{
		"task":         "step one",
		"workspace_id": "proj-1",
	}, key)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, first.NewSession)

	w, second := env.do(t, map[string]interface{}{
		"task":         "step two",
		"workspace_id": "proj-1",
		"session_id":   first.SessionID,
	}, key)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, second.NewSession)
	assert.Equal(t, first.SessionID, second.SessionID)

	// Both tasks landed on the same engine thread.
	threads := env.engine.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, []string{"step one", "step two"}, threads[0].Tasks())
}

func TestExecuteValidation(t *testing.T) {
	env := newExecuteEnv(t, ExecuteConfig{MaxTaskLen: 32})
	key := standardKey(uuid.New())

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing task", map[string]interface{}{"workspace_id": "ws"}},
		{"task too long", map[string]interface{}{"task": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "workspace_id": "ws"}},
		{"missing workspace", map[string]interface{}{"task": "x"}},
		{"bad workspace id", map[string]interface{}{"task": "x", "workspace_id": "../etc"}},
		{"bad session id", map[string]interface{}{"task": "x", "workspace_id": "ws", "session_id": "a b"}},
		{"bad mcp server", map[string]interface{}{"task": "x", "workspace_id": "ws", "mcp_servers": []map[string]string{{"name": "m", "type": "stdio"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := env.do(t, tt.body, key)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestExecuteEngineError(t *testing.T) {
	env := newExecuteEnv(t, ExecuteConfig{})
	env.engine.RunFunc = func(ctx context.Context, task string) (*engine.Turn, error) {
		return nil, errors.New("engine crashed")
	}

	w, _ := env.do(t, map[string]interface{}{
		"task":         "doomed",
		"workspace_id": "proj-1",
	}, standardKey(uuid.New()))

	assert.Equal(t, http.StatusBadGateway, w.Code)

	// Transport failure leaves no usage ledger entry.
	var n int64
	require.NoError(t, env.db.Model(&models.UsageRecord{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestExecuteOpenThreadFailure(t *testing.T) {
	env := newExecuteEnv(t, ExecuteConfig{})
	env.engine.OpenErr = engine.ErrEngineUnavailable

	w, _ := env.do(t, map[string]interface{}{
		"task":         "x",
		"workspace_id": "proj-1",
	}, standardKey(uuid.New()))

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestExecuteTimeout(t *testing.T) {
	env := newExecuteEnv(t, ExecuteConfig{Timeout: 50 * time.Millisecond})
	env.engine.RunFunc = func(ctx context.Context, task string) (*engine.Turn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	keyID := uuid.New()
	_, err := env.billing.UpdateBalance(context.Background(), keyID, 10, models.TransactionCreditPurchase, "seed")
	require.NoError(t, err)

	w, _ := env.do(t, map[string]interface{}{
		"task":         "slow",
		"workspace_id": "proj-1",
	}, standardKey(keyID))

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	// Timed-out runs are not billed.
	account, err := env.billing.GetOrCreateAccount(context.Background(), keyID)
	require.NoError(t, err)
	assert.InDelta(t, 10, account.CreditsBalance, 1e-9)
	var n int64
	require.NoError(t, env.db.Model(&models.UsageRecord{}).Count(&n).Error)
	assert.Zero(t, n)
}
