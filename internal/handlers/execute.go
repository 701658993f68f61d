package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskbridge/taskbridge/internal/middleware"
	"github.com/taskbridge/taskbridge/internal/models"
	"github.com/taskbridge/taskbridge/internal/services/billing"
	"github.com/taskbridge/taskbridge/internal/services/engine"
	"github.com/taskbridge/taskbridge/internal/services/metrics"
	"github.com/taskbridge/taskbridge/internal/services/session"
	"github.com/taskbridge/taskbridge/internal/services/workspace"
)

// ExecuteHandler owns the hot path: workspace, thread, engine run,
// accounting, response.
type ExecuteHandler struct {
	workspaces *workspace.Manager
	sessions   *session.Cache
	audit      *session.AuditStore
	billing    *billing.Service
	metrics    *metrics.Metrics
	logger     *zap.Logger

	sandbox    string
	timeout    time.Duration
	maxTimeout time.Duration
	maxTaskLen int
	model      string
}

type ExecuteConfig struct {
	Sandbox    string
	Timeout    time.Duration
	MaxTimeout time.Duration
	MaxTaskLen int
	Model      string
}

func NewExecuteHandler(ws *workspace.Manager, sc *session.Cache, audit *session.AuditStore, bs *billing.Service, m *metrics.Metrics, cfg ExecuteConfig, logger *zap.Logger) *ExecuteHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 15 * time.Minute
	}
	if cfg.Timeout > cfg.MaxTimeout {
		cfg.Timeout = cfg.MaxTimeout
	}
	return &ExecuteHandler{
		workspaces: ws,
		sessions:   sc,
		audit:      audit,
		billing:    bs,
		metrics:    m,
		logger:     logger,
		sandbox:    cfg.Sandbox,
		timeout:    cfg.Timeout,
		maxTimeout: cfg.MaxTimeout,
		maxTaskLen: cfg.MaxTaskLen,
		model:      cfg.Model,
	}
}

type executeRequest struct {
	Task        string             `json:"task"`
	WorkspaceID string             `json:"workspace_id"`
	SessionID   string             `json:"session_id,omitempty"`
	MCPServers  []engine.MCPServer `json:"mcp_servers,omitempty"`
}

type executeUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

type executeBilling struct {
	BalanceAfter float64 `json:"balance_after"`
	TotalSpent   float64 `json:"total_spent"`
}

type executeResponse struct {
	Output      string          `json:"output"`
	SessionID   string          `json:"session_id"`
	WorkspaceID string          `json:"workspace_id"`
	NewSession  bool            `json:"new_session"`
	DurationMS  int64           `json:"duration_ms"`
	Usage       *executeUsage   `json:"usage,omitempty"`
	Billing     *executeBilling `json:"billing,omitempty"`
}

func (h *ExecuteHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	if err := validateTask(req.Task, h.maxTaskLen); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_task", err.Error())
		return
	}
	if err := validateIdentifier("workspace_id", req.WorkspaceID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_workspace_id", err.Error())
		return
	}
	if req.SessionID != "" {
		if err := validateIdentifier("session_id", req.SessionID); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_session_id", err.Error())
			return
		}
	}
	if err := validateMCPServers(req.MCPServers); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_mcp_server", err.Error())
		return
	}

	authKey, _ := middleware.AuthKeyFromContext(r.Context())

	workspacePath, err := h.workspaces.Ensure(req.WorkspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "workspace_error", "failed to prepare workspace")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	// Concurrent executes on one session serialize here; the second
	// caller waits rather than getting a 409.
	unlock := h.sessions.Lock(sessionID)
	defer unlock()

	entry, resumed, err := h.sessions.GetOrOpen(r.Context(), sessionID, req.WorkspaceID, engine.ThreadOptions{
		WorkingDir:   workspacePath,
		Sandbox:      h.sandbox,
		SkipVCSCheck: true,
		Model:        h.model,
		MCPServers:   req.MCPServers,
	})
	if err != nil {
		h.logger.Error("failed to open thread",
			zap.String("workspace_id", req.WorkspaceID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "engine_unavailable", "execution engine is unavailable")
		return
	}
	// A session known only from its on-disk metadata restarts under a
	// fresh id; the cache is authoritative.
	sessionID = entry.SessionID

	runCtx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	start := time.Now()
	turn, err := entry.Thread.Run(runCtx, req.Task)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || runCtx.Err() == context.DeadlineExceeded {
			// Deadline: no deduction, no usage row. The thread is left in
			// the cache; the engine may still finish server-side.
			h.metrics.RecordExecution(metrics.ExecutionRecord{
				Timestamp:   time.Now().UTC(),
				WorkspaceID: req.WorkspaceID,
				SessionID:   sessionID,
				DurationMS:  elapsed.Milliseconds(),
				Status:      "timeout",
			}, 0, 0)
			writeError(w, http.StatusGatewayTimeout, "execution_timeout", "task did not complete within the deadline")
			return
		}

		h.logger.Error("engine run failed",
			zap.String("session_id", sessionID),
			zap.String("workspace_id", req.WorkspaceID),
			zap.Error(err))
		// No token counts survive a transport-level failure, so there is
		// no usage row to write.
		h.metrics.RecordExecution(metrics.ExecutionRecord{
			Timestamp:   time.Now().UTC(),
			WorkspaceID: req.WorkspaceID,
			SessionID:   sessionID,
			DurationMS:  elapsed.Milliseconds(),
			Status:      "error",
		}, 0, 0)
		writeError(w, http.StatusBadGateway, "engine_error", "execution engine reported an error")
		return
	}

	h.sessions.Touch(sessionID)
	h.metrics.SetCacheStats(h.sessions.Len(), 0)

	resp := executeResponse{
		Output:      turn.Output,
		SessionID:   sessionID,
		WorkspaceID: req.WorkspaceID,
		NewSession:  !resumed,
		DurationMS:  elapsed.Milliseconds(),
	}

	model := turn.Model
	if model == "" {
		model = h.model
	}

	keyID := ""
	if authKey != nil {
		keyID = authKey.ID.String()
	}
	h.audit.RecordTask(sessionID, req.WorkspaceID, keyID, model, turn.Usage.Total())

	h.metrics.RecordExecution(metrics.ExecutionRecord{
		Timestamp:   time.Now().UTC(),
		WorkspaceID: req.WorkspaceID,
		SessionID:   sessionID,
		DurationMS:  elapsed.Milliseconds(),
		TotalTokens: turn.Usage.Total(),
		Status:      "success",
	}, turn.Usage.InputTokens, turn.Usage.OutputTokens)

	// Usage is informational for every caller; only standard keys get a
	// deduction and a billing block.
	cost := h.billing.CalculateCost(turn.Usage.InputTokens, turn.Usage.OutputTokens)
	resp.Usage = &executeUsage{
		InputTokens:  turn.Usage.InputTokens,
		OutputTokens: turn.Usage.OutputTokens,
		TotalTokens:  turn.Usage.Total(),
		TotalCost:    cost.TotalCost,
	}

	// Accounting. Internal keys run free; a billing failure after a
	// successful run must never claw back the output.
	if authKey != nil && authKey.Type == models.KeyTypeStandard && turn.Usage.Total() > 0 {
		record, account, err := h.billing.DeductUsage(r.Context(), billing.UsageParams{
			KeyID:        authKey.ID,
			SessionID:    &sessionID,
			WorkspaceID:  req.WorkspaceID,
			InputTokens:  turn.Usage.InputTokens,
			OutputTokens: turn.Usage.OutputTokens,
			Model:        model,
			DurationMS:   elapsed.Milliseconds(),
			Status:       models.UsageStatusSuccess,
			Endpoint:     "/execute",
		})
		if err != nil {
			h.logger.Error("billing deduction failed after successful run",
				zap.String("key_id", authKey.ID.String()),
				zap.String("session_id", sessionID),
				zap.Int("total_tokens", turn.Usage.Total()),
				zap.Error(err))
		} else {
			resp.Usage.TotalCost = record.TotalCost
			resp.Billing = &executeBilling{
				BalanceAfter: account.CreditsBalance,
				TotalSpent:   account.TotalSpent,
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
