package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskbridge/taskbridge/internal/middleware"
	"github.com/taskbridge/taskbridge/internal/models"
	"github.com/taskbridge/taskbridge/internal/services/billing"
)

// BillingHandler serves the caller-scoped billing endpoints and the
// admin credit/limit operations.
type BillingHandler struct {
	billing *billing.Service
	logger  *zap.Logger
}

func NewBillingHandler(bs *billing.Service, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{billing: bs, logger: logger}
}

// callerKeyID resolves the authenticated key for the user-scoped routes.
// Legacy and open-mode callers have no account.
func (h *BillingHandler) callerKeyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	authKey, ok := middleware.AuthKeyFromContext(r.Context())
	if !ok || authKey.IsLegacy() {
		writeError(w, http.StatusForbidden, "no_billing_account", "this credential has no billing account")
		return uuid.Nil, false
	}
	return authKey.ID, true
}

func parsePage(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t
	}
	return nil
}

// Account handles GET /billing/account.
func (h *BillingHandler) Account(w http.ResponseWriter, r *http.Request) {
	keyID, ok := h.callerKeyID(w, r)
	if !ok {
		return
	}
	account, err := h.billing.GetOrCreateAccount(r.Context(), keyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "billing_error", "failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// Stats handles GET /billing/stats?from&to.
func (h *BillingHandler) Stats(w http.ResponseWriter, r *http.Request) {
	keyID, ok := h.callerKeyID(w, r)
	if !ok {
		return
	}
	stats, err := h.billing.GetUsageStats(r.Context(), keyID,
		parseTime(r.URL.Query().Get("from")), parseTime(r.URL.Query().Get("to")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "billing_error", "failed to aggregate usage")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Usage handles GET /billing/usage?limit&offset.
func (h *BillingHandler) Usage(w http.ResponseWriter, r *http.Request) {
	keyID, ok := h.callerKeyID(w, r)
	if !ok {
		return
	}
	limit, offset := parsePage(r)
	records, total, err := h.billing.GetUsageRecords(r.Context(), keyID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "billing_error", "failed to list usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// Transactions handles GET /billing/transactions?limit&offset.
func (h *BillingHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	keyID, ok := h.callerKeyID(w, r)
	if !ok {
		return
	}
	limit, offset := parsePage(r)
	txns, total, err := h.billing.GetTransactions(r.Context(), keyID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "billing_error", "failed to list transactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txns,
		"total":        total,
		"limit":        limit,
		"offset":       offset,
	})
}

// Workspaces handles GET /billing/workspaces — the per-workspace roll-up.
func (h *BillingHandler) Workspaces(w http.ResponseWriter, r *http.Request) {
	keyID, ok := h.callerKeyID(w, r)
	if !ok {
		return
	}
	rows, err := h.billing.GetUsageByWorkspace(r.Context(), keyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "billing_error", "failed to aggregate workspaces")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workspaces": rows,
		"total":      len(rows),
	})
}

func adminKeyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_key_id", "key id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

type creditsRequest struct {
	Amount      float64 `json:"amount"`
	Description string  `json:"description,omitempty"`
}

// AdminAddCredits handles POST /billing/admin/{keyID}/credits. Positive
// amounts are purchases; negative amounts are operator corrections.
func (h *BillingHandler) AdminAddCredits(w http.ResponseWriter, r *http.Request) {
	keyID, ok := adminKeyID(w, r)
	if !ok {
		return
	}

	var req creditsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	if req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be non-zero")
		return
	}

	txType := models.TransactionCreditPurchase
	if req.Amount < 0 {
		txType = models.TransactionCreditAdjustment
	}
	description := req.Description
	if description == "" {
		description = "admin credit adjustment"
	}

	account, err := h.billing.UpdateBalance(r.Context(), keyID, req.Amount, txType, description)
	if err != nil {
		if err == billing.ErrInsufficientCredits {
			writeError(w, http.StatusBadRequest, "insufficient_credits", "adjustment would drive balance negative")
			return
		}
		writeError(w, http.StatusInternalServerError, "billing_error", "failed to update balance")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type limitsRequest struct {
	DailyLimit   *float64 `json:"daily_limit,omitempty"`
	MonthlyLimit *float64 `json:"monthly_limit,omitempty"`
}

// AdminSetLimits handles POST /billing/admin/{keyID}/limits.
func (h *BillingHandler) AdminSetLimits(w http.ResponseWriter, r *http.Request) {
	keyID, ok := adminKeyID(w, r)
	if !ok {
		return
	}

	var req limitsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	account, err := h.billing.SetLimits(r.Context(), keyID, req.DailyLimit, req.MonthlyLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limits", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// AdminStats handles GET /billing/admin/{keyID}/stats.
func (h *BillingHandler) AdminStats(w http.ResponseWriter, r *http.Request) {
	keyID, ok := adminKeyID(w, r)
	if !ok {
		return
	}
	stats, err := h.billing.GetUsageStats(r.Context(), keyID,
		parseTime(r.URL.Query().Get("from")), parseTime(r.URL.Query().Get("to")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "billing_error", "failed to aggregate usage")
		return
	}

	account, err := h.billing.GetOrCreateAccount(r.Context(), keyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "billing_error", "failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": account,
		"stats":   stats,
	})
}
