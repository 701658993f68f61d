package middleware

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/taskbridge/taskbridge/internal/models"
	"github.com/taskbridge/taskbridge/internal/services/billing"
)

// BudgetCheck gates execute requests on the caller's prepaid balance and
// spending limits. Internal keys are exempt. Store failures fail open:
// a billing outage must not take execution down with it.
func BudgetCheck(billingSvc *billing.Service, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authKey, ok := AuthKeyFromContext(r.Context())
			if !ok || authKey.Type == models.KeyTypeInternal {
				next.ServeHTTP(w, r)
				return
			}

			account, err := billingSvc.GetOrCreateAccount(r.Context(), authKey.ID)
			if err != nil {
				logger.Error("budget check failed open",
					zap.String("key_id", authKey.ID.String()), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if account.CreditsBalance <= 0 {
				writeBudgetError(w, http.StatusPaymentRequired, "insufficient_credits",
					"credits balance is exhausted", map[string]interface{}{
						"currentBalance": account.CreditsBalance,
					})
				return
			}

			limits, err := billingSvc.CheckLimits(r.Context(), authKey.ID)
			if err != nil {
				logger.Error("limit check failed open",
					zap.String("key_id", authKey.ID.String()), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !limits.Within {
				writeBudgetError(w, http.StatusTooManyRequests, "budget_limit_exceeded",
					limits.Reason, map[string]interface{}{
						"daily_usage":   limits.DailyUsage,
						"monthly_usage": limits.MonthlyUsage,
						"daily_limit":   limits.DailyLimit,
						"monthly_limit": limits.MonthlyLimit,
					})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeBudgetError(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}
