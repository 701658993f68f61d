package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskbridge/taskbridge/internal/database"
	"github.com/taskbridge/taskbridge/internal/models"
	"github.com/taskbridge/taskbridge/internal/services/billing"
	"github.com/taskbridge/taskbridge/internal/services/key"
)

func testKeyService(t *testing.T) *key.Service {
	t.Helper()
	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	return key.NewService(db, zap.NewNop())
}

// echoKey responds 200 and exposes the resolved AuthKey.
func echoKey(captured **AuthKey) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if k, ok := AuthKeyFromContext(r.Context()); ok {
			*captured = k
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyAuth(t *testing.T) {
	svc := testKeyService(t)
	created, err := svc.CreateKey(context.Background(), key.CreateKeyRequest{Name: "caller"})
	require.NoError(t, err)

	var captured *AuthKey
	handler := APIKeyAuth(AuthConfig{
		Keys:       svc,
		LegacyKeys: []string{"legacy-secret"},
		Logger:     zap.NewNop(),
	})(echoKey(&captured))

	t.Run("missing credential is 401", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/execute", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid credential is 403", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/execute", nil)
		r.Header.Set("Authorization", "Bearer tb_bogus")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("bearer token resolves the key", func(t *testing.T) {
		captured = nil
		r := httptest.NewRequest("GET", "/execute", nil)
		r.Header.Set("Authorization", "Bearer "+created.Key)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, captured)
		assert.Equal(t, created.ID, captured.ID)
		assert.Equal(t, models.KeyTypeStandard, captured.Type)
		assert.False(t, captured.IsLegacy())
	})

	t.Run("x-api-key header works too", func(t *testing.T) {
		captured = nil
		r := httptest.NewRequest("GET", "/execute", nil)
		r.Header.Set("X-API-Key", created.Key)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, captured)
	})

	t.Run("query parameter fallback", func(t *testing.T) {
		captured = nil
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/execute?api_key="+created.Key, nil))
		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, captured)
	})

	t.Run("legacy plaintext gets internal semantics", func(t *testing.T) {
		captured = nil
		r := httptest.NewRequest("GET", "/execute", nil)
		r.Header.Set("X-API-Key", "legacy-secret")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, captured)
		assert.True(t, captured.IsLegacy())
		assert.Equal(t, models.KeyTypeInternal, captured.Type)
	})

	t.Run("revoked key is 403", func(t *testing.T) {
		require.NoError(t, svc.RevokeKey(context.Background(), created.ID))
		r := httptest.NewRequest("GET", "/execute", nil)
		r.Header.Set("Authorization", "Bearer "+created.Key)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestAPIKeyAuthOpenMode(t *testing.T) {
	var captured *AuthKey
	handler := APIKeyAuth(AuthConfig{
		Keys:     testKeyService(t),
		OpenMode: true,
		Logger:   zap.NewNop(),
	})(echoKey(&captured))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/execute", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, captured)
	assert.Equal(t, models.KeyTypeInternal, captured.Type)
	assert.Equal(t, "open-mode", captured.Name)
}

func TestAdminAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("unconfigured admin is closed", func(t *testing.T) {
		handler := AdminAuth("", zap.NewNop())(ok)
		r := httptest.NewRequest("GET", "/admin/keys", nil)
		r.Header.Set("X-Admin-Key", "anything")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	handler := AdminAuth("admin-secret", zap.NewNop())(ok)

	t.Run("missing credential is 401", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/admin/keys", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong credential is 403", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/admin/keys", nil)
		r.Header.Set("X-Admin-Key", "wrong")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("header and bearer both accepted", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/admin/keys", nil)
		r.Header.Set("X-Admin-Key", "admin-secret")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)

		r = httptest.NewRequest("GET", "/admin/keys", nil)
		r.Header.Set("Authorization", "Bearer admin-secret")
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestBudgetCheck(t *testing.T) {
	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	bs := billing.NewService(db, zap.NewNop(), billing.Pricing{InputPer1K: 1, OutputPer1K: 1})

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := BudgetCheck(bs, zap.NewNop())(ok)

	do := func(k *AuthKey) *httptest.ResponseRecorder {
		r := httptest.NewRequest("POST", "/execute", nil)
		if k != nil {
			r = r.WithContext(WithAuthKey(r.Context(), k))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	t.Run("internal keys are exempt", func(t *testing.T) {
		w := do(&AuthKey{ID: uuid.Nil, Type: models.KeyTypeInternal})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("zero balance is 402", func(t *testing.T) {
		w := do(&AuthKey{ID: uuid.New(), Type: models.KeyTypeStandard})
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Contains(t, w.Body.String(), "currentBalance")
	})

	t.Run("funded key passes", func(t *testing.T) {
		keyID := uuid.New()
		_, err := bs.UpdateBalance(context.Background(), keyID, 5, models.TransactionCreditPurchase, "seed")
		require.NoError(t, err)
		w := do(&AuthKey{ID: keyID, Type: models.KeyTypeStandard})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("daily limit blocks at 429", func(t *testing.T) {
		keyID := uuid.New()
		_, err := bs.UpdateBalance(context.Background(), keyID, 100, models.TransactionCreditPurchase, "seed")
		require.NoError(t, err)

		daily := 0.001
		_, err = bs.SetLimits(context.Background(), keyID, &daily, nil)
		require.NoError(t, err)

		// Burn past the daily limit.
		sessionID := "sess"
		_, _, err = bs.DeductUsage(context.Background(), billing.UsageParams{
			KeyID:        keyID,
			SessionID:    &sessionID,
			WorkspaceID:  "ws",
			InputTokens:  1000,
			OutputTokens: 1000,
			Model:        "test",
			Status:       models.UsageStatusSuccess,
			Endpoint:     "/execute",
		})
		require.NoError(t, err)

		w := do(&AuthKey{ID: keyID, Type: models.KeyTypeStandard})
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})
}
