package billing

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/taskbridge/taskbridge/internal/database"
	"github.com/taskbridge/taskbridge/internal/models"
)

var testPricing = Pricing{InputPer1K: 0.015, OutputPer1K: 0.045}

func testService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	return NewService(db, zap.NewNop(), testPricing), db
}

func TestCalculateCost(t *testing.T) {
	svc, _ := testService(t)

	t.Run("standard task pricing", func(t *testing.T) {
		cost := svc.CalculateCost(6548, 108)
		assert.InDelta(t, 0.09822, cost.InputCost, 1e-9)
		assert.InDelta(t, 0.00486, cost.OutputCost, 1e-9)
		assert.InDelta(t, 0.10308, cost.TotalCost, 1e-9)
	})

	t.Run("zero tokens cost nothing", func(t *testing.T) {
		cost := svc.CalculateCost(0, 0)
		assert.Zero(t, cost.TotalCost)
	})

	t.Run("rounds to six decimals", func(t *testing.T) {
		cost := svc.CalculateCost(1, 1)
		assert.Equal(t, 0.000015, cost.InputCost)
		assert.Equal(t, 0.000045, cost.OutputCost)
		assert.Equal(t, 0.00006, cost.TotalCost)
	})
}

func TestGetOrCreateAccount(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	keyID := uuid.New()

	account, err := svc.GetOrCreateAccount(ctx, keyID)
	require.NoError(t, err)
	assert.Zero(t, account.CreditsBalance)
	assert.Zero(t, account.TotalSpent)

	again, err := svc.GetOrCreateAccount(ctx, keyID)
	require.NoError(t, err)
	assert.Equal(t, account.ID, again.ID)
}

func TestDeductUsage(t *testing.T) {
	svc, db := testService(t)
	ctx := context.Background()
	keyID := uuid.New()

	_, err := svc.UpdateBalance(ctx, keyID, 10, models.TransactionCreditPurchase, "initial credits")
	require.NoError(t, err)

	sessionID := "sess-1"
	record, account, err := svc.DeductUsage(ctx, UsageParams{
		KeyID:        keyID,
		SessionID:    &sessionID,
		WorkspaceID:  "ws-1",
		InputTokens:  6548,
		OutputTokens: 108,
		Model:        "engine-default",
		DurationMS:   42000,
		Status:       models.UsageStatusSuccess,
		Endpoint:     "/execute",
	})
	require.NoError(t, err)

	assert.Equal(t, 6656, record.TotalTokens)
	assert.InDelta(t, 0.10308, record.TotalCost, 1e-9)
	assert.InDelta(t, 10-0.10308, account.CreditsBalance, 1e-9)
	assert.InDelta(t, 0.10308, account.TotalSpent, 1e-9)

	var txn models.Transaction
	require.NoError(t, db.Where("api_key_id = ? AND type = ?", keyID, models.TransactionUsageDeduction).First(&txn).Error)
	assert.InDelta(t, -0.10308, txn.Amount, 1e-9)
	assert.InDelta(t, account.CreditsBalance, txn.BalanceAfter, 1e-9)
}

func TestDeductUsageAllowsNegativeBalance(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	keyID := uuid.New()

	// No credits at all: the run already happened, the debt is recorded.
	_, account, err := svc.DeductUsage(ctx, UsageParams{
		KeyID: keyID, WorkspaceID: "ws", InputTokens: 1000, OutputTokens: 1000,
		Status: models.UsageStatusSuccess, Endpoint: "/execute",
	})
	require.NoError(t, err)
	assert.Negative(t, account.CreditsBalance)
}

func TestConcurrentDeductions(t *testing.T) {
	svc, db := testService(t)
	ctx := context.Background()
	keyID := uuid.New()

	_, err := svc.UpdateBalance(ctx, keyID, 100, models.TransactionCreditPurchase, "credits")
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.DeductUsage(ctx, UsageParams{
				KeyID: keyID, WorkspaceID: "ws", InputTokens: 1000, OutputTokens: 0,
				Status: models.UsageStatusSuccess, Endpoint: "/execute",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	account, err := svc.GetOrCreateAccount(ctx, keyID)
	require.NoError(t, err)
	assert.InDelta(t, 100-n*0.015, account.CreditsBalance, 1e-6)
	assert.InDelta(t, n*0.015, account.TotalSpent, 1e-6)

	// Every transaction's balance_after is consistent with the ledger.
	var txns []models.Transaction
	require.NoError(t, db.Where("api_key_id = ? AND type = ?", keyID, models.TransactionUsageDeduction).
		Order("timestamp ASC, created_at ASC").Find(&txns).Error)
	require.Len(t, txns, n)
}

func TestUpdateBalance(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	keyID := uuid.New()

	t.Run("adds credits", func(t *testing.T) {
		account, err := svc.UpdateBalance(ctx, keyID, 25, models.TransactionCreditPurchase, "topup")
		require.NoError(t, err)
		assert.Equal(t, 25.0, account.CreditsBalance)
	})

	t.Run("infers type from sign", func(t *testing.T) {
		account, err := svc.UpdateBalance(ctx, keyID, -5, "", "correction")
		require.NoError(t, err)
		assert.Equal(t, 20.0, account.CreditsBalance)
	})

	t.Run("rejects adjustment below zero", func(t *testing.T) {
		_, err := svc.UpdateBalance(ctx, keyID, -100, models.TransactionCreditAdjustment, "too much")
		assert.ErrorIs(t, err, ErrInsufficientCredits)
	})

	t.Run("rejects zero amount", func(t *testing.T) {
		_, err := svc.UpdateBalance(ctx, keyID, 0, models.TransactionCreditPurchase, "")
		assert.Error(t, err)
	})
}

func TestCheckLimits(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	keyID := uuid.New()

	t.Run("no limits never blocks", func(t *testing.T) {
		status, err := svc.CheckLimits(ctx, keyID)
		require.NoError(t, err)
		assert.True(t, status.Within)
	})

	t.Run("daily limit blocks at threshold", func(t *testing.T) {
		daily := 0.05
		_, err := svc.SetLimits(ctx, keyID, &daily, nil)
		require.NoError(t, err)

		// 4000 input tokens cost exactly 0.06, over the 0.05 cap.
		_, _, err = svc.DeductUsage(ctx, UsageParams{
			KeyID: keyID, WorkspaceID: "ws", InputTokens: 4000,
			Status: models.UsageStatusSuccess, Endpoint: "/execute",
		})
		require.NoError(t, err)

		status, err := svc.CheckLimits(ctx, keyID)
		require.NoError(t, err)
		assert.False(t, status.Within)
		assert.Equal(t, "daily limit exceeded", status.Reason)
		assert.InDelta(t, 0.06, status.DailyUsage, 1e-9)
	})

	t.Run("monthly limit blocks too", func(t *testing.T) {
		monthly := 0.01
		_, err := svc.SetLimits(ctx, keyID, nil, &monthly)
		require.NoError(t, err)

		status, err := svc.CheckLimits(ctx, keyID)
		require.NoError(t, err)
		assert.False(t, status.Within)
		assert.Equal(t, "monthly limit exceeded", status.Reason)
	})
}

func TestUsageAggregation(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	keyID := uuid.New()

	for _, ws := range []string{"alpha", "alpha", "beta"} {
		_, _, err := svc.DeductUsage(ctx, UsageParams{
			KeyID: keyID, WorkspaceID: ws, InputTokens: 1000, OutputTokens: 500,
			Status: models.UsageStatusSuccess, Endpoint: "/execute", DurationMS: 1000,
		})
		require.NoError(t, err)
	}
	_, err := svc.RecordUsage(ctx, UsageParams{
		KeyID: keyID, WorkspaceID: "beta", InputTokens: 10, OutputTokens: 0,
		Status: models.UsageStatusError, Endpoint: "/execute",
	})
	require.NoError(t, err)

	stats, err := svc.GetUsageStats(ctx, keyID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, int64(4510), stats.TotalTokens)
	assert.Equal(t, int64(1), stats.ErrorCount)

	byWorkspace, err := svc.GetUsageByWorkspace(ctx, keyID)
	require.NoError(t, err)
	require.Len(t, byWorkspace, 2)
	alpha := byWorkspace[0]
	assert.Equal(t, "alpha", alpha.WorkspaceID)
	assert.EqualValues(t, 2, alpha.TotalRequests)
	require.NotNil(t, alpha.LastUsed, "timestamp aggregate must survive the sqlite text round trip")
	assert.WithinDuration(t, time.Now(), *alpha.LastUsed, time.Minute)

	records, total, err := svc.GetUsageRecords(ctx, keyID, 2, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, int64(4), total)
}
