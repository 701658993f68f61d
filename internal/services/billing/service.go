package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taskbridge/taskbridge/internal/models"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAccountNotFound     = errors.New("billing account not found")
)

// Pricing is the per-1000-token rate card, in credits.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Service owns prepaid balances, spending limits, and the usage ledger.
// All balance mutations are serialized through row-locked transactions.
type Service struct {
	db      *gorm.DB
	logger  *zap.Logger
	pricing Pricing
}

func NewService(db *gorm.DB, logger *zap.Logger, pricing Pricing) *Service {
	return &Service{db: db, logger: logger, pricing: pricing}
}

// round6 rounds to 6 decimal places, ties to even.
func round6(x float64) float64 {
	return math.RoundToEven(x*1e6) / 1e6
}

// lockAccount adds FOR UPDATE where the dialect supports it. SQLite has
// a single writer, so the enclosing transaction already serializes.
func lockAccount(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// CalculateCost prices a token count against the rate card. Each side is
// rounded independently before summing so the breakdown always adds up.
func (s *Service) CalculateCost(inputTokens, outputTokens int) models.CostBreakdown {
	in := round6(float64(inputTokens) / 1000.0 * s.pricing.InputPer1K)
	out := round6(float64(outputTokens) / 1000.0 * s.pricing.OutputPer1K)
	return models.CostBreakdown{
		InputCost:  in,
		OutputCost: out,
		TotalCost:  round6(in + out),
	}
}

// GetOrCreateAccount returns the account for a key, creating an empty one
// on first access.
func (s *Service) GetOrCreateAccount(ctx context.Context, keyID uuid.UUID) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := s.db.WithContext(ctx).Where("api_key_id = ?", keyID).First(&account).Error
	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load billing account: %w", err)
	}

	account = models.BillingAccount{APIKeyID: keyID}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		// Lost a creation race; the other writer's row is the account.
		var existing models.BillingAccount
		if lookupErr := s.db.WithContext(ctx).Where("api_key_id = ?", keyID).First(&existing).Error; lookupErr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("failed to create billing account: %w", err)
	}
	return &account, nil
}

type UsageParams struct {
	KeyID        uuid.UUID
	SessionID    *string
	WorkspaceID  string
	InputTokens  int
	OutputTokens int
	Model        string
	DurationMS   int64
	Status       models.UsageStatus
	Endpoint     string
}

// RecordUsage prices the tokens and appends a usage row without touching
// the balance. Used for error outcomes and fail-open bookkeeping.
func (s *Service) RecordUsage(ctx context.Context, p UsageParams) (*models.UsageRecord, error) {
	cost := s.CalculateCost(p.InputTokens, p.OutputTokens)
	record := &models.UsageRecord{
		APIKeyID:     p.KeyID,
		SessionID:    p.SessionID,
		WorkspaceID:  p.WorkspaceID,
		Timestamp:    time.Now().UTC(),
		InputTokens:  p.InputTokens,
		OutputTokens: p.OutputTokens,
		TotalTokens:  p.InputTokens + p.OutputTokens,
		InputCost:    cost.InputCost,
		OutputCost:   cost.OutputCost,
		TotalCost:    cost.TotalCost,
		Model:        p.Model,
		DurationMS:   p.DurationMS,
		Status:       p.Status,
		Endpoint:     p.Endpoint,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}
	return record, nil
}

// DeductUsage prices the tokens, debits the account, and writes the usage
// row plus a deduction transaction, all atomically. The account row is
// locked FOR UPDATE so concurrent runs serialize. Balances may go
// negative: execution already happened, the debt is real. Returns the
// usage row and the post-deduction account.
func (s *Service) DeductUsage(ctx context.Context, p UsageParams) (*models.UsageRecord, *models.BillingAccount, error) {
	cost := s.CalculateCost(p.InputTokens, p.OutputTokens)

	record := &models.UsageRecord{
		APIKeyID:     p.KeyID,
		SessionID:    p.SessionID,
		WorkspaceID:  p.WorkspaceID,
		Timestamp:    time.Now().UTC(),
		InputTokens:  p.InputTokens,
		OutputTokens: p.OutputTokens,
		TotalTokens:  p.InputTokens + p.OutputTokens,
		InputCost:    cost.InputCost,
		OutputCost:   cost.OutputCost,
		TotalCost:    cost.TotalCost,
		Model:        p.Model,
		DurationMS:   p.DurationMS,
		Status:       p.Status,
		Endpoint:     p.Endpoint,
	}

	var account models.BillingAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := lockAccount(tx).
			Where("api_key_id = ?", p.KeyID).First(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			account = models.BillingAccount{APIKeyID: p.KeyID}
			if err := tx.Create(&account).Error; err != nil {
				return fmt.Errorf("failed to create billing account: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("failed to lock billing account: %w", err)
		}

		account.CreditsBalance = round6(account.CreditsBalance - cost.TotalCost)
		account.TotalSpent = round6(account.TotalSpent + cost.TotalCost)
		if err := tx.Save(&account).Error; err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("failed to record usage: %w", err)
		}

		txn := &models.Transaction{
			APIKeyID:     p.KeyID,
			Type:         models.TransactionUsageDeduction,
			Amount:       -cost.TotalCost,
			BalanceAfter: account.CreditsBalance,
			Description:  fmt.Sprintf("usage: %d tokens (%s)", record.TotalTokens, p.Model),
			Metadata: datatypes.JSONMap{
				"usage_record_id": record.ID.String(),
				"input_tokens":    p.InputTokens,
				"output_tokens":   p.OutputTokens,
			},
			Timestamp: time.Now().UTC(),
		}
		return tx.Create(txn).Error
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Debug("usage deducted",
		zap.String("key_id", p.KeyID.String()),
		zap.Int("total_tokens", record.TotalTokens),
		zap.Float64("cost", cost.TotalCost))

	return record, &account, nil
}

// UpdateBalance applies a signed credit adjustment and records it as a
// transaction. Positive amounts add credits; negative amounts remove them
// but may not drive the balance below zero.
func (s *Service) UpdateBalance(ctx context.Context, keyID uuid.UUID, amount float64, txType models.TransactionType, description string) (*models.BillingAccount, error) {
	if amount == 0 {
		return nil, fmt.Errorf("amount must be non-zero")
	}
	switch txType {
	case "":
		if amount > 0 {
			txType = models.TransactionCreditAdjustment
		} else {
			txType = models.TransactionUsageDeduction
		}
	case models.TransactionCreditPurchase, models.TransactionCreditAdjustment,
		models.TransactionUsageDeduction, models.TransactionRefund:
	default:
		return nil, fmt.Errorf("invalid transaction type %q", txType)
	}

	var account models.BillingAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := lockAccount(tx).
			Where("api_key_id = ?", keyID).First(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			account = models.BillingAccount{APIKeyID: keyID}
			if err := tx.Create(&account).Error; err != nil {
				return fmt.Errorf("failed to create billing account: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("failed to lock billing account: %w", err)
		}

		newBalance := round6(account.CreditsBalance + amount)
		if amount < 0 && newBalance < 0 {
			return ErrInsufficientCredits
		}
		account.CreditsBalance = newBalance
		if err := tx.Save(&account).Error; err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		txn := &models.Transaction{
			APIKeyID:     keyID,
			Type:         txType,
			Amount:       amount,
			BalanceAfter: account.CreditsBalance,
			Description:  description,
			Timestamp:    time.Now().UTC(),
		}
		return tx.Create(txn).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("balance updated",
		zap.String("key_id", keyID.String()),
		zap.String("type", string(txType)),
		zap.Float64("amount", amount),
		zap.Float64("balance", account.CreditsBalance))

	return &account, nil
}

// SetLimits replaces the daily and monthly spending limits. A nil pointer
// clears the corresponding limit.
func (s *Service) SetLimits(ctx context.Context, keyID uuid.UUID, daily, monthly *float64) (*models.BillingAccount, error) {
	if daily != nil && *daily < 0 {
		return nil, fmt.Errorf("daily limit must be non-negative")
	}
	if monthly != nil && *monthly < 0 {
		return nil, fmt.Errorf("monthly limit must be non-negative")
	}

	account, err := s.GetOrCreateAccount(ctx, keyID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"daily_limit":   daily,
		"monthly_limit": monthly,
	}
	if err := s.db.WithContext(ctx).Model(account).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to set limits: %w", err)
	}

	account.DailyLimit = daily
	account.MonthlyLimit = monthly
	return account, nil
}

// CheckLimits compares spend over the current UTC calendar day and month
// against the configured limits. A limit is exceeded when spend has
// reached it; nil limits never block.
func (s *Service) CheckLimits(ctx context.Context, keyID uuid.UUID) (*models.LimitStatus, error) {
	account, err := s.GetOrCreateAccount(ctx, keyID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	dailySpend, err := s.spendSince(ctx, keyID, dayStart)
	if err != nil {
		return nil, err
	}
	monthlySpend, err := s.spendSince(ctx, keyID, monthStart)
	if err != nil {
		return nil, err
	}

	status := &models.LimitStatus{
		Within:       true,
		DailyUsage:   dailySpend,
		MonthlyUsage: monthlySpend,
		DailyLimit:   account.DailyLimit,
		MonthlyLimit: account.MonthlyLimit,
	}
	if account.DailyLimit != nil && dailySpend >= *account.DailyLimit {
		status.Within = false
		status.Reason = "daily limit exceeded"
	} else if account.MonthlyLimit != nil && monthlySpend >= *account.MonthlyLimit {
		status.Within = false
		status.Reason = "monthly limit exceeded"
	}
	return status, nil
}

func (s *Service) spendSince(ctx context.Context, keyID uuid.UUID, since time.Time) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("api_key_id = ? AND timestamp >= ?", keyID, since).
		Select("COALESCE(SUM(total_cost), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum spend: %w", err)
	}
	return total, nil
}

// GetUsageStats aggregates usage rows for one key over an optional window.
func (s *Service) GetUsageStats(ctx context.Context, keyID uuid.UUID, since, until *time.Time) (*models.UsageStats, error) {
	scoped := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&models.UsageRecord{}).Where("api_key_id = ?", keyID)
		if since != nil {
			q = q.Where("timestamp >= ?", *since)
		}
		if until != nil {
			q = q.Where("timestamp < ?", *until)
		}
		return q
	}

	var stats models.UsageStats
	row := struct {
		TotalRequests int64
		TotalTokens   int64
		InputTokens   int64
		OutputTokens  int64
		TotalCost     float64
		AvgDurationMS float64
	}{}
	err := scoped().Select(`
		COUNT(*) as total_requests,
		COALESCE(SUM(total_tokens), 0) as total_tokens,
		COALESCE(SUM(input_tokens), 0) as input_tokens,
		COALESCE(SUM(output_tokens), 0) as output_tokens,
		COALESCE(SUM(total_cost), 0) as total_cost,
		COALESCE(AVG(duration_ms), 0) as avg_duration_ms`).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}

	stats.TotalRequests = row.TotalRequests
	stats.TotalTokens = row.TotalTokens
	stats.InputTokens = row.InputTokens
	stats.OutputTokens = row.OutputTokens
	stats.TotalCost = row.TotalCost
	stats.AvgDurationMS = row.AvgDurationMS

	if err := scoped().Where("status = ?", models.UsageStatusError).Count(&stats.ErrorCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count errors: %w", err)
	}
	return &stats, nil
}

// GetUsageRecords pages through raw usage rows, newest first.
func (s *Service) GetUsageRecords(ctx context.Context, keyID uuid.UUID, limit, offset int) ([]*models.UsageRecord, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("api_key_id = ?", keyID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count usage records: %w", err)
	}

	var records []*models.UsageRecord
	if err := s.db.WithContext(ctx).Where("api_key_id = ?", keyID).
		Order("timestamp DESC").Limit(limit).Offset(offset).Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list usage records: %w", err)
	}
	return records, total, nil
}

// GetTransactions pages through the balance audit trail, newest first.
func (s *Service) GetTransactions(ctx context.Context, keyID uuid.UUID, limit, offset int) ([]*models.Transaction, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("api_key_id = ?", keyID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	var txns []*models.Transaction
	if err := s.db.WithContext(ctx).Where("api_key_id = ?", keyID).
		Order("timestamp DESC").Limit(limit).Offset(offset).Find(&txns).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, total, nil
}

// GetUsageByWorkspace rolls up usage per workspace for one key.
// MAX(timestamp) comes back untyped from the sqlite driver, so the
// aggregate is cast to text on every dialect and parsed here.
func (s *Service) GetUsageByWorkspace(ctx context.Context, keyID uuid.UUID) ([]*models.WorkspaceUsage, error) {
	type workspaceRow struct {
		WorkspaceID   string
		TotalRequests int64
		TotalTokens   int64
		TotalCost     float64
		LastUsed      sql.NullString
	}
	var raw []workspaceRow
	err := s.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("api_key_id = ?", keyID).
		Select(`
			workspace_id,
			COUNT(*) as total_requests,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(total_cost), 0) as total_cost,
			CAST(MAX(timestamp) AS TEXT) as last_used`).
		Group("workspace_id").
		Order("total_cost DESC").
		Scan(&raw).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate workspace usage: %w", err)
	}

	rows := make([]*models.WorkspaceUsage, 0, len(raw))
	for _, r := range raw {
		wu := &models.WorkspaceUsage{
			WorkspaceID:   r.WorkspaceID,
			TotalRequests: r.TotalRequests,
			TotalTokens:   r.TotalTokens,
			TotalCost:     r.TotalCost,
		}
		if r.LastUsed.Valid {
			if ts, ok := parseDBTime(r.LastUsed.String); ok {
				wu.LastUsed = &ts
			}
		}
		rows = append(rows, wu)
	}
	return rows, nil
}

// dbTimeLayouts covers the text renderings of a timestamp aggregate:
// sqlite stores the driver's default format, postgres casts with an
// hour-only zone offset.
var dbTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
}

func parseDBTime(s string) (time.Time, bool) {
	for _, layout := range dbTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
