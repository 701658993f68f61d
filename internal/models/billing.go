package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// BillingAccount is the prepaid balance, 1:1 with an APIKey. Accounts are
// created lazily with a zero balance on first access.
type BillingAccount struct {
	BaseModel
	APIKeyID       uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"api_key_id"`
	CreditsBalance float64   `gorm:"default:0" json:"credits_balance"`
	TotalSpent     float64   `gorm:"default:0" json:"total_spent"`
	DailyLimit     *float64  `json:"daily_limit,omitempty"`
	MonthlyLimit   *float64  `json:"monthly_limit,omitempty"`
}

type TransactionType string

const (
	TransactionCreditPurchase   TransactionType = "credit_purchase"
	TransactionUsageDeduction   TransactionType = "usage_deduction"
	TransactionCreditAdjustment TransactionType = "credit_adjustment"
	TransactionRefund           TransactionType = "refund"
)

// Transaction audits every balance change. Amount is signed: positive
// adds credits, negative subtracts. BalanceAfter is stamped inside the
// same database transaction as the account mutation.
type Transaction struct {
	BaseModel
	APIKeyID     uuid.UUID         `gorm:"type:uuid;not null;index:idx_transactions_key_ts" json:"api_key_id"`
	Type         TransactionType   `gorm:"index;not null" json:"type"`
	Amount       float64           `json:"amount"`
	BalanceAfter float64           `json:"balance_after"`
	Description  string            `json:"description,omitempty"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`
	Timestamp    time.Time         `gorm:"index:idx_transactions_key_ts" json:"timestamp"`
}

// LimitStatus is the result of a pre-flight budget check.
type LimitStatus struct {
	Within       bool     `json:"within"`
	DailyUsage   float64  `json:"daily_usage"`
	MonthlyUsage float64  `json:"monthly_usage"`
	DailyLimit   *float64 `json:"daily_limit,omitempty"`
	MonthlyLimit *float64 `json:"monthly_limit,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// CostBreakdown is the priced result of a token count.
type CostBreakdown struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	TotalCost  float64 `json:"total_cost"`
}
