package models

import (
	"time"

	"github.com/google/uuid"
)

type UsageStatus string

const (
	UsageStatusSuccess UsageStatus = "success"
	UsageStatusError   UsageStatus = "error"
)

// UsageRecord is one row per executed task for a standard key. Internal
// keys never produce these.
type UsageRecord struct {
	BaseModel
	APIKeyID    uuid.UUID   `gorm:"type:uuid;not null;index:idx_usage_records_key_ts" json:"api_key_id"`
	SessionID   *string     `gorm:"index" json:"session_id,omitempty"`
	WorkspaceID string      `gorm:"index;not null" json:"workspace_id"`
	Timestamp   time.Time   `gorm:"index:idx_usage_records_key_ts" json:"timestamp"`

	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`

	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	TotalCost  float64 `json:"total_cost"`

	Model      string      `json:"model"`
	DurationMS int64       `json:"duration_ms"`
	Status     UsageStatus `gorm:"index" json:"status"`
	Endpoint   string      `json:"endpoint"`
}

// UsageStats is the aggregate view returned by the billing stats endpoints.
type UsageStats struct {
	TotalRequests int64   `json:"total_requests"`
	TotalTokens   int64   `json:"total_tokens"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalCost     float64 `json:"total_cost"`
	ErrorCount    int64   `json:"error_count"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// WorkspaceUsage is the per-workspace roll-up.
type WorkspaceUsage struct {
	WorkspaceID   string     `json:"workspace_id"`
	TotalRequests int64      `json:"total_requests"`
	TotalTokens   int64      `json:"total_tokens"`
	TotalCost     float64    `json:"total_cost"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
}

// KeyUsageSummary aggregates the per-request audit rows for one key.
type KeyUsageSummary struct {
	TotalRequests int64      `json:"total_requests"`
	SuccessRate   float64    `json:"success_rate"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
}
