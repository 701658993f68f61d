package key

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/taskbridge/taskbridge/internal/models"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyExpired  = errors.New("key expired")
	ErrKeyRevoked  = errors.New("key revoked")
)

// Service handles API key management and the per-request audit log.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

type CreateKeyRequest struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	KeyType       models.KeyType         `json:"key_type,omitempty"`
	Prefix        string                 `json:"prefix,omitempty"`
	ExpiresInDays *int                   `json:"expires_in_days,omitempty"`
	Permissions   []string               `json:"permissions,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

type UpdateKeyRequest struct {
	Name        *string                `json:"name,omitempty"`
	Description *string                `json:"description,omitempty"`
	Permissions []string               `json:"permissions,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CreateKey generates a new key. The plaintext is present only on the
// returned response; storage keeps the SHA-256 hash.
func (s *Service) CreateKey(ctx context.Context, req CreateKeyRequest) (*models.APIKeyResponse, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("key name is required")
	}
	if req.Prefix == "" {
		req.Prefix = models.DefaultKeyPrefix
	}
	if len(req.Prefix) > 8 {
		return nil, fmt.Errorf("key prefix must be at most 8 characters")
	}
	if req.KeyType == "" {
		req.KeyType = models.KeyTypeStandard
	}
	if req.KeyType != models.KeyTypeStandard && req.KeyType != models.KeyTypeInternal {
		return nil, fmt.Errorf("invalid key type %q", req.KeyType)
	}

	plaintext, keyHash, err := models.GenerateAPIKey(req.Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to generate API key: %w", err)
	}

	key := &models.APIKey{
		Name:        req.Name,
		Description: req.Description,
		KeyHash:     keyHash,
		KeyPrefix:   models.KeyPrefixOf(plaintext),
		KeyType:     req.KeyType,
		IsActive:    true,
	}
	if len(req.Permissions) > 0 {
		key.Permissions = datatypes.NewJSONSlice(req.Permissions)
	}
	if req.Metadata != nil {
		key.Metadata = datatypes.JSONMap(req.Metadata)
	}
	if req.ExpiresInDays != nil && *req.ExpiresInDays > 0 {
		expiresAt := time.Now().UTC().AddDate(0, 0, *req.ExpiresInDays)
		key.ExpiresAt = &expiresAt
	}

	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return nil, fmt.Errorf("failed to create key: %w", err)
	}

	s.logger.Info("API key created",
		zap.String("key_id", key.ID.String()),
		zap.String("name", key.Name),
		zap.String("type", string(key.KeyType)))

	return &models.APIKeyResponse{
		APIKey:  *key,
		Key:     plaintext,
		Warning: "Save this key securely - it will not be shown again",
	}, nil
}

// FindByPlaintext hashes the presented credential and resolves it to an
// active, unexpired key.
func (s *Service) FindByPlaintext(ctx context.Context, plaintext string) (*models.APIKey, error) {
	var key models.APIKey
	keyHash := models.HashAPIKey(plaintext)
	err := s.db.WithContext(ctx).
		Where("key_hash = ? AND is_active = ?", keyHash, true).
		First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to look up key: %w", err)
	}

	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, ErrKeyExpired
	}

	return &key, nil
}

func (s *Service) GetKey(ctx context.Context, keyID uuid.UUID) (*models.APIKey, error) {
	var key models.APIKey
	if err := s.db.WithContext(ctx).First(&key, "id = ?", keyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return &key, nil
}

func (s *Service) ListKeys(ctx context.Context, limit, offset int, includeInactive bool) ([]*models.APIKey, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	scoped := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&models.APIKey{})
		if !includeInactive {
			q = q.Where("is_active = ?", true)
		}
		return q
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count keys: %w", err)
	}

	var keys []*models.APIKey
	if err := scoped().Order("created_at DESC").Limit(limit).Offset(offset).Find(&keys).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list keys: %w", err)
	}

	return keys, total, nil
}

func (s *Service) UpdateKey(ctx context.Context, keyID uuid.UUID, req UpdateKeyRequest) (*models.APIKey, error) {
	key, err := s.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		key.Name = *req.Name
	}
	if req.Description != nil {
		key.Description = *req.Description
	}
	if req.Permissions != nil {
		key.Permissions = datatypes.NewJSONSlice(req.Permissions)
	}
	if req.Metadata != nil {
		key.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := s.db.WithContext(ctx).Save(key).Error; err != nil {
		return nil, fmt.Errorf("failed to update key: %w", err)
	}

	return key, nil
}

// TouchLastUsed is fired on every authenticated request; failures are
// not worth surfacing to the caller.
func (s *Service) TouchLastUsed(ctx context.Context, keyID uuid.UUID) {
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", keyID).
		Update("last_used_at", now).Error; err != nil {
		s.logger.Warn("failed to update last_used_at", zap.String("key_id", keyID.String()), zap.Error(err))
	}
}

// RevokeKey deactivates a key without deleting its history.
func (s *Service) RevokeKey(ctx context.Context, keyID uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", keyID).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to revoke key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrKeyNotFound
	}

	s.logger.Info("API key revoked", zap.String("key_id", keyID.String()))
	return nil
}

// DeleteKey removes a key and, through cascades, everything it owns.
func (s *Service) DeleteKey(ctx context.Context, keyID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&models.APIKey{}, "id = ?", keyID)
		if result.Error != nil {
			return fmt.Errorf("failed to delete key: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrKeyNotFound
		}

		// SQLite does not always enforce the declared cascades.
		tx.Delete(&models.APIKeyUsage{}, "key_id = ?", keyID)
		tx.Delete(&models.UsageRecord{}, "api_key_id = ?", keyID)
		tx.Delete(&models.BillingAccount{}, "api_key_id = ?", keyID)
		tx.Delete(&models.Transaction{}, "api_key_id = ?", keyID)
		return nil
	})
}

type RecordUsageParams struct {
	KeyID      uuid.UUID
	Endpoint   string
	Method     string
	StatusCode int
	IP         string
	UserAgent  string
}

// RecordUsage appends one audit row. Called asynchronously from the auth
// middleware on both success and failure paths.
func (s *Service) RecordUsage(ctx context.Context, p RecordUsageParams) error {
	row := &models.APIKeyUsage{
		KeyID:      p.KeyID,
		Endpoint:   p.Endpoint,
		Method:     p.Method,
		StatusCode: p.StatusCode,
		Timestamp:  time.Now().UTC(),
		IP:         p.IP,
		UserAgent:  p.UserAgent,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to record key usage: %w", err)
	}
	return nil
}

// GetUsageSummary aggregates audit rows for one key, optionally bounded
// by a start time. Success means status code < 400.
func (s *Service) GetUsageSummary(ctx context.Context, keyID uuid.UUID, since *time.Time) (*models.KeyUsageSummary, error) {
	scoped := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&models.APIKeyUsage{}).Where("key_id = ?", keyID)
		if since != nil {
			q = q.Where("timestamp >= ?", *since)
		}
		return q
	}

	var total, success int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count usage: %w", err)
	}
	if err := scoped().Where("status_code < ?", 400).Count(&success).Error; err != nil {
		return nil, fmt.Errorf("failed to count successes: %w", err)
	}

	summary := &models.KeyUsageSummary{TotalRequests: total}
	if total > 0 {
		summary.SuccessRate = float64(success) / float64(total)
	}

	var last models.APIKeyUsage
	err := s.db.WithContext(ctx).Where("key_id = ?", keyID).
		Order("timestamp DESC").First(&last).Error
	if err == nil {
		summary.LastUsed = &last.Timestamp
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to find last usage: %w", err)
	}

	return summary, nil
}

// HasAnyKey reports whether any key exists at all; used by the open-mode
// startup check.
func (s *Service) HasAnyKey(ctx context.Context) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.APIKey{}).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
