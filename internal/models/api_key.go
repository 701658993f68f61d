package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type KeyType string

const (
	KeyTypeStandard KeyType = "standard"
	KeyTypeInternal KeyType = "internal"
)

const DefaultKeyPrefix = "tb_"

// DefaultPermissions is granted to keys created without an explicit set.
var DefaultPermissions = []string{"execute", "read", "write"}

type APIKey struct {
	BaseModel
	Name        string     `gorm:"not null" json:"name"`
	Description string     `json:"description,omitempty"`
	KeyHash     string     `gorm:"uniqueIndex;not null" json:"-"`
	KeyPrefix   string     `gorm:"index;not null" json:"key_prefix"`
	KeyType     KeyType    `gorm:"index;not null;default:standard" json:"key_type"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	IsActive    bool       `gorm:"index;default:true" json:"is_active"`

	Permissions datatypes.JSONSlice[string] `json:"permissions"`
	Metadata    datatypes.JSONMap           `json:"metadata,omitempty"`

	// Cascade rows owned by this key.
	Usage        []APIKeyUsage   `gorm:"foreignKey:KeyID;constraint:OnDelete:CASCADE" json:"-"`
	UsageRecords []UsageRecord   `gorm:"foreignKey:APIKeyID;constraint:OnDelete:CASCADE" json:"-"`
	Account      *BillingAccount `gorm:"foreignKey:APIKeyID;constraint:OnDelete:CASCADE" json:"-"`
	Transactions []Transaction   `gorm:"foreignKey:APIKeyID;constraint:OnDelete:CASCADE" json:"-"`
}

// APIKeyResponse carries the plaintext exactly once, on creation.
type APIKeyResponse struct {
	APIKey
	Key     string `json:"key,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// GenerateAPIKey returns a new plaintext key and its stored hash. The
// plaintext is <prefix><32 random bytes as hex>; only the hash persists.
func GenerateAPIKey(prefix string) (string, string, error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}

	key := prefix + hex.EncodeToString(b)
	return key, HashAPIKey(key), nil
}

func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// KeyPrefixOf returns the visible prefix stored alongside the hash.
func KeyPrefixOf(plaintext string) string {
	if len(plaintext) <= 8 {
		return plaintext
	}
	return plaintext[:8]
}

func (k *APIKey) BeforeCreate(tx *gorm.DB) error {
	if err := k.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if k.KeyType == "" {
		k.KeyType = KeyTypeStandard
	}
	if len(k.Permissions) == 0 {
		k.Permissions = datatypes.NewJSONSlice(DefaultPermissions)
	}
	return nil
}

// IsValid reports whether the key may authenticate right now.
func (k *APIKey) IsValid() bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
		return false
	}
	return true
}

func (k *APIKey) HasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// APIKeyUsage is the per-request audit row written by the auth middleware.
type APIKeyUsage struct {
	BaseModel
	KeyID      uuid.UUID `gorm:"type:uuid;not null;index:idx_api_key_usage_key_ts" json:"key_id"`
	Endpoint   string    `gorm:"not null" json:"endpoint"`
	Method     string    `gorm:"not null" json:"method"`
	StatusCode int       `json:"status_code"`
	Timestamp  time.Time `gorm:"index:idx_api_key_usage_key_ts" json:"timestamp"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}
