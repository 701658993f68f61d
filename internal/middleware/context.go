package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskbridge/taskbridge/internal/models"
)

type contextKey string

const authKeyContextKey contextKey = "auth_key"

// AuthKey is what authentication attaches to the request context.
type AuthKey struct {
	ID          uuid.UUID
	Name        string
	Type        models.KeyType
	Permissions []string
}

// IsLegacy reports whether the credential came from the plaintext
// allow-list rather than a stored key.
func (a *AuthKey) IsLegacy() bool {
	return a.ID == uuid.Nil
}

func (a *AuthKey) HasPermission(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

func WithAuthKey(ctx context.Context, key *AuthKey) context.Context {
	return context.WithValue(ctx, authKeyContextKey, key)
}

// AuthKeyFromContext returns the authenticated key, if any.
func AuthKeyFromContext(ctx context.Context) (*AuthKey, bool) {
	key, ok := ctx.Value(authKeyContextKey).(*AuthKey)
	return key, ok
}
