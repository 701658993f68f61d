package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskbridge/taskbridge/internal/models"
	"github.com/taskbridge/taskbridge/internal/services/key"
)

// AuthConfig wires the authentication middleware.
type AuthConfig struct {
	Keys *key.Service
	// LegacyKeys are matched verbatim when the hash lookup misses.
	LegacyKeys []string
	// OpenMode skips authentication entirely. Operator opt-in.
	OpenMode bool
	Logger   *zap.Logger
}

// APIKeyAuth resolves the request credential to a key and attaches it to
// the context. Missing credential is 401, present-but-invalid is 403.
func APIKeyAuth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plaintext := extractCredential(r)

			if plaintext == "" {
				if cfg.OpenMode {
					authKey := &AuthKey{Name: "open-mode", Type: models.KeyTypeInternal, Permissions: []string{"*"}}
					next.ServeHTTP(w, r.WithContext(WithAuthKey(r.Context(), authKey)))
					return
				}
				writeAuthError(w, http.StatusUnauthorized, "missing_api_key", "API key is required")
				return
			}

			authKey, dbKey, err := resolveCredential(r.Context(), cfg, plaintext)
			if err != nil {
				status := http.StatusForbidden
				code := "invalid_api_key"
				msg := "API key is invalid, expired, or revoked"
				if !errors.Is(err, key.ErrKeyNotFound) && !errors.Is(err, key.ErrKeyExpired) {
					// Store failure, not a bad credential.
					status = http.StatusInternalServerError
					code = "auth_unavailable"
					msg = "authentication temporarily unavailable"
					cfg.Logger.Error("key lookup failed", zap.Error(err))
				}
				writeAuthError(w, status, code, msg)
				return
			}

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(WithAuthKey(r.Context(), authKey)))

			// Bookkeeping happens off the request path.
			if dbKey != nil {
				go recordKeyUsage(cfg, dbKey.ID, r, ww.Status())
			}
		})
	}
}

func resolveCredential(ctx context.Context, cfg AuthConfig, plaintext string) (*AuthKey, *models.APIKey, error) {
	dbKey, err := cfg.Keys.FindByPlaintext(ctx, plaintext)
	if err == nil {
		return &AuthKey{
			ID:          dbKey.ID,
			Name:        dbKey.Name,
			Type:        dbKey.KeyType,
			Permissions: dbKey.Permissions,
		}, dbKey, nil
	}
	if !errors.Is(err, key.ErrKeyNotFound) {
		return nil, nil, err
	}

	// Hash miss: try the legacy plaintext allow-list. Legacy callers are
	// trusted infrastructure, so they get internal-key semantics.
	for _, legacy := range cfg.LegacyKeys {
		if subtle.ConstantTimeCompare([]byte(legacy), []byte(plaintext)) == 1 {
			return &AuthKey{
				ID:          uuid.Nil,
				Name:        "legacy",
				Type:        models.KeyTypeInternal,
				Permissions: []string{"*"},
			}, nil, nil
		}
	}
	return nil, nil, key.ErrKeyNotFound
}

func recordKeyUsage(cfg AuthConfig, keyID uuid.UUID, r *http.Request, status int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg.Keys.TouchLastUsed(ctx, keyID)
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	if err := cfg.Keys.RecordUsage(ctx, key.RecordUsageParams{
		KeyID:      keyID,
		Endpoint:   r.URL.Path,
		Method:     r.Method,
		StatusCode: status,
		IP:         ip,
		UserAgent:  r.UserAgent(),
	}); err != nil {
		cfg.Logger.Warn("failed to record key usage", zap.Error(err))
	}
}

func extractCredential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	// Query parameter fallback, for debugging only.
	return r.URL.Query().Get("api_key")
}

// AdminAuth guards the admin surfaces with the configured credential,
// accepted via Bearer or X-Admin-Key.
func AdminAuth(adminKey string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKey == "" {
				writeAuthError(w, http.StatusForbidden, "admin_disabled", "admin API is not configured")
				return
			}

			presented := r.Header.Get("X-Admin-Key")
			if presented == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					presented = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
				}
			}
			if presented == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing_admin_key", "admin credential is required")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(adminKey)) != 1 {
				logger.Warn("admin auth rejected", zap.String("remote", r.RemoteAddr))
				writeAuthError(w, http.StatusForbidden, "invalid_admin_key", "admin credential is invalid")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
