package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/templatemart/internal/storage"
	"go.uber.org/zap"
)

// Durable keys owned by the Manager.
const (
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
	UserProfileKey  = "user_profile"
)

// RoleAdmin marks administrators.
const RoleAdmin = "admin"

// UserProfile is the last-known snapshot of the authenticated principal.
type UserProfile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// IsAdmin reports whether the profile carries the admin role.
func (profile *UserProfile) IsAdmin() bool {
	if profile == nil {
		return false
	}
	return strings.EqualFold(profile.Role, RoleAdmin)
}

// Bundle is the full credential set written on login.
type Bundle struct {
	AccessToken  string
	RefreshToken string
	User         UserProfile
}

// Manager is the sole reader and writer of credential storage. Storage
// failures never escape: reads degrade to "no session", writes are dropped.
type Manager struct {
	store  storage.Storage
	logger *zap.Logger
}

// NewManager constructs a Manager over the given store.
func NewManager(store storage.Storage, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		panic("session storage is required")
	}
	return &Manager{store: store, logger: logger}
}

// AccessToken returns the stored access token or "" when absent.
func (manager *Manager) AccessToken(ctx context.Context) string {
	return manager.read(ctx, AccessTokenKey)
}

// RefreshToken returns the stored refresh token or "" when absent.
func (manager *Manager) RefreshToken(ctx context.Context) string {
	return manager.read(ctx, RefreshTokenKey)
}

// SetAccessToken overwrites the access token slot. An empty token clears it.
func (manager *Manager) SetAccessToken(ctx context.Context, token string) {
	manager.write(ctx, AccessTokenKey, token)
}

// SetRefreshToken overwrites the refresh token slot. An empty token clears it.
func (manager *Manager) SetRefreshToken(ctx context.Context, token string) {
	manager.write(ctx, RefreshTokenKey, token)
}

// SetUser overwrites the cached profile slot.
func (manager *Manager) SetUser(ctx context.Context, profile UserProfile) {
	encoded, encodeErr := json.Marshal(profile)
	if encodeErr != nil {
		manager.logger.Warn("session profile encode failed",
			zap.String("code", "session.set_user.encode"),
			zap.Error(encodeErr))
		return
	}
	manager.write(ctx, UserProfileKey, string(encoded))
}

// User returns the cached profile, or nil when absent or unreadable.
func (manager *Manager) User(ctx context.Context) *UserProfile {
	raw := manager.read(ctx, UserProfileKey)
	if raw == "" {
		return nil
	}
	var profile UserProfile
	if decodeErr := json.Unmarshal([]byte(raw), &profile); decodeErr != nil {
		manager.logger.Warn("session profile corrupt",
			zap.String("code", "session.user.corrupt"),
			zap.Error(decodeErr))
		return nil
	}
	return &profile
}

// Store writes access token, refresh token and profile as one batch.
func (manager *Manager) Store(ctx context.Context, bundle Bundle) {
	encoded, encodeErr := json.Marshal(bundle.User)
	if encodeErr != nil {
		manager.logger.Warn("session profile encode failed",
			zap.String("code", "session.store.encode"),
			zap.Error(encodeErr))
		return
	}
	if strings.TrimSpace(bundle.AccessToken) == "" || strings.TrimSpace(bundle.RefreshToken) == "" {
		manager.logger.Warn("session bundle incomplete",
			zap.String("code", "session.store.incomplete"))
		return
	}
	values := map[string]string{
		AccessTokenKey:  bundle.AccessToken,
		RefreshTokenKey: bundle.RefreshToken,
		UserProfileKey:  string(encoded),
	}
	if err := manager.store.SetMany(ctx, values); err != nil {
		manager.logger.Warn("session store failed",
			zap.String("code", "session.store.unavailable"),
			zap.Error(err))
	}
}

// ClearAll removes tokens and profile as one batch.
func (manager *Manager) ClearAll(ctx context.Context) {
	if err := manager.store.RemoveMany(ctx, AccessTokenKey, RefreshTokenKey, UserProfileKey); err != nil {
		manager.logger.Warn("session clear failed",
			zap.String("code", "session.clear.unavailable"),
			zap.Error(err))
	}
}

// AccessTokenExpiry reads the exp claim of a JWT access token without
// verifying its signature. Opaque tokens report ok=false.
func (manager *Manager) AccessTokenExpiry(ctx context.Context) (time.Time, bool) {
	token := manager.AccessToken(ctx)
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, parseErr := jwt.NewParser().ParseUnverified(token, &claims); parseErr != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (manager *Manager) read(ctx context.Context, key string) string {
	value, err := manager.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			manager.logger.Warn("session read failed",
				zap.String("code", "session.read.unavailable"),
				zap.String("key", key),
				zap.Error(err))
		}
		return ""
	}
	return value
}

func (manager *Manager) write(ctx context.Context, key string, value string) {
	var err error
	if value == "" {
		err = manager.store.Remove(ctx, key)
	} else {
		err = manager.store.Set(ctx, key, value)
	}
	if err != nil {
		manager.logger.Warn("session write failed",
			zap.String("code", "session.write.unavailable"),
			zap.String("key", key),
			zap.Error(err))
	}
}
