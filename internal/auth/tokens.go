package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aitestlab/monitor/pkg/storage"
)

// Storage keys shared with the web client.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUserData     = "user_data"
)

// User is the cached profile of the signed-in operator.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Role      string `json:"role,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// TokenStore keeps backend credentials and the cached profile in client storage.
type TokenStore struct {
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewTokenStore creates a token store over s.
func NewTokenStore(s storage.Store, logger *zap.Logger) *TokenStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenStore{store: s, logger: logger, now: time.Now}
}

// AccessToken returns the stored access token, or "" when absent.
func (t *TokenStore) AccessToken(ctx context.Context) string {
	return t.get(ctx, KeyAccessToken)
}

// RefreshToken returns the stored refresh token, or "" when absent.
func (t *TokenStore) RefreshToken(ctx context.Context) string {
	return t.get(ctx, KeyRefreshToken)
}

// SetTokens stores both tokens. An empty refresh token leaves the stored one untouched.
func (t *TokenStore) SetTokens(ctx context.Context, access, refresh string) error {
	if err := t.store.Set(ctx, KeyAccessToken, access); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if refresh == "" {
		return nil
	}
	if err := t.store.Set(ctx, KeyRefreshToken, refresh); err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	return nil
}

// SetUser caches the user profile.
func (t *TokenStore) SetUser(ctx context.Context, u User) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return t.store.Set(ctx, KeyUserData, string(body))
}

// User returns the cached profile, or nil when absent or unreadable.
func (t *TokenStore) User(ctx context.Context) *User {
	raw := t.get(ctx, KeyUserData)
	if raw == "" {
		return nil
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		t.logger.Warn("cached user data unreadable", zap.Error(err))
		return nil
	}
	return &u
}

// Clear removes tokens and the cached profile (logout).
func (t *TokenStore) Clear(ctx context.Context) error {
	return t.store.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyUserData)
}

// IsAuthenticated reports whether an unexpired access token is stored.
func (t *TokenStore) IsAuthenticated(ctx context.Context) bool {
	token := t.AccessToken(ctx)
	if token == "" {
		return false
	}
	exp, err := ExpiresAt(token)
	if err != nil {
		return false
	}
	return exp.After(t.now())
}

func (t *TokenStore) get(ctx context.Context, key string) string {
	v, err := t.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			t.logger.Warn("read client storage", zap.String("key", key), zap.Error(err))
		}
		return ""
	}
	return v
}
