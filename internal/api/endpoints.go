package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/aitestlab/monitor/internal/auth"
)

const (
	pathLogin       = "/api/v1/auth/login"
	pathRefresh     = "/api/v1/auth/refresh"
	pathVerifyToken = "/api/v1/auth/verify-token"
	pathWhoAmI      = "/api/v1/auth/whoami"

	pathTests       = "/api/v1/tests"
	pathDashboard   = "/api/v1/analytics/dashboard"
	pathTestResults = "/api/v1/analytics/tests/"
)

// Requests to these paths carry no valid session, so a 401 is an answer and
// not an expired token.
var unauthenticatedPaths = map[string]bool{
	pathLogin:   true,
	pathRefresh: true,
}

func testPath(id string) string {
	return pathTests + "/" + url.PathEscape(id)
}

// ProfileStore is where a signed-in profile is cached.
type ProfileStore interface {
	SetUser(ctx context.Context, u auth.User) error
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse is returned by login.
type AuthResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	User         auth.User `json:"user"`
	Message      string    `json:"message,omitempty"`
}

// Test is a test definition as served by the backend.
type Test struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Duration    int             `json:"duration,omitempty"`
	TempCode    Code            `json:"tempCode,omitempty"`
	Status      string          `json:"status,omitempty"`
	Questions   json.RawMessage `json:"questions,omitempty"`
}

// Login signs in and stores the returned tokens and profile.
func (c *Client) Login(ctx context.Context, req LoginRequest, profiles ProfileStore) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, pathLogin, req, &out); err != nil {
		return nil, err
	}
	if err := c.remember(ctx, &out, profiles); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout forgets the stored backend credentials.
func (c *Client) Logout(ctx context.Context) error {
	return c.tokens.Clear(ctx)
}

func (c *Client) remember(ctx context.Context, out *AuthResponse, profiles ProfileStore) error {
	if out.AccessToken == "" {
		return nil
	}
	if err := c.tokens.SetTokens(ctx, out.AccessToken, out.RefreshToken); err != nil {
		return err
	}
	if profiles != nil && out.User.ID != "" {
		return profiles.SetUser(ctx, out.User)
	}
	return nil
}

// VerifyToken asks the backend whether the stored access token is still valid.
func (c *Client) VerifyToken(ctx context.Context) (bool, error) {
	if c.tokens.AccessToken(ctx) == "" {
		return false, nil
	}
	err := c.do(ctx, http.MethodGet, pathVerifyToken, nil, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.Is(err, ErrSessionExpired) || errors.As(err, &apiErr) {
		return false, nil
	}
	return false, err
}

// WhoAmI returns the signed-in user.
func (c *Client) WhoAmI(ctx context.Context) (*auth.User, error) {
	var u auth.User
	if err := c.do(ctx, http.MethodGet, pathWhoAmI, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListTests returns the tests visible to the user.
func (c *Client) ListTests(ctx context.Context) ([]Test, error) {
	var out []Test
	if err := c.do(ctx, http.MethodGet, pathTests, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTest returns one test.
func (c *Client) GetTest(ctx context.Context, id string) (*Test, error) {
	var out Test
	if err := c.do(ctx, http.MethodGet, testPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Dashboard returns the analytics dashboard payload.
func (c *Client) Dashboard(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, pathDashboard, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TestResults returns the analytics of one test.
func (c *Client) TestResults(ctx context.Context, id string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, pathTestResults+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TempCode returns the join code of a test.
func (c *Client) TempCode(ctx context.Context, testID string) (string, error) {
	t, err := c.GetTest(ctx, testID)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(t.TempCode)), nil
}

// Code is a join code the backend sends as a string or a number.
type Code string

func (c *Code) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = Code(n.String())
	return nil
}
