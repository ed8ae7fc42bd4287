// Package api is the REST client of the test backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrSessionExpired means the access token was rejected and could not be refreshed.
	ErrSessionExpired = errors.New("authentication failed, please log in again")
	// ErrNoRefreshToken means there is nothing to refresh with.
	ErrNoRefreshToken = errors.New("no refresh token")
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// TokenSource holds the credentials the client sends and refreshes.
type TokenSource interface {
	AccessToken(ctx context.Context) string
	RefreshToken(ctx context.Context) string
	SetTokens(ctx context.Context, access, refresh string) error
	Clear(ctx context.Context) error
}

// Client calls the backend REST API with bearer auth. A 401 triggers one
// token refresh and one retry of the request.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	logger  *zap.Logger

	refreshMu     sync.Mutex
	hookMu        sync.RWMutex
	onAuthFailure func()
}

// NewClient creates a client for baseURL. httpClient and logger may be nil.
func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    httpClient,
		logger:  logger,
	}
}

// OnAuthFailure sets the callback run after a failed refresh has cleared the tokens.
func (c *Client) OnAuthFailure(fn func()) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onAuthFailure = fn
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	resp, err := c.send(ctx, method, path, body, true)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized && !unauthenticatedPaths[path] {
		drain(resp)
		if rerr := c.refresh(ctx); rerr != nil {
			c.logger.Warn("token refresh failed", zap.Error(rerr))
			c.expire(ctx)
			return ErrSessionExpired
		}
		if resp, err = c.send(ctx, method, path, body, true); err != nil {
			return err
		}
	}
	return decode(resp, out)
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, auth bool) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		if token := c.tokens.AccessToken(ctx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (c *Client) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	rt := c.tokens.RefreshToken(ctx)
	if rt == "" {
		return ErrNoRefreshToken
	}
	body, err := json.Marshal(refreshRequest{RefreshToken: rt})
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, http.MethodPost, pathRefresh, body, false)
	if err != nil {
		return err
	}
	var out refreshResponse
	if err := decode(resp, &out); err != nil {
		return err
	}
	if out.AccessToken == "" {
		return errors.New("refresh response carried no access token")
	}
	if err := c.tokens.SetTokens(ctx, out.AccessToken, out.RefreshToken); err != nil {
		return err
	}
	c.logger.Info("access token refreshed")
	return nil
}

func (c *Client) expire(ctx context.Context) {
	if err := c.tokens.Clear(ctx); err != nil {
		c.logger.Error("clear tokens", zap.Error(err))
	}
	c.hookMu.RLock()
	fn := c.onAuthFailure
	c.hookMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		drain(resp)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(status int, raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) < 200 {
		return s
	}
	return http.StatusText(status)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
