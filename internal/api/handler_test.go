package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitestlab/monitor/internal/auth"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func serve(t *testing.T, r http.Handler, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w.Code, env
}

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authed := r.Header.Get("Authorization") == "Bearer a1"
		switch {
		case r.URL.Path == pathLogin:
			var req LoginRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req.Password != "secret" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid credentials"})
				return
			}
			writeJSON(w, http.StatusOK, AuthResponse{AccessToken: "a1", RefreshToken: "r1", User: auth.User{ID: "op-1", Email: req.Email}})
		case !authed:
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "expired"})
		case r.URL.Path == pathWhoAmI:
			writeJSON(w, http.StatusOK, auth.User{ID: "op-1", Email: "op@school.io"})
		case r.URL.Path == pathVerifyToken:
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == pathTests:
			writeJSON(w, http.StatusOK, []Test{{ID: "t-1", Title: "Algebra", TempCode: "123456"}})
		case r.URL.Path == pathTests+"/t-1":
			writeJSON(w, http.StatusOK, Test{ID: "t-1", Title: "Algebra"})
		case r.URL.Path == pathDashboard:
			writeJSON(w, http.StatusOK, map[string]int{"tests": 3})
		case r.URL.Path == pathTestResults+"t-1":
			writeJSON(w, http.StatusOK, map[string]float64{"averageScore": 71.5})
		case r.URL.Path == pathTestResults+"broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "test not found"})
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ts := newBackend(t)
	tokens := newTokens(t, "", "")
	r := gin.New()
	NewHandler(NewClient(ts.URL, tokens, nil, nil), tokens).Register(r)
	ctx := context.Background()

	code, env := serve(t, r, http.MethodPost, "/auth/login", map[string]string{"email": "op@school.io"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "bad_request", env.Code)

	code, env = serve(t, r, http.MethodPost, "/auth/login", LoginRequest{Email: "op@school.io", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, CodeBackendRejected, env.Code)
	assert.Equal(t, "invalid credentials", env.Error)

	code, env = serve(t, r, http.MethodGet, "/auth/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"authenticated":false}`, string(env.Data))

	code, env = serve(t, r, http.MethodPost, "/auth/login", LoginRequest{Email: "op@school.io", Password: "secret"})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"user":{"id":"op-1","email":"op@school.io"}}`, string(env.Data))
	assert.Equal(t, "a1", tokens.AccessToken(ctx))
	require.NotNil(t, tokens.User(ctx))

	code, env = serve(t, r, http.MethodGet, "/auth/me", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"op-1"`)

	code, env = serve(t, r, http.MethodGet, "/auth/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"authenticated":true}`, string(env.Data))

	code, env = serve(t, r, http.MethodGet, "/tests", nil)
	require.Equal(t, http.StatusOK, code)
	var tests []Test
	require.NoError(t, json.Unmarshal(env.Data, &tests))
	require.Len(t, tests, 1)
	assert.Equal(t, Code("123456"), tests[0].TempCode)

	code, _ = serve(t, r, http.MethodGet, "/tests/t-1", nil)
	assert.Equal(t, http.StatusOK, code)
	code, env = serve(t, r, http.MethodGet, "/tests/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "test not found", env.Error)

	code, env = serve(t, r, http.MethodGet, "/analytics/dashboard", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"tests":3}`, string(env.Data))

	code, env = serve(t, r, http.MethodGet, "/monitor/tests/t-1/results", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"averageScore":71.5}`, string(env.Data))

	code, env = serve(t, r, http.MethodGet, "/monitor/tests/broken/results", nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, CodeBackendUnavailable, env.Code)

	code, _ = serve(t, r, http.MethodPost, "/auth/logout", nil)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Empty(t, tokens.AccessToken(ctx))

	code, env = serve(t, r, http.MethodGet, "/analytics/dashboard", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, CodeBackendSessionExpired, env.Code)
}
