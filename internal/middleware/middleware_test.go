package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aitestlab/monitor/internal/auth"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString(ContextUserID), "role": c.GetString(ContextUserRole)})
	})
	r.GET("/x", handlers...)
	return r
}

func get(r http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWT(t *testing.T) {
	svc := auth.NewJWTService("secret", time.Hour)
	token, err := svc.Generate("op-1", "op@school.io", "teacher")
	require.NoError(t, err)
	r := newRouter(JWT(svc))

	w := get(r, "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"op-1","role":"teacher"}`, w.Body.String())

	assert.Equal(t, http.StatusOK, get(r, "bearer "+token).Code)
	w = get(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"token_missing"`)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Bearer").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Basic abc").Code)

	other, err := auth.NewJWTService("other", time.Hour).Generate("op-1", "", "teacher")
	require.NoError(t, err)
	w = get(r, "Bearer "+other)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"token_invalid"`)

	expired, err := auth.NewJWTService("secret", -time.Minute).Generate("op-1", "", "teacher")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(r, "Bearer "+expired).Code)
}

func TestTokenValidator(t *testing.T) {
	svc := auth.NewJWTService("secret", time.Hour)
	validate := TokenValidator(svc)

	token, err := svc.Generate("op-1", "", "admin")
	require.NoError(t, err)
	id, err := validate(token)
	require.NoError(t, err)
	assert.Equal(t, "op-1", id)

	anonymous, err := svc.Generate("", "", "admin")
	require.NoError(t, err)
	_, err = validate(anonymous)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = validate("garbage")
	assert.Error(t, err)
}

func TestRequireRole(t *testing.T) {
	svc := auth.NewJWTService("secret", time.Hour)
	teacher, _ := svc.Generate("op-1", "", "teacher")
	student, _ := svc.Generate("st-1", "", "student")

	r := newRouter(JWT(svc), RequireRole("admin", "teacher"))
	assert.Equal(t, http.StatusOK, get(r, "Bearer "+teacher).Code)
	w := get(r, "Bearer "+student)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"role_forbidden"`)

	open := newRouter(JWT(svc), RequireRole())
	assert.Equal(t, http.StatusOK, get(open, "Bearer "+student).Code)

	noAuth := newRouter(RequireRole("admin"))
	assert.Equal(t, http.StatusUnauthorized, get(noAuth, "").Code)
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("http://localhost:3000, http://dash.io"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://dash.io")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://dash.io", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://evil.io")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Logger(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/ok", "/boom", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, zap.WarnLevel, entries[2].Level)
	assert.Equal(t, "/missing", entries[2].ContextMap()["path"])
}
