package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aitestlab/monitor/pkg/response"
)

// Error codes of the backend routes.
const (
	CodeBackendSessionExpired = "backend_session_expired"
	CodeBackendRejected       = "backend_rejected"
	CodeBackendUnavailable    = "backend_unavailable"
)

// Handler exposes the backend session and the read-only backend views the
// monitor needs.
type Handler struct {
	client   *Client
	profiles ProfileStore
}

// NewHandler creates a handler. profiles receives the profile on login and
// may be nil.
func NewHandler(client *Client, profiles ProfileStore) *Handler {
	return &Handler{client: client, profiles: profiles}
}

// Register mounts the routes on g.
func (h *Handler) Register(g gin.IRoutes) {
	g.POST("/auth/login", h.Login)
	g.POST("/auth/logout", h.Logout)
	g.GET("/auth/me", h.Me)
	g.GET("/auth/status", h.Status)
	g.GET("/tests", h.ListTests)
	g.GET("/tests/:testId", h.GetTest)
	g.GET("/analytics/dashboard", h.Dashboard)
	g.GET("/monitor/tests/:testId/results", h.TestResults)
}

// Login handles POST /auth/login: signs the service in to the backend.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	out, err := h.client.Login(c.Request.Context(), req, h.profiles)
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, gin.H{"user": out.User})
}

// Logout handles POST /auth/logout.
func (h *Handler) Logout(c *gin.Context) {
	if err := h.client.Logout(c.Request.Context()); err != nil {
		response.Internal(c, err.Error())
		return
	}
	response.NoContent(c)
}

// Me handles GET /auth/me.
func (h *Handler) Me(c *gin.Context) {
	u, err := h.client.WhoAmI(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, u)
}

// Status handles GET /auth/status.
func (h *Handler) Status(c *gin.Context) {
	ok, err := h.client.VerifyToken(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, gin.H{"authenticated": ok})
}

// ListTests handles GET /tests.
func (h *Handler) ListTests(c *gin.Context) {
	tests, err := h.client.ListTests(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if tests == nil {
		tests = []Test{}
	}
	response.OK(c, tests)
}

// GetTest handles GET /tests/:testId.
func (h *Handler) GetTest(c *gin.Context) {
	t, err := h.client.GetTest(c.Request.Context(), c.Param("testId"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, t)
}

// Dashboard handles GET /analytics/dashboard.
func (h *Handler) Dashboard(c *gin.Context) {
	out, err := h.client.Dashboard(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, out)
}

// TestResults handles GET /monitor/tests/:testId/results.
func (h *Handler) TestResults(c *gin.Context) {
	out, err := h.client.TestResults(c.Request.Context(), c.Param("testId"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, out)
}

// writeError keeps backend client errors (4xx) and reports everything else
// as a bad gateway.
func writeError(c *gin.Context, err error) {
	if errors.Is(err, ErrSessionExpired) {
		response.Fail(c, http.StatusUnauthorized, CodeBackendSessionExpired, err.Error())
		return
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
		response.Fail(c, apiErr.Status, CodeBackendRejected, apiErr.Message)
		return
	}
	response.Fail(c, http.StatusBadGateway, CodeBackendUnavailable, err.Error())
}
