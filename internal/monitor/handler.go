package monitor

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aitestlab/monitor/pkg/response"
)

// OpenRequest is the body for POST /monitor/sessions.
type OpenRequest struct {
	TestID   string `json:"test_id" binding:"required"`
	TempCode string `json:"temp_code"`
}

// JoinRequest is the body for POST /monitor/sessions/:testId/join.
type JoinRequest struct {
	Code string `json:"code" binding:"required"`
}

// StartRequest is the body for POST /monitor/sessions/:testId/start.
type StartRequest struct {
	Duration int `json:"duration" binding:"required,min=1"`
}

// CodeResolver looks up the join code of a test.
type CodeResolver interface {
	TempCode(ctx context.Context, testID string) (string, error)
}

// Handler exposes monitor sessions over HTTP.
type Handler struct {
	manager *Manager
	codes   CodeResolver
}

// NewHandler creates a monitor handler. codes may be nil, in which case
// sessions must be opened with an explicit temp code.
func NewHandler(manager *Manager, codes CodeResolver) *Handler {
	return &Handler{manager: manager, codes: codes}
}

// Register mounts the monitor routes on g.
func (h *Handler) Register(g gin.IRoutes) {
	g.POST("/monitor/sessions", h.Open)
	g.GET("/monitor/sessions/:testId", h.Get)
	g.GET("/monitor/sessions/:testId/stats", h.Stats)
	g.POST("/monitor/sessions/:testId/join", h.Join)
	g.POST("/monitor/sessions/:testId/start", h.Start)
	g.POST("/monitor/sessions/:testId/pause", h.Pause)
	g.POST("/monitor/sessions/:testId/resume", h.Resume)
	g.POST("/monitor/sessions/:testId/finish", h.Finish)
	g.DELETE("/monitor/sessions/:testId/participants/:participantId", h.RemoveParticipant)
	g.DELETE("/monitor/sessions/:testId", h.Close)
}

// Open handles POST /monitor/sessions.
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.TempCode == "" && h.codes != nil {
		code, err := h.codes.TempCode(c.Request.Context(), req.TestID)
		if err != nil {
			response.ServiceUnavailable(c, "cannot resolve temp code: "+err.Error())
			return
		}
		req.TempCode = code
	}
	s, created, err := h.manager.Open(req.TestID, req.TempCode)
	if err != nil {
		writeError(c, err)
		return
	}
	if created {
		response.Created(c, s.State(""))
		return
	}
	response.OK(c, s.State(""))
}

// Get handles GET /monitor/sessions/:testId?q=.
func (h *Handler) Get(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	response.OK(c, s.State(c.Query("q")))
}

// Stats handles GET /monitor/sessions/:testId/stats.
func (h *Handler) Stats(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	response.OK(c, s.Participants().Stats())
}

// Join handles POST /monitor/sessions/:testId/join.
func (h *Handler) Join(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := s.JoinRoom(req.Code); err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, s.State(""))
}

// Start handles POST /monitor/sessions/:testId/start.
func (h *Handler) Start(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	acknowledged, err := s.StartTest(c.Request.Context(), req.Duration)
	if err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, gin.H{"acknowledged": acknowledged, "state": s.State("")})
}

// Pause handles POST /monitor/sessions/:testId/pause.
func (h *Handler) Pause(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.PauseTest(); err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, s.State(""))
}

// Resume handles POST /monitor/sessions/:testId/resume.
func (h *Handler) Resume(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.ResumeTest(); err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, s.State(""))
}

// Finish handles POST /monitor/sessions/:testId/finish.
func (h *Handler) Finish(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.FinishTest(); err != nil {
		writeError(c, err)
		return
	}
	response.OK(c, s.State(""))
}

// RemoveParticipant handles DELETE /monitor/sessions/:testId/participants/:participantId.
func (h *Handler) RemoveParticipant(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.RemoveParticipant(c.Param("participantId")); err != nil {
		writeError(c, err)
		return
	}
	response.NoContent(c)
}

// Close handles DELETE /monitor/sessions/:testId.
func (h *Handler) Close(c *gin.Context) {
	if err := h.manager.Close(c.Param("testId")); err != nil {
		writeError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) session(c *gin.Context) (*Session, bool) {
	s, err := h.manager.Get(c.Param("testId"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return s, true
}

// Error codes returned in the response envelope.
const (
	CodeSessionNotFound     = "session_not_found"
	CodeParticipantNotFound = "participant_not_found"
	CodeSessionActive       = "session_active"
	CodeTestStarted         = "test_started"
	CodeNotConnected        = "not_connected"
	CodeSessionClosed       = "session_closed"
	CodeNoTempCode          = "temp_code_required"
	CodeNoTestID            = "test_id_required"
)

func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	response.Fail(c, status, code, err.Error())
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, CodeSessionNotFound
	case errors.Is(err, ErrParticipantNotFound):
		return http.StatusNotFound, CodeParticipantNotFound
	case errors.Is(err, ErrSessionActive):
		return http.StatusConflict, CodeSessionActive
	case errors.Is(err, ErrTestStarted):
		return http.StatusConflict, CodeTestStarted
	case errors.Is(err, ErrNotConnected):
		return http.StatusServiceUnavailable, CodeNotConnected
	case errors.Is(err, ErrSessionClosed):
		return http.StatusServiceUnavailable, CodeSessionClosed
	case errors.Is(err, ErrNoTempCode):
		return http.StatusBadRequest, CodeNoTempCode
	case errors.Is(err, ErrNoTestID):
		return http.StatusBadRequest, CodeNoTestID
	}
	return http.StatusInternalServerError, ""
}
