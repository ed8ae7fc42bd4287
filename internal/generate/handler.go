package generate

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aitestlab/monitor/pkg/response"
)

// Handler exposes test generation over HTTP.
type Handler struct {
	generator *Generator
}

// NewHandler creates a generate handler.
func NewHandler(generator *Generator) *Handler {
	return &Handler{generator: generator}
}

// Register mounts the routes on g.
func (h *Handler) Register(g gin.IRoutes) {
	g.POST("/tests/generate", h.Generate)
}

// Generate handles POST /tests/generate. It blocks until the server answers.
func (h *Handler) Generate(c *gin.Context) {
	var p Params
	if err := c.ShouldBindJSON(&p); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	test, err := h.generator.Generate(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Created(c, test)
}

func writeError(c *gin.Context, err error) {
	var serverErr *ServerError
	switch {
	case errors.Is(err, ErrInvalidParams):
		response.Fail(c, http.StatusBadRequest, "invalid_params", err.Error())
	case errors.Is(err, ErrBusy):
		response.Fail(c, http.StatusConflict, "generation_busy", err.Error())
	case errors.Is(err, ErrNotConnected):
		response.Fail(c, http.StatusServiceUnavailable, "not_connected", err.Error())
	case errors.Is(err, ErrTimeout):
		response.Fail(c, http.StatusGatewayTimeout, "", err.Error())
	case errors.As(err, &serverErr):
		response.Fail(c, http.StatusBadGateway, "generation_failed", serverErr.Message)
	default:
		response.Internal(c, err.Error())
	}
}
