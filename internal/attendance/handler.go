package attendance

import (
	"github.com/gin-gonic/gin"

	"github.com/aitestlab/monitor/pkg/response"
)

// Handler handles GET /monitor/tests/:testId/attendance.
type Handler struct {
	store Store
}

// NewHandler creates an attendance handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// List returns the attendance spans and summary of a test.
func (h *Handler) List(c *gin.Context) {
	testID := c.Param("testId")
	if testID == "" {
		response.BadRequest(c, "invalid test id")
		return
	}
	list, err := h.store.ListByTest(c.Request.Context(), testID)
	if err != nil {
		response.Internal(c, "failed to list attendance")
		return
	}
	summary, err := h.store.Summary(c.Request.Context(), testID)
	if err != nil {
		response.Internal(c, "failed to summarise attendance")
		return
	}
	response.OK(c, gin.H{"attendance": list, "summary": summary})
}
