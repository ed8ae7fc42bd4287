package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aitestlab/monitor/pkg/response"
)

// RequireRole allows only operators whose token carries one of roles.
// With no roles every authenticated operator passes.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextUserID); !ok {
			response.Abort(c, http.StatusUnauthorized, "", "missing user context")
			return
		}
		if len(allowed) == 0 {
			c.Next()
			return
		}
		role := c.GetString(ContextUserRole)
		if _, ok := allowed[role]; !ok {
			response.Abort(c, http.StatusForbidden, "role_forbidden", "role not allowed to monitor tests")
			return
		}
		c.Next()
	}
}
