package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aitestlab/monitor/internal/auth"
	"github.com/aitestlab/monitor/pkg/response"
)

const (
	// ContextUserID is the key for the operator id in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for the operator role in gin context.
	ContextUserRole = "user_role"
	// ContextUserEmail is the key for the operator email in gin context.
	ContextUserEmail = "user_email"
)

// JWT returns a middleware that validates the bearer token of an operator
// and stores its claims in the context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Abort(c, http.StatusUnauthorized, "token_missing", "missing or invalid authorization header")
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil || claims.UserID == "" {
			response.Abort(c, http.StatusUnauthorized, "token_invalid", "invalid or expired token")
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserRole, claims.Role)
		c.Set(ContextUserEmail, claims.Email)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// TokenValidator adapts jwtService for the dashboard stream, which passes the
// token as a query parameter.
func TokenValidator(jwtService *auth.JWTService) func(token string) (string, error) {
	return func(token string) (string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", err
		}
		if claims.UserID == "" {
			return "", auth.ErrInvalidToken
		}
		return claims.UserID, nil
	}
}
