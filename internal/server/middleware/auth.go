// Package middleware holds the gin middleware chain of the push-auth HTTP API: client address, bearer
// authentication, audit and telemetry.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const bearerPrefix = "bearer "

// Authenticator validates an access token against its live session.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (sessionID, userID, deviceID string, err error)
}

// RequireAuth rejects requests without a valid Bearer access token and stores the identity in the
// request context for handlers (GetUserID, GetDeviceID, GetSessionID).
func RequireAuth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization"})
			return
		}
		sessionID, userID, deviceID, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization"})
			return
		}
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), userID, deviceID, sessionID))
		c.Next()
	}
}

// OptionalAuth behaves like RequireAuth when a Bearer token is present and valid, and otherwise lets
// the request through anonymously.
func OptionalAuth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := extractBearer(c.GetHeader("Authorization")); token != "" {
			if sessionID, userID, deviceID, err := auth.Authenticate(c.Request.Context(), token); err == nil {
				c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), userID, deviceID, sessionID))
			}
		}
		c.Next()
	}
}

// extractBearer returns the token from an Authorization header value, or "" if missing or malformed.
func extractBearer(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) || !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
