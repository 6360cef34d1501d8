package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"push-auth-control-plane/backend/internal/audit"
)

// ClientAddress resolves the caller's IP once (gin honours X-Forwarded-For / X-Real-IP for trusted
// proxies) and stores it in the request context for audit and the engine.
func ClientAddress() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

// Audit records an audit entry after each authenticated request. skipRoutes holds gin route templates
// (FullPath) not to audit. Entries are best-effort; failures never change the response.
func Audit(logger audit.AuditLogger, skipRoutes map[string]bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if logger == nil || skipRoutes[c.FullPath()] {
			return
		}
		userID, _ := GetUserID(c.Request.Context())
		if userID == "" {
			return
		}
		ar := audit.ParseRoute(c.Request.Method, c.FullPath())
		logger.LogEvent(c.Request.Context(), userID, ar.Action, ar.Resource, fmt.Sprintf(`{"status":%d}`, c.Writer.Status()))
	}
}
