package middleware

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"push-auth-control-plane/backend/internal/telemetry"
)

// EventHTTPRequest is the event type of per-request telemetry.
const EventHTTPRequest = "http_request"

type httpRequestMetadata struct {
	Method     string `json:"method"`
	Route      string `json:"route"`
	Status     int    `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	ClientIP   string `json:"client_ip"`
}

// Telemetry emits an http_request event after each request. If emitter is nil the middleware no-ops.
// skipRoutes holds route templates not to emit (health probes, status polling).
func Telemetry(emitter telemetry.EventEmitter, log *zap.Logger, skipRoutes map[string]bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if emitter == nil || skipRoutes[c.FullPath()] {
			return
		}
		ctx := c.Request.Context()
		meta, _ := json.Marshal(httpRequestMetadata{
			Method:     c.Request.Method,
			Route:      c.FullPath(),
			Status:     c.Writer.Status(),
			DurationMs: time.Since(start).Milliseconds(),
			ClientIP:   ClientIP(ctx),
		})
		userID, _ := GetUserID(ctx)
		deviceID, _ := GetDeviceID(ctx)
		sessionID, _ := GetSessionID(ctx)
		telemetry.EmitAsync(emitter, log, &telemetry.Event{
			UserID:    userID,
			DeviceID:  deviceID,
			SessionID: sessionID,
			EventType: EventHTTPRequest,
			Source:    "http_middleware",
			Metadata:  meta,
			CreatedAt: time.Now().UTC(),
		})
	}
}
