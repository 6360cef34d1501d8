// Package server assembles the HTTP router and the gRPC server.
package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"push-auth-control-plane/backend/internal/audit"
	audithandler "push-auth-control-plane/backend/internal/audit/handler"
	devicehandler "push-auth-control-plane/backend/internal/device/handler"
	healthhandler "push-auth-control-plane/backend/internal/health/handler"
	pushauthhandler "push-auth-control-plane/backend/internal/pushauth/handler"
	"push-auth-control-plane/backend/internal/server/middleware"
	sessionhandler "push-auth-control-plane/backend/internal/session/handler"
	"push-auth-control-plane/backend/internal/telemetry"
)

// RouterDeps holds the HTTP handlers and the cross-cutting collaborators of the router.
// PushAuth, Auth and Health are required; the other handlers are mounted when non-nil.
type RouterDeps struct {
	ServiceName string
	Log         *zap.Logger
	Auth        middleware.Authenticator
	AuditLogger audit.AuditLogger
	Telemetry   telemetry.EventEmitter
	Health      *healthhandler.Server
	PushAuth    *pushauthhandler.Handler
	Sessions    *sessionhandler.Handler
	Devices     *devicehandler.Handler
	Audit       *audithandler.Handler
}

// Routes not written to the audit log: the audit endpoint itself and the high-frequency status poll.
var auditSkipRoutes = map[string]bool{
	"/v1/audit":                       true,
	"/v1/auth/push/status/:requestId": true,
}

// Routes not sent to the telemetry pipeline.
var telemetrySkipRoutes = map[string]bool{
	"/healthz":                        true,
	"/readyz":                         true,
	"/v1/auth/push/status/:requestId": true,
}

// NewRouter returns the gin engine serving the public API and the probes.
//
// Route → handler mapping:
//   - /v1/auth/push/*      → internal/pushauth/handler
//   - /v1/auth/session/*   → internal/session/handler (refresh, logout)
//   - /v1/sessions         → internal/session/handler (own sessions)
//   - /v1/devices          → internal/device/handler
//   - /v1/audit            → internal/audit/handler
//   - /healthz, /readyz    → internal/health/handler
func NewRouter(d RouterDeps) *gin.Engine {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.Use(
		gin.CustomRecovery(func(c *gin.Context, err any) {
			log.Error("panic in http handler", zap.Any("panic", err), zap.String("route", c.FullPath()))
			c.AbortWithStatusJSON(500, gin.H{"error": "internal error"})
		}),
		otelgin.Middleware(d.ServiceName),
		middleware.ClientAddress(),
		middleware.RequestLogger(log.Named("http")),
		middleware.Telemetry(d.Telemetry, log, telemetrySkipRoutes),
		middleware.Audit(d.AuditLogger, auditSkipRoutes),
	)

	r.GET("/healthz", d.Health.Liveness)
	r.GET("/readyz", d.Health.Readiness)

	requireAuth := middleware.RequireAuth(d.Auth)
	d.PushAuth.Register(r.Group("/v1/auth/push"), requireAuth)
	if d.Sessions != nil {
		d.Sessions.Register(r.Group("/v1/auth/session", middleware.OptionalAuth(d.Auth)), r.Group("/v1/sessions", requireAuth))
	}
	if d.Devices != nil {
		d.Devices.Register(r.Group("/v1/devices", requireAuth))
	}
	if d.Audit != nil {
		d.Audit.Register(r.Group("/v1/audit", requireAuth))
	}
	return r
}
