// Package handler serves session lifecycle endpoints: refresh, logout, and the caller's own sessions.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"push-auth-control-plane/backend/internal/audit"
	"push-auth-control-plane/backend/internal/server/middleware"
	"push-auth-control-plane/backend/internal/session/domain"
	sessionrepo "push-auth-control-plane/backend/internal/session/repository"
	sessionservice "push-auth-control-plane/backend/internal/session/service"
	"push-auth-control-plane/backend/internal/telemetry"
)

// Tokens refreshes and revokes sessions. *session/service.Issuer implements it.
type Tokens interface {
	Refresh(ctx context.Context, refreshToken string) (*sessionservice.Tokens, error)
	Logout(ctx context.Context, refreshToken, sessionID string) error
}

// Handler serves /v1/auth/session and /v1/sessions.
type Handler struct {
	tokens      Tokens
	sessionRepo sessionrepo.Repository
	auditLogger audit.AuditLogger
	events      telemetry.EventEmitter
	log         *zap.Logger
}

// NewHandler returns a session Handler. auditLogger and events may be nil.
func NewHandler(tokens Tokens, sessionRepo sessionrepo.Repository, auditLogger audit.AuditLogger, events telemetry.EventEmitter, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{tokens: tokens, sessionRepo: sessionRepo, auditLogger: auditLogger, events: events, log: log.Named("session.http")}
}

// Register mounts refresh and logout on auth and the session listing on authed (already guarded).
func (h *Handler) Register(auth *gin.RouterGroup, authed *gin.RouterGroup) {
	auth.POST("/refresh", h.Refresh)
	auth.POST("/logout", h.Logout)
	authed.GET("", h.ListSessions)
	authed.DELETE("/:id", h.RevokeSession)
}

type refreshBody struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// Refresh rotates the refresh token and issues a new access token.
func (h *Handler) Refresh(c *gin.Context) {
	var body refreshBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refreshToken required"})
		return
	}
	tokens, err := h.tokens.Refresh(c.Request.Context(), body.RefreshToken)
	switch {
	case errors.Is(err, sessionservice.ErrRefreshTokenReuse):
		h.log.Warn("refresh token reuse detected; sessions revoked")
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	case errors.Is(err, sessionservice.ErrInvalidRefreshToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.log.Error("refresh failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{
		"accessToken":  tokens.AccessToken,
		"refreshToken": tokens.RefreshToken,
		"expiresAt":    tokens.ExpiresAt,
		"sessionId":    tokens.SessionID,
		"userId":       tokens.UserID,
	})
}

type logoutBody struct {
	RefreshToken string `json:"refreshToken"`
}

// Logout revokes the session named by the refresh token, or the bearer's session when the body is empty.
// It always succeeds for unknown tokens.
func (h *Handler) Logout(c *gin.Context) {
	var body logoutBody
	_ = c.ShouldBindJSON(&body)
	sessionID, _ := middleware.GetSessionID(c.Request.Context())
	if err := h.tokens.Logout(c.Request.Context(), body.RefreshToken, sessionID); err != nil {
		h.log.Error("logout failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}

type sessionView struct {
	ID            string     `json:"id"`
	DeviceID      string     `json:"deviceId,omitempty"`
	PushRequestID string     `json:"pushRequestId,omitempty"`
	IPAddress     string     `json:"ipAddress,omitempty"`
	Current       bool       `json:"current"`
	Active        bool       `json:"active"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
	LastSeenAt    *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func toView(s *domain.Session, currentID string, now time.Time) sessionView {
	return sessionView{
		ID:            s.ID,
		DeviceID:      s.DeviceID,
		PushRequestID: s.PushRequestID,
		IPAddress:     s.IPAddress,
		Current:       s.ID == currentID,
		Active:        s.Active(now),
		ExpiresAt:     s.ExpiresAt,
		RevokedAt:     s.RevokedAt,
		LastSeenAt:    s.LastSeenAt,
		CreatedAt:     s.CreatedAt,
	}
}

// ListSessions returns the caller's sessions, newest first.
func (h *Handler) ListSessions(c *gin.Context) {
	ctx := c.Request.Context()
	userID, _ := middleware.GetUserID(ctx)
	currentID, _ := middleware.GetSessionID(ctx)
	list, err := h.sessionRepo.ListByUser(ctx, userID)
	if err != nil {
		h.log.Error("list sessions failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	now := time.Now().UTC()
	out := make([]sessionView, len(list))
	for i := range list {
		out[i] = toView(list[i], currentID, now)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// RevokeSession revokes one of the caller's sessions. Sessions of other users read as not found.
func (h *Handler) RevokeSession(c *gin.Context) {
	ctx := c.Request.Context()
	userID, _ := middleware.GetUserID(ctx)
	sessionID := c.Param("id")
	ses, err := h.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		h.log.Error("get session failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get session"})
		return
	}
	if ses == nil || ses.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err := h.sessionRepo.Revoke(ctx, sessionID); err != nil {
		h.log.Error("revoke session failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke session"})
		return
	}
	if h.auditLogger != nil {
		h.auditLogger.LogEvent(ctx, userID, "revoke", "session", `{"sessionId":"`+sessionID+`"}`)
	}
	telemetry.EmitAsync(h.events, h.log, &telemetry.Event{
		UserID:    userID,
		SessionID: sessionID,
		EventType: telemetry.EventSessionRevoked,
		Source:    telemetry.SourceServer,
		CreatedAt: time.Now().UTC(),
	})
	c.Status(http.StatusNoContent)
}
