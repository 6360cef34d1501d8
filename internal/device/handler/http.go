// Package handler serves the caller's registered devices.
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"push-auth-control-plane/backend/internal/audit"
	"push-auth-control-plane/backend/internal/device/domain"
	"push-auth-control-plane/backend/internal/device/repository"
	"push-auth-control-plane/backend/internal/server/middleware"
)

// Handler lists and revokes devices. All routes require an authenticated caller.
type Handler struct {
	repo        repository.Repository
	auditLogger audit.AuditLogger
	log         *zap.Logger
}

// NewHandler returns a device Handler.
func NewHandler(repo repository.Repository, auditLogger audit.AuditLogger, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{repo: repo, auditLogger: auditLogger, log: log.Named("device.http")}
}

// Register mounts the routes on rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("", h.ListDevices)
	rg.GET("/:id", h.GetDevice)
	rg.DELETE("/:id", h.RevokeDevice)
}

type deviceView struct {
	ID           string     `json:"id"`
	Name         string     `json:"name,omitempty"`
	Trusted      bool       `json:"trusted"`
	TrustedNow   bool       `json:"effectivelyTrusted"`
	TrustedUntil *time.Time `json:"trustedUntil,omitempty"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func toView(d *domain.Device, now time.Time) deviceView {
	return deviceView{
		ID:           d.ID,
		Name:         d.Name,
		Trusted:      d.Trusted,
		TrustedNow:   d.IsEffectivelyTrusted(now),
		TrustedUntil: d.TrustedUntil,
		RevokedAt:    d.RevokedAt,
		LastSeenAt:   d.LastSeenAt,
		CreatedAt:    d.CreatedAt,
	}
}

// ListDevices returns the caller's devices.
func (h *Handler) ListDevices(c *gin.Context) {
	userID, _ := middleware.GetUserID(c.Request.Context())
	list, err := h.repo.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("list devices failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}
	now := time.Now().UTC()
	out := make([]deviceView, 0, len(list))
	for _, d := range list {
		out = append(out, toView(d, now))
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

// GetDevice returns one of the caller's devices.
func (h *Handler) GetDevice(c *gin.Context) {
	dev, ok := h.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toView(dev, time.Now().UTC()))
}

// RevokeDevice revokes the device (sets revoked_at, clears trusted). Its subscriptions stop receiving
// challenges immediately.
func (h *Handler) RevokeDevice(c *gin.Context) {
	dev, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.repo.Revoke(c.Request.Context(), dev.ID, time.Now().UTC()); err != nil {
		h.log.Error("revoke device failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke device"})
		return
	}
	if h.auditLogger != nil {
		h.auditLogger.LogEvent(c.Request.Context(), dev.UserID, "revoke", "device", `{"deviceId":"`+dev.ID+`"}`)
	}
	c.Status(http.StatusNoContent)
}

// owned loads the :id device and writes 404 unless it belongs to the caller.
func (h *Handler) owned(c *gin.Context) (*domain.Device, bool) {
	userID, _ := middleware.GetUserID(c.Request.Context())
	dev, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.log.Error("get device failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get device"})
		return nil, false
	}
	if dev == nil || dev.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return nil, false
	}
	return dev, true
}
