// Package handler lets a user read their own audit trail.
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"push-auth-control-plane/backend/internal/audit/domain"
	"push-auth-control-plane/backend/internal/audit/repository"
	"push-auth-control-plane/backend/internal/server/middleware"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// Handler serves GET /v1/audit.
type Handler struct {
	repo repository.Repository
	log  *zap.Logger
}

// NewHandler returns an audit Handler.
func NewHandler(repo repository.Repository, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{repo: repo, log: log.Named("audit.http")}
}

// Register mounts the routes on rg (already guarded by RequireAuth).
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("", h.ListAuditLogs)
}

type entryView struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	IP        string    `json:"ip"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func toView(a *domain.AuditLog) entryView {
	return entryView{ID: a.ID, Action: a.Action, Resource: a.Resource, IP: a.IP, Metadata: a.Metadata, CreatedAt: a.CreatedAt}
}

// ListAuditLogs returns a page of the caller's entries, newest first. pageToken is the offset returned
// as nextPageToken by the previous page.
func (h *Handler) ListAuditLogs(c *gin.Context) {
	userID, _ := middleware.GetUserID(c.Request.Context())

	pageSize := int32(defaultPageSize)
	if n, err := strconv.ParseInt(c.Query("pageSize"), 10, 32); err == nil && n > 0 {
		pageSize = int32(n)
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	offset := int32(0)
	if tok := c.Query("pageToken"); tok != "" {
		if n, err := strconv.ParseInt(tok, 10, 32); err == nil && n >= 0 {
			offset = int32(n)
		}
	}

	list, err := h.repo.ListByUser(c.Request.Context(), userID, pageSize, offset)
	if err != nil {
		h.log.Error("list audit logs failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list audit logs"})
		return
	}
	out := make([]entryView, len(list))
	for i := range list {
		out[i] = toView(list[i])
	}
	nextToken := ""
	if len(list) == int(pageSize) {
		nextToken = strconv.FormatInt(int64(offset+pageSize), 10)
	}
	c.JSON(http.StatusOK, gin.H{"entries": out, "nextPageToken": nextToken})
}
