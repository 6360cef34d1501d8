// Package handler exposes the push-auth engine and subscription management over HTTP (gin).
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"push-auth-control-plane/backend/internal/devpush"
	"push-auth-control-plane/backend/internal/pushauth/service"
	"push-auth-control-plane/backend/internal/server/middleware"
	subscriptiondomain "push-auth-control-plane/backend/internal/subscription/domain"
	subscriptionservice "push-auth-control-plane/backend/internal/subscription/service"
	"push-auth-control-plane/backend/internal/telemetry"
)

// Engine is the push-auth protocol. *service.Engine implements it.
type Engine interface {
	Initiate(ctx context.Context, req service.InitiateRequest) (*service.InitiateResult, error)
	Respond(ctx context.Context, req service.RespondRequest) (*service.RespondResult, error)
	Poll(ctx context.Context, requestID string) (*service.PollResult, error)
	Exchange(ctx context.Context, req service.ExchangeRequest) (*service.ExchangeResult, error)
	Acknowledge(ctx context.Context, requestID string) (service.Code, error)
	Cancel(ctx context.Context, userID, requestID string) (service.Code, error)
	Available(ctx context.Context, userID string) (bool, error)
}

// Subscriptions manages a user's push subscriptions. *subscription/service.Service implements it.
type Subscriptions interface {
	Register(ctx context.Context, in subscriptionservice.RegisterInput) (*subscriptiondomain.Subscription, error)
	List(ctx context.Context, userID string) ([]*subscriptiondomain.Subscription, error)
	Remove(ctx context.Context, userID, id string) error
	Toggle(ctx context.Context, userID, id string, enabled bool) (*subscriptiondomain.Subscription, error)
}

// Handler serves /v1/auth/push.
type Handler struct {
	engine         Engine
	subs           Subscriptions
	outbox         devpush.Store
	vapidPublicKey string
	events         telemetry.EventEmitter
	log            *zap.Logger
}

// Options configure optional handler features.
type Options struct {
	// Outbox enables GET /dev/push/outbox/:subscriptionId when non-nil.
	Outbox         devpush.Store
	VAPIDPublicKey string
	Telemetry      telemetry.EventEmitter
}

// NewHandler returns a Handler.
func NewHandler(engine Engine, subs Subscriptions, opts Options, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		engine:         engine,
		subs:           subs,
		outbox:         opts.Outbox,
		vapidPublicKey: opts.VAPIDPublicKey,
		events:         opts.Telemetry,
		log:            log.Named("pushauth.http"),
	}
}

// Register mounts the routes on rg. requireAuth guards the routes that act on the caller's own data.
func (h *Handler) Register(rg *gin.RouterGroup, requireAuth gin.HandlerFunc) {
	rg.POST("/initiate", h.Initiate)
	rg.POST("/respond", h.Respond)
	rg.GET("/status/:requestId", h.Status)
	rg.POST("/exchange", h.Exchange)
	rg.POST("/:requestId/ack", h.Acknowledge)
	rg.GET("/available/:userId", h.Available)
	rg.GET("/vapid-key", h.VAPIDKey)
	rg.DELETE("/:requestId", requireAuth, h.Cancel)

	subs := rg.Group("/subscriptions", requireAuth)
	subs.POST("", h.RegisterSubscription)
	subs.GET("", h.ListSubscriptions)
	subs.DELETE("/:id", h.RemoveSubscription)
	subs.PUT("/:id/push-auth", h.ToggleSubscription)

	if h.outbox != nil {
		rg.GET("/dev/push/outbox/:subscriptionId", h.DevOutbox)
	}
}

type initiateBody struct {
	UserID  string `json:"userId" binding:"required"`
	Purpose string `json:"purpose"`
}

// Initiate handles POST /initiate.
func (h *Handler) Initiate(c *gin.Context) {
	var body initiateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "userId is required"})
		return
	}
	res, err := h.engine.Initiate(c.Request.Context(), service.InitiateRequest{
		UserID:    body.UserID,
		Purpose:   body.Purpose,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		h.internalError(c, "initiate push auth", err)
		return
	}
	if res.Code == service.CodeInvalidRequest {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "code": res.Code, "error": res.Error})
		return
	}
	if !res.Success {
		c.JSON(http.StatusOK, gin.H{"success": false, "code": res.Code, "error": res.Error, "requestId": nil, "devicesNotified": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"requestId":       res.RequestID,
		"expiresAt":       res.ExpiresAt,
		"devicesNotified": res.DevicesNotified,
	})
}

type respondBody struct {
	Challenge      string `json:"challenge" binding:"required"`
	Approved       *bool  `json:"approved" binding:"required"`
	SubscriptionID string `json:"subscriptionId" binding:"required"`
}

// Respond handles POST /respond from a device's service worker.
func (h *Handler) Respond(c *gin.Context) {
	var body respondBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "challenge, approved and subscriptionId are required"})
		return
	}
	res, err := h.engine.Respond(c.Request.Context(), service.RespondRequest{
		Challenge:      body.Challenge,
		Approved:       *body.Approved,
		SubscriptionID: body.SubscriptionID,
	})
	if err != nil {
		h.internalError(c, "respond to push auth", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": res.Success, "status": res.Code, "message": res.Message})
}

type statusResponse struct {
	RequestID        string     `json:"requestId"`
	Status           string     `json:"status"`
	Purpose          string     `json:"purpose,omitempty"`
	Approved         *bool      `json:"approved,omitempty"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	HandoffToken     string     `json:"handoffToken,omitempty"`
	HandoffExpiresAt *time.Time `json:"handoffExpiresAt,omitempty"`
}

// Status handles GET /status/:requestId.
func (h *Handler) Status(c *gin.Context) {
	res, err := h.engine.Poll(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		h.internalError(c, "poll push auth", err)
		return
	}
	if res.Code == service.CodeInvalidChallenge {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found", "code": res.Code})
		return
	}
	out := statusResponse{
		RequestID:    res.RequestID,
		Status:       string(res.State),
		Purpose:      string(res.Purpose),
		Approved:     res.Approved,
		ExpiresAt:    res.ExpiresAt,
		HandoffToken: res.HandoffToken,
	}
	if res.HandoffToken != "" {
		exp := res.HandoffExpiresAt
		out.HandoffExpiresAt = &exp
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, out)
}

type exchangeBody struct {
	RequestID    string `json:"requestId" binding:"required"`
	HandoffToken string `json:"handoffToken" binding:"required"`
}

// Exchange handles POST /exchange.
func (h *Handler) Exchange(c *gin.Context) {
	var body exchangeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "requestId and handoffToken are required"})
		return
	}
	res, err := h.engine.Exchange(c.Request.Context(), service.ExchangeRequest{
		RequestID:    body.RequestID,
		HandoffToken: body.HandoffToken,
		IPAddress:    c.ClientIP(),
	})
	if err != nil {
		h.internalError(c, "exchange push auth", err)
		return
	}
	if !res.Success {
		c.JSON(codeStatus(res.Code), gin.H{"error": codeMessage(res.Code), "code": res.Code})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{
		"accessToken":  res.Tokens.AccessToken,
		"refreshToken": res.Tokens.RefreshToken,
		"expiresAt":    res.Tokens.ExpiresAt,
		"sessionId":    res.Tokens.SessionID,
		"userId":       res.Tokens.UserID,
	})
}

// Acknowledge handles POST /:requestId/ack.
func (h *Handler) Acknowledge(c *gin.Context) {
	code, err := h.engine.Acknowledge(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		h.internalError(c, "acknowledge push auth", err)
		return
	}
	h.writeCode(c, code)
}

// Cancel handles DELETE /:requestId.
func (h *Handler) Cancel(c *gin.Context) {
	userID, _ := middleware.GetUserID(c.Request.Context())
	code, err := h.engine.Cancel(c.Request.Context(), userID, c.Param("requestId"))
	if err != nil {
		h.internalError(c, "cancel push auth", err)
		return
	}
	h.writeCode(c, code)
}

// Available handles GET /available/:userId.
func (h *Handler) Available(c *gin.Context) {
	ok, err := h.engine.Available(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.internalError(c, "check push auth availability", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": ok})
}

// VAPIDKey handles GET /vapid-key.
func (h *Handler) VAPIDKey(c *gin.Context) {
	if h.vapidPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push notifications are not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.vapidPublicKey})
}

type subscriptionBody struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	DeviceName  string `json:"deviceName"`
	Fingerprint string `json:"fingerprint"`
}

type subscriptionView struct {
	ID              string     `json:"id"`
	DeviceID        string     `json:"deviceId"`
	DeviceName      string     `json:"deviceName,omitempty"`
	Endpoint        string     `json:"endpoint"`
	PushAuthEnabled bool       `json:"pushAuthEnabled"`
	FailedAttempts  int        `json:"failedAttempts"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func toView(s *subscriptiondomain.Subscription) subscriptionView {
	return subscriptionView{
		ID:              s.ID,
		DeviceID:        s.DeviceID,
		DeviceName:      s.DeviceName,
		Endpoint:        s.Endpoint,
		PushAuthEnabled: s.PushAuthEnabled,
		FailedAttempts:  s.FailedAttempts,
		LastUsedAt:      s.LastUsedAt,
		CreatedAt:       s.CreatedAt,
	}
}

// RegisterSubscription handles POST /subscriptions with a browser PushSubscription.
func (h *Handler) RegisterSubscription(c *gin.Context) {
	var body subscriptionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}
	userID, _ := middleware.GetUserID(c.Request.Context())
	sub, err := h.subs.Register(c.Request.Context(), subscriptionservice.RegisterInput{
		UserID:      userID,
		Endpoint:    body.Endpoint,
		P256dh:      body.Keys.P256dh,
		Auth:        body.Keys.Auth,
		DeviceName:  body.DeviceName,
		Fingerprint: body.Fingerprint,
	})
	if errors.Is(err, subscriptionservice.ErrInvalidSubscription) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.internalError(c, "register subscription", err)
		return
	}
	telemetry.EmitAsync(h.events, h.log, telemetry.NewEvent(telemetry.EventSubscriptionAdded, userID, "", map[string]string{
		"subscriptionId": sub.ID,
		"deviceId":       sub.DeviceID,
	}))
	c.JSON(http.StatusCreated, toView(sub))
}

// ListSubscriptions handles GET /subscriptions.
func (h *Handler) ListSubscriptions(c *gin.Context) {
	userID, _ := middleware.GetUserID(c.Request.Context())
	subs, err := h.subs.List(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, "list subscriptions", err)
		return
	}
	out := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		out = append(out, toView(s))
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": out})
}

// RemoveSubscription handles DELETE /subscriptions/:id.
func (h *Handler) RemoveSubscription(c *gin.Context) {
	userID, _ := middleware.GetUserID(c.Request.Context())
	err := h.subs.Remove(c.Request.Context(), userID, c.Param("id"))
	if errors.Is(err, subscriptionservice.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.internalError(c, "remove subscription", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ToggleSubscription handles PUT /subscriptions/:id/push-auth?enabled=true|false.
func (h *Handler) ToggleSubscription(c *gin.Context) {
	enabled, err := strconv.ParseBool(c.Query("enabled"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled must be true or false"})
		return
	}
	userID, _ := middleware.GetUserID(c.Request.Context())
	sub, err := h.subs.Toggle(c.Request.Context(), userID, c.Param("id"), enabled)
	if errors.Is(err, subscriptionservice.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.internalError(c, "toggle subscription", err)
		return
	}
	c.JSON(http.StatusOK, toView(sub))
}

// DevOutbox handles GET /dev/push/outbox/:subscriptionId. Only mounted when the dev outbox is enabled.
func (h *Handler) DevOutbox(c *gin.Context) {
	payload, ok := h.outbox.Get(c.Request.Context(), c.Param("subscriptionId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending notification"})
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (h *Handler) writeCode(c *gin.Context, code service.Code) {
	if code == service.CodeOK {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	c.JSON(codeStatus(code), gin.H{"success": false, "error": codeMessage(code), "code": code})
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.log.Error(op+" failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func codeStatus(code service.Code) int {
	switch code {
	case service.CodeInvalidChallenge:
		return http.StatusNotFound
	case service.CodeInvalidHandoff:
		return http.StatusUnauthorized
	case service.CodeHandoffExpired:
		return http.StatusGone
	case service.CodeAlreadyConsumed, service.CodeNotApproved, service.CodeInvalidState:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func codeMessage(code service.Code) string {
	switch code {
	case service.CodeInvalidChallenge:
		return "request not found"
	case service.CodeInvalidHandoff:
		return "invalid handoff token"
	case service.CodeAlreadyConsumed:
		return "request already used"
	case service.CodeNotApproved:
		return "request not approved"
	case service.CodeHandoffExpired:
		return "approval is no longer redeemable; sign in again"
	case service.CodeInvalidState:
		return "request is not in a valid state for this operation"
	default:
		return "bad request"
	}
}
