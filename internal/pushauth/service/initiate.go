package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"push-auth-control-plane/backend/internal/audit"
	"push-auth-control-plane/backend/internal/devicetrust"
	"push-auth-control-plane/backend/internal/notify"
	"push-auth-control-plane/backend/internal/pushauth/domain"
	"push-auth-control-plane/backend/internal/pushauth/repository"
	"push-auth-control-plane/backend/internal/security"
	"push-auth-control-plane/backend/internal/telemetry"
)

// InitiateRequest starts a push-auth attempt for UserID. Purpose defaults to sign-in.
type InitiateRequest struct {
	UserID    string
	Purpose   string
	IPAddress string
	UserAgent string
	Location  string
}

// InitiateResult reports the created challenge. On a business failure Success is false, Error is a
// human-readable reason and RequestID is empty.
type InitiateResult struct {
	Success         bool
	Code            Code
	Error           string
	RequestID       string
	ExpiresAt       time.Time
	DevicesNotified int
}

func defaultToken() (string, error) { return security.GenerateChallengeToken() }
func defaultID() string             { return uuid.New().String() }

// Initiate creates a PENDING challenge and pushes it to every notifiable device of the user.
// The challenge is stored before dispatch; when no delivery succeeds it is expired immediately so no
// unreachable challenge stays pending.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (res *InitiateResult, err error) {
	ctx, span := e.tracer.Start(ctx, "pushauth.Initiate")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("pushauth.code", string(res.Code)))
			e.metrics.countInitiate(ctx, res.Code)
		}
		span.End()
	}()

	purpose, ok := domain.ParsePurpose(req.Purpose)
	if req.UserID == "" || !ok {
		return &InitiateResult{Code: CodeInvalidRequest, Error: "invalid request"}, nil
	}
	span.SetAttributes(attribute.String("pushauth.user_id", req.UserID), attribute.String("pushauth.purpose", string(purpose)))

	devices, err := e.devices.FindNotifiableDevices(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("find notifiable devices: %w", err)
	}
	if len(devices) == 0 {
		e.log.Info("push auth not initiated: no trusted devices", zap.String("user_id", req.UserID))
		return &InitiateResult{Code: CodeNoTrustedDevices, Error: errNoTrustedDevices}, nil
	}

	now := e.now()
	if err := e.supersede(ctx, req.UserID, now); err != nil {
		return nil, err
	}

	c, token, err := e.create(ctx, req, purpose, devices, now)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("pushauth.request_id", c.ID), attribute.Int("pushauth.devices", len(devices)))

	delivered := e.dispatch(ctx, c, token, devices)
	if delivered == 0 {
		if _, err := e.challenges.Expire(ctx, c.ID); err != nil {
			e.log.Error("failed to expire undeliverable challenge", zap.String("request_id", c.ID), zap.Error(err))
		}
		e.log.Warn("push auth not initiated: no device reachable",
			zap.String("user_id", req.UserID), zap.String("request_id", c.ID), zap.Int("devices", len(devices)))
		return &InitiateResult{Code: CodeNoDevicesReachable, Error: errNoDevicesReachable}, nil
	}

	e.log.Info("push auth initiated",
		zap.String("user_id", req.UserID),
		zap.String("request_id", c.ID),
		zap.String("challenge", security.MaskToken(token)),
		zap.Int("devices_notified", delivered))
	e.logAudit(ctx, req.UserID, audit.ActionInitiate, audit.ResourcePushAuth,
		fmt.Sprintf(`{"requestId":%q,"purpose":%q,"devicesNotified":%d}`, c.ID, purpose, delivered))
	e.emit(telemetry.NewEvent(telemetry.EventChallengeCreated, req.UserID, c.ID, map[string]any{
		"purpose":         purpose,
		"devicesTargeted": len(devices),
		"devicesNotified": delivered,
	}))
	return &InitiateResult{
		Success:         true,
		Code:            CodeOK,
		RequestID:       c.ID,
		ExpiresAt:       c.ExpiresAt,
		DevicesNotified: delivered,
	}, nil
}

// supersede expires the user's oldest pending challenges so at most MaxPending remain after the new one.
func (e *Engine) supersede(ctx context.Context, userID string, now time.Time) error {
	pending, err := e.challenges.ListPendingByUser(ctx, userID, now)
	if err != nil {
		return fmt.Errorf("list pending challenges: %w", err)
	}
	excess := len(pending) - e.cfg.MaxPending + 1
	for i := 0; i < excess && i < len(pending); i++ {
		ok, err := e.challenges.Expire(ctx, pending[i].ID)
		if err != nil {
			return fmt.Errorf("supersede challenge: %w", err)
		}
		if ok {
			e.log.Info("superseded pending push auth", zap.String("user_id", userID), zap.String("request_id", pending[i].ID))
			e.emit(telemetry.NewEvent(telemetry.EventChallengeExpired, userID, pending[i].ID, map[string]string{"reason": "superseded"}))
		}
	}
	return nil
}

func (e *Engine) create(ctx context.Context, req InitiateRequest, purpose domain.Purpose, devices []devicetrust.NotifiableDevice, now time.Time) (*domain.Challenge, string, error) {
	notified := make([]string, len(devices))
	for i, d := range devices {
		notified[i] = d.SubscriptionID
	}
	for attempt := 1; ; attempt++ {
		token, err := e.newToken()
		if err != nil {
			return nil, "", fmt.Errorf("generate challenge token: %w", err)
		}
		c := &domain.Challenge{
			ID:                      e.newID(),
			UserID:                  req.UserID,
			TokenHash:               security.HashToken(token),
			Purpose:                 purpose,
			State:                   domain.StatePending,
			NotifiedSubscriptionIDs: notified,
			IPAddress:               req.IPAddress,
			UserAgent:               req.UserAgent,
			Location:                req.Location,
			CreatedAt:               now,
			ExpiresAt:               now.Add(e.cfg.TTL),
		}
		err = e.challenges.Create(ctx, c)
		if err == nil {
			return c, token, nil
		}
		if !errors.Is(err, repository.ErrDuplicateChallenge) || attempt >= createAttempts {
			return nil, "", fmt.Errorf("create challenge: %w", err)
		}
		e.log.Warn("challenge id collision, retrying", zap.Int("attempt", attempt))
	}
}

// dispatch sends the challenge to every device and returns the number of accepted deliveries.
// Sends outlive the caller's cancellation: once the challenge exists its notifications go out.
func (e *Engine) dispatch(ctx context.Context, c *domain.Challenge, token string, devices []devicetrust.NotifiableDevice) int {
	targets := make([]notify.Target, len(devices))
	for i, d := range devices {
		targets[i] = notify.Target{SubscriptionID: d.SubscriptionID, Endpoint: d.Endpoint, P256dh: d.P256dh, Auth: d.Auth}
	}
	msg := notify.Message{
		Challenge: token,
		Purpose:   string(c.Purpose),
		IPAddress: c.IPAddress,
		Location:  c.Location,
		UserAgent: c.UserAgent,
		ExpiresAt: c.ExpiresAt,
	}
	sendCtx := context.WithoutCancel(ctx)
	start := time.Now()
	results := e.sender.Send(sendCtx, targets, msg)
	e.metrics.fanout.Record(ctx, time.Since(start).Seconds())

	for _, r := range results {
		e.metrics.countDelivery(ctx, string(r.Status))
		e.recordDelivery(sendCtx, c, r)
	}
	return notify.CountDelivered(results)
}

// recordDelivery keeps subscription health current: an accepted delivery resets the failure count and a
// subscription the push service no longer knows counts towards disabling it. Transient failures are
// not counted.
func (e *Engine) recordDelivery(ctx context.Context, c *domain.Challenge, r notify.DeliveryResult) {
	if e.subs == nil {
		return
	}
	switch r.Status {
	case notify.StatusDelivered:
		if err := e.subs.RecordSuccess(ctx, r.SubscriptionID); err != nil {
			e.log.Warn("record delivery success failed", zap.String("subscription_id", r.SubscriptionID), zap.Error(err))
		}
	case notify.StatusGone:
		if err := e.subs.RecordFailure(ctx, r.SubscriptionID); err != nil {
			e.log.Warn("record delivery failure failed", zap.String("subscription_id", r.SubscriptionID), zap.Error(err))
		}
		e.emit(telemetry.NewEvent(telemetry.EventDeliveryFailed, c.UserID, c.ID, map[string]string{
			"subscriptionId": r.SubscriptionID,
			"status":         string(r.Status),
		}))
	}
}
