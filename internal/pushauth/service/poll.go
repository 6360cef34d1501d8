package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"push-auth-control-plane/backend/internal/audit"
	"push-auth-control-plane/backend/internal/pushauth/domain"
	sessionrepo "push-auth-control-plane/backend/internal/session/repository"
	sessionservice "push-auth-control-plane/backend/internal/session/service"
	"push-auth-control-plane/backend/internal/telemetry"
)

// PollResult is the browser's view of a challenge. State is empty when the request id is unknown.
type PollResult struct {
	Code             Code
	RequestID        string
	State            domain.State
	Purpose          domain.Purpose
	Approved         *bool
	ExpiresAt        time.Time
	HandoffToken     string
	HandoffExpiresAt time.Time
}

// Poll reports the effective state of requestID without changing it. An APPROVED challenge still
// inside its redeem window carries a fresh handoff token the browser presents to Exchange.
func (e *Engine) Poll(ctx context.Context, requestID string) (*PollResult, error) {
	c, err := e.challenges.GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	if c == nil {
		return &PollResult{Code: CodeInvalidChallenge, RequestID: requestID}, nil
	}
	res := &PollResult{
		Code:      CodeOK,
		RequestID: c.ID,
		State:     c.EffectiveState(e.now()),
		Purpose:   c.Purpose,
		ExpiresAt: c.ExpiresAt,
	}
	if c.Resolution != nil {
		approved := c.Resolution.Approved
		res.Approved = &approved
	}
	if res.State == domain.StateApproved && c.Redeemable(e.now(), e.cfg.RedeemWindow) {
		token, exp, err := e.handoff.IssueHandoff(c.ID, c.UserID)
		if err != nil {
			return nil, fmt.Errorf("issue handoff token: %w", err)
		}
		res.HandoffToken = token
		res.HandoffExpiresAt = exp
	}
	return res, nil
}

// ExchangeRequest trades an approved challenge for a session.
type ExchangeRequest struct {
	RequestID    string
	HandoffToken string
	IPAddress    string
}

// ExchangeResult carries the session tokens when Success is true.
type ExchangeResult struct {
	Success bool
	Code    Code
	Tokens  *sessionservice.Tokens
}

// Exchange consumes an APPROVED challenge and issues a session for its user. Only one exchange per
// challenge can succeed. The challenge is consumed before the session is issued, so a session
// infrastructure failure leaves it consumed and the user must start over.
func (e *Engine) Exchange(ctx context.Context, req ExchangeRequest) (res *ExchangeResult, err error) {
	ctx, span := e.tracer.Start(ctx, "pushauth.Exchange")
	defer func() {
		if err != nil {
			span.RecordError(err)
		} else {
			e.metrics.countExchange(ctx, res.Code)
		}
		span.End()
	}()

	reqID, userID, verr := e.handoff.ValidateHandoff(req.HandoffToken)
	if verr != nil || reqID != req.RequestID {
		return &ExchangeResult{Code: CodeInvalidHandoff}, nil
	}
	c, err := e.challenges.GetByID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	if c == nil || c.UserID != userID {
		return &ExchangeResult{Code: CodeInvalidHandoff}, nil
	}
	switch c.EffectiveState(e.now()) {
	case domain.StateConsumed:
		return &ExchangeResult{Code: CodeAlreadyConsumed}, nil
	case domain.StateApproved:
	default:
		return &ExchangeResult{Code: CodeNotApproved}, nil
	}
	if !c.Redeemable(e.now(), e.cfg.RedeemWindow) {
		return &ExchangeResult{Code: CodeHandoffExpired}, nil
	}

	ok, err := e.challenges.MarkConsumed(ctx, c.ID, e.now())
	if err != nil {
		return nil, fmt.Errorf("consume challenge: %w", err)
	}
	if !ok {
		return &ExchangeResult{Code: CodeAlreadyConsumed}, nil
	}

	var deviceID string
	if e.subs != nil && c.Resolution != nil {
		deviceID, err = e.subs.DeviceID(ctx, c.Resolution.SubscriptionID)
		if err != nil {
			e.log.Warn("resolve approving device failed", zap.String("request_id", c.ID), zap.Error(err))
			deviceID = ""
		}
	}
	tokens, err := e.sessions.IssueSession(ctx, sessionservice.IssueRequest{
		UserID:        c.UserID,
		DeviceID:      deviceID,
		PushRequestID: c.ID,
		IPAddress:     req.IPAddress,
	})
	if errors.Is(err, sessionrepo.ErrDuplicatePushRequest) {
		return &ExchangeResult{Code: CodeAlreadyConsumed}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}

	e.logAudit(ctx, c.UserID, audit.ActionExchange, audit.ResourcePushAuth,
		fmt.Sprintf(`{"requestId":%q,"sessionId":%q}`, c.ID, tokens.SessionID))
	e.emit(telemetry.NewEvent(telemetry.EventChallengeExchanged, c.UserID, c.ID, map[string]string{
		"sessionId": tokens.SessionID,
		"deviceId":  deviceID,
	}))
	e.log.Info("push auth exchanged for session",
		zap.String("user_id", c.UserID),
		zap.String("request_id", c.ID),
		zap.String("session_id", tokens.SessionID))
	return &ExchangeResult{Success: true, Code: CodeOK, Tokens: tokens}, nil
}

// Acknowledge records that the browser saw a denial, moving DENIED to CONSUMED.
func (e *Engine) Acknowledge(ctx context.Context, requestID string) (Code, error) {
	c, err := e.challenges.GetByID(ctx, requestID)
	if err != nil {
		return "", fmt.Errorf("get challenge: %w", err)
	}
	if c == nil {
		return CodeInvalidChallenge, nil
	}
	switch c.EffectiveState(e.now()) {
	case domain.StateConsumed:
		return CodeAlreadyConsumed, nil
	case domain.StateDenied:
	default:
		return CodeInvalidState, nil
	}
	ok, err := e.challenges.MarkConsumed(ctx, c.ID, e.now())
	if err != nil {
		return "", fmt.Errorf("consume challenge: %w", err)
	}
	if !ok {
		return CodeAlreadyConsumed, nil
	}
	return CodeOK, nil
}

// Cancel lets the user who initiated requestID withdraw it while it is still pending.
// A challenge owned by someone else reads as unknown.
func (e *Engine) Cancel(ctx context.Context, userID, requestID string) (Code, error) {
	c, err := e.challenges.GetByID(ctx, requestID)
	if err != nil {
		return "", fmt.Errorf("get challenge: %w", err)
	}
	if c == nil || c.UserID != userID {
		return CodeInvalidChallenge, nil
	}
	if c.EffectiveState(e.now()) != domain.StatePending {
		return CodeInvalidState, nil
	}
	ok, err := e.challenges.Expire(ctx, c.ID)
	if err != nil {
		return "", fmt.Errorf("expire challenge: %w", err)
	}
	if !ok {
		return CodeInvalidState, nil
	}
	e.logAudit(ctx, userID, audit.ActionCancel, audit.ResourcePushAuth, fmt.Sprintf(`{"requestId":%q}`, c.ID))
	e.emit(telemetry.NewEvent(telemetry.EventChallengeCancelled, userID, c.ID, nil))
	return CodeOK, nil
}

// Available reports whether userID has at least one device that would receive a challenge.
func (e *Engine) Available(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	devices, err := e.devices.FindNotifiableDevices(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("find notifiable devices: %w", err)
	}
	return len(devices) > 0, nil
}
