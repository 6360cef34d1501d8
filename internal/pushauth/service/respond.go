package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"push-auth-control-plane/backend/internal/audit"
	"push-auth-control-plane/backend/internal/pushauth/domain"
	"push-auth-control-plane/backend/internal/security"
	"push-auth-control-plane/backend/internal/telemetry"
)

// RespondRequest is a device's answer to a challenge it received.
type RespondRequest struct {
	Challenge      string
	Approved       bool
	SubscriptionID string
}

// RespondResult reports what the response did. Success is true only for the response that resolved
// the challenge.
type RespondResult struct {
	Success  bool
	Code     Code
	Message  string
	Approved bool
}

var respondMessages = map[Code]string{
	CodeResolved:           "response recorded",
	CodeChallengeExpired:   "challenge expired",
	CodeAlreadyResolved:    "challenge already resolved",
	CodeUnauthorizedDevice: "device not authorized for this challenge",
	CodeInvalidChallenge:   "invalid challenge",
}

func respondResult(c Code, approved bool) *RespondResult {
	return &RespondResult{Success: c == CodeResolved, Code: c, Message: respondMessages[c], Approved: approved}
}

// Respond applies a device response. The first valid response wins; every later one, and any response
// from a subscription that was not notified, is rejected without changing the challenge.
func (e *Engine) Respond(ctx context.Context, req RespondRequest) (*RespondResult, error) {
	ctx, span := e.tracer.Start(ctx, "pushauth.Respond")
	defer span.End()

	if !security.ValidChallengeTokenFormat(req.Challenge) {
		e.metrics.countResponse(ctx, CodeInvalidChallenge)
		return respondResult(CodeInvalidChallenge, false), nil
	}
	c, err := e.challenges.GetByTokenHash(ctx, security.HashToken(req.Challenge))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	if c == nil {
		e.metrics.countResponse(ctx, CodeInvalidChallenge)
		return respondResult(CodeInvalidChallenge, false), nil
	}
	span.SetAttributes(attribute.String("pushauth.request_id", c.ID), attribute.Bool("pushauth.approved", req.Approved))

	outcome, err := e.challenges.TryResolve(ctx, c.ID, req.SubscriptionID, req.Approved, e.now())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resolve challenge: %w", err)
	}

	var code Code
	switch outcome {
	case domain.Resolved:
		code = CodeResolved
	case domain.AlreadyResolved:
		code = CodeAlreadyResolved
	case domain.ResolveExpired:
		code = CodeChallengeExpired
	case domain.UnauthorizedDevice:
		code = CodeUnauthorizedDevice
	default:
		code = CodeInvalidChallenge
	}
	e.metrics.countResponse(ctx, code)
	span.SetAttributes(attribute.String("pushauth.code", string(code)))

	switch code {
	case CodeResolved:
		action := audit.ActionDeny
		if req.Approved {
			action = audit.ActionApprove
		}
		meta := fmt.Sprintf(`{"requestId":%q,"subscriptionId":%q}`, c.ID, req.SubscriptionID)
		e.logAudit(ctx, c.UserID, action, audit.ResourcePushAuth, meta)
		e.emit(telemetry.NewEvent(telemetry.EventChallengeResolved, c.UserID, c.ID, map[string]any{
			"approved":       req.Approved,
			"subscriptionId": req.SubscriptionID,
		}))
		e.log.Info("push auth resolved",
			zap.String("user_id", c.UserID),
			zap.String("request_id", c.ID),
			zap.Bool("approved", req.Approved))
		return respondResult(code, req.Approved), nil
	case CodeUnauthorizedDevice:
		e.log.Warn("push auth response from unauthorized device",
			zap.String("user_id", c.UserID),
			zap.String("request_id", c.ID),
			zap.String("subscription_id", req.SubscriptionID))
		meta := fmt.Sprintf(`{"requestId":%q,"subscriptionId":%q}`, c.ID, req.SubscriptionID)
		e.logAudit(ctx, c.UserID, audit.ActionTrustViolation, audit.ResourcePushAuth, meta)
	default:
		e.log.Debug("push auth response rejected", zap.String("request_id", c.ID), zap.String("code", string(code)))
	}
	return respondResult(code, false), nil
}
