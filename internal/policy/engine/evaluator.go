package engine

import (
	"context"
	"time"

	devicedomain "push-auth-control-plane/backend/internal/device/domain"
	subscriptiondomain "push-auth-control-plane/backend/internal/subscription/domain"
)

// PushInput is what the push-eligibility policy sees for one candidate subscription.
type PushInput struct {
	UserID       string
	Device       *devicedomain.Device
	Subscription *subscriptiondomain.Subscription
	MaxFailures  int
	Now          time.Time
}

// PushDecision holds the result of push-eligibility evaluation.
// Reasons lists every deny rule that matched; it is empty when Allowed is true.
type PushDecision struct {
	Allowed bool
	Reasons []string
}

// Evaluator decides whether a subscription may receive a push-auth challenge.
type Evaluator interface {
	EvaluatePush(ctx context.Context, in PushInput) (PushDecision, error)
}
