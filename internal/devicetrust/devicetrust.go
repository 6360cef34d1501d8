// Package devicetrust answers which of a user's push subscriptions may receive a push-auth challenge.
package devicetrust

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	devicedomain "push-auth-control-plane/backend/internal/device/domain"
	policyengine "push-auth-control-plane/backend/internal/policy/engine"
	subscriptiondomain "push-auth-control-plane/backend/internal/subscription/domain"
)

// NotifiableDevice is one delivery target: a subscription on a trusted device.
type NotifiableDevice struct {
	SubscriptionID string
	DeviceID       string
	DeviceName     string
	Endpoint       string
	P256dh         string
	Auth           string
}

// Store is the lookup the push-auth engine depends on.
type Store interface {
	FindNotifiableDevices(ctx context.Context, userID string) ([]NotifiableDevice, error)
}

// SubscriptionRepo is the minimal subscription repository needed by the resolver.
type SubscriptionRepo interface {
	ListByUser(ctx context.Context, userID string) ([]*subscriptiondomain.Subscription, error)
}

// DeviceRepo is the minimal device repository needed by the resolver.
type DeviceRepo interface {
	GetByID(ctx context.Context, id string) (*devicedomain.Device, error)
}

// Resolver implements Store by joining subscriptions to their devices and filtering through the policy.
type Resolver struct {
	subs        SubscriptionRepo
	devices     DeviceRepo
	policy      policyengine.Evaluator
	maxFailures int
	now         func() time.Time
	log         *zap.Logger
}

// NewResolver returns a Resolver. policy may be nil, in which case the built-in rule applies.
func NewResolver(subs SubscriptionRepo, devices DeviceRepo, policy policyengine.Evaluator, maxFailures int, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		subs:        subs,
		devices:     devices,
		policy:      policy,
		maxFailures: maxFailures,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log,
	}
}

// FindNotifiableDevices returns the user's eligible subscriptions in registration order.
// An empty result is not an error. Repository failures are returned wrapped.
func (r *Resolver) FindNotifiableDevices(ctx context.Context, userID string) ([]NotifiableDevice, error) {
	subs, err := r.subs.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	now := r.now()
	devices := make(map[string]*devicedomain.Device)
	var out []NotifiableDevice
	for _, s := range subs {
		dev, seen := devices[s.DeviceID]
		if !seen {
			dev, err = r.devices.GetByID(ctx, s.DeviceID)
			if err != nil {
				return nil, fmt.Errorf("get device %s: %w", s.DeviceID, err)
			}
			devices[s.DeviceID] = dev
		}
		in := policyengine.PushInput{
			UserID:       userID,
			Device:       dev,
			Subscription: s,
			MaxFailures:  r.maxFailures,
			Now:          now,
		}
		decision := policyengine.BuiltinDecision(in)
		if r.policy != nil {
			decision, err = r.policy.EvaluatePush(ctx, in)
			if err != nil {
				return nil, fmt.Errorf("evaluate push policy: %w", err)
			}
		}
		if !decision.Allowed {
			r.log.Debug("subscription not eligible for push auth",
				zap.String("subscription_id", s.ID), zap.Strings("reasons", decision.Reasons))
			continue
		}
		name := s.DeviceName
		if name == "" && dev != nil {
			name = dev.Name
		}
		out = append(out, NotifiableDevice{
			SubscriptionID: s.ID,
			DeviceID:       s.DeviceID,
			DeviceName:     name,
			Endpoint:       s.Endpoint,
			P256dh:         s.P256dh,
			Auth:           s.Auth,
		})
	}
	return out, nil
}
