package repository

import (
	"context"
	"time"

	"push-auth-control-plane/backend/internal/subscription/domain"
)

// Repository defines persistence for push subscriptions. Lookups return (nil, nil) when no row exists.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)
	GetByUserAndEndpoint(ctx context.Context, userID, endpoint string) (*domain.Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Subscription, error)
	Create(ctx context.Context, s *domain.Subscription) error
	// Update rewrites keys, device binding, name and enablement and resets failed attempts.
	Update(ctx context.Context, s *domain.Subscription) error
	Delete(ctx context.Context, id string) error
	SetPushAuthEnabled(ctx context.Context, id string, enabled bool, at time.Time) error
	// RecordFailure increments failed_attempts and disables push auth once maxFailures is reached.
	// It returns the new count and whether the subscription is now disabled.
	RecordFailure(ctx context.Context, id string, maxFailures int, at time.Time) (attempts int, disabled bool, err error)
	// RecordSuccess resets failed_attempts and stamps last_used_at.
	RecordSuccess(ctx context.Context, id string, at time.Time) error
}
