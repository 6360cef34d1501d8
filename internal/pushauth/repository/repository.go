package repository

import (
	"context"
	"errors"
	"time"

	"push-auth-control-plane/backend/internal/pushauth/domain"
)

// ErrDuplicateChallenge is returned by Create when the id or token hash already exists.
var ErrDuplicateChallenge = errors.New("duplicate push-auth challenge")

// Repository defines persistence for push-auth challenges. Every state change is a single
// conditional write so concurrent callers across instances cannot both succeed.
type Repository interface {
	// Create inserts c in PENDING state.
	Create(ctx context.Context, c *domain.Challenge) error
	// GetByID returns the challenge for id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.Challenge, error)
	// GetByTokenHash returns the challenge whose token hashes to tokenHash, or nil if not found.
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Challenge, error)
	// TryResolve moves PENDING to APPROVED or DENIED only if the deadline has not passed at now
	// and subscriptionID was notified.
	TryResolve(ctx context.Context, id, subscriptionID string, approved bool, now time.Time) (domain.ResolveResult, error)
	// MarkConsumed moves APPROVED or DENIED to CONSUMED. Only the call that performed the
	// transition gets true.
	MarkConsumed(ctx context.Context, id string, now time.Time) (bool, error)
	// Expire forces PENDING to EXPIRED. Returns false if the challenge was not pending.
	Expire(ctx context.Context, id string) (bool, error)
	// ListPendingByUser returns the user's challenges that are still effectively pending at now, oldest first.
	ListPendingByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Challenge, error)
	// MarkExpired persists EXPIRED for every pending challenge whose deadline passed at now.
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
	// DeleteFinishedBefore removes challenges created before cutoff that can no longer change state.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultChallengeTTL is the default push-auth challenge expiry.
const DefaultChallengeTTL = 2 * time.Minute
