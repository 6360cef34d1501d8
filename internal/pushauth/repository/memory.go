package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"push-auth-control-plane/backend/internal/pushauth/domain"
)

// MemoryRepository is an in-process Repository. The mutex is the atomic boundary, so it is only
// correct for a single instance; use the postgres or redis repository when running replicas.
type MemoryRepository struct {
	mu      sync.Mutex
	byID    map[string]*domain.Challenge
	byToken map[string]string
}

// NewMemoryRepository returns an empty in-memory challenge repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]*domain.Challenge),
		byToken: make(map[string]string),
	}
}

// Create stores a copy of c.
func (r *MemoryRepository) Create(ctx context.Context, c *domain.Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID]; ok {
		return ErrDuplicateChallenge
	}
	if _, ok := r.byToken[c.TokenHash]; ok {
		return ErrDuplicateChallenge
	}
	r.byID[c.ID] = c.Clone()
	r.byToken[c.TokenHash] = c.ID
	return nil
}

// GetByID returns a copy of the challenge for id, or nil if not found.
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id].Clone(), nil
}

// GetByTokenHash returns a copy of the challenge for tokenHash, or nil if not found.
func (r *MemoryRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byToken[tokenHash]
	if !ok {
		return nil, nil
	}
	return r.byID[id].Clone(), nil
}

// TryResolve resolves the challenge under the repository lock.
func (r *MemoryRepository) TryResolve(ctx context.Context, id, subscriptionID string, approved bool, now time.Time) (domain.ResolveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return domain.ResolveNotFound, nil
	}
	return c.Resolve(subscriptionID, approved, now), nil
}

// MarkConsumed consumes an APPROVED or DENIED challenge.
func (r *MemoryRepository) MarkConsumed(ctx context.Context, id string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return false, nil
	}
	return c.Consume(now), nil
}

// Expire forces a pending challenge to EXPIRED.
func (r *MemoryRepository) Expire(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return false, nil
	}
	return c.ForceExpire(), nil
}

// ListPendingByUser returns copies of the user's effectively pending challenges, oldest first.
func (r *MemoryRepository) ListPendingByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Challenge
	for _, c := range r.byID {
		if c.UserID == userID && c.EffectiveState(now) == domain.StatePending {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Challenge) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// MarkExpired persists EXPIRED for lapsed pending challenges.
func (r *MemoryRepository) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, c := range r.byID {
		if c.State == domain.StatePending && c.Expired(now) {
			c.State = domain.StateExpired
			n++
		}
	}
	return n, nil
}

// DeleteFinishedBefore drops non-pending challenges created before cutoff.
func (r *MemoryRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, c := range r.byID {
		if c.CreatedAt.Before(cutoff) && c.EffectiveState(cutoff) != domain.StatePending {
			delete(r.byID, id)
			delete(r.byToken, c.TokenHash)
			n++
		}
	}
	return n, nil
}
