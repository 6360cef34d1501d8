package repository

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"push-auth-control-plane/backend/internal/subscription/domain"
)

// MemoryRepository keeps subscriptions in process; used when no DATABASE_URL is configured.
type MemoryRepository struct {
	mu sync.RWMutex
	m  map[string]domain.Subscription
}

// NewMemoryRepository returns an empty in-memory subscription repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{m: make(map[string]domain.Subscription)}
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *MemoryRepository) GetByUserAndEndpoint(ctx context.Context, userID, endpoint string) (*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.m {
		if s.UserID == userID && s.Endpoint == endpoint {
			return &s, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Subscription
	for _, s := range r.m {
		if s.UserID == userID {
			out = append(out, &s)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (r *MemoryRepository) Create(ctx context.Context, s *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[s.ID] = *s
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, s *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.m[s.ID]
	if !ok {
		return nil
	}
	cur.DeviceID = s.DeviceID
	cur.P256dh = s.P256dh
	cur.Auth = s.Auth
	cur.DeviceName = s.DeviceName
	cur.PushAuthEnabled = s.PushAuthEnabled
	cur.FailedAttempts = 0
	cur.UpdatedAt = s.UpdatedAt
	r.m[s.ID] = cur
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
	return nil
}

func (r *MemoryRepository) SetPushAuthEnabled(ctx context.Context, id string, enabled bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[id]
	if !ok {
		return nil
	}
	s.PushAuthEnabled = enabled
	s.UpdatedAt = at
	r.m[id] = s
	return nil
}

func (r *MemoryRepository) RecordFailure(ctx context.Context, id string, maxFailures int, at time.Time) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[id]
	if !ok {
		return 0, false, nil
	}
	s.FailedAttempts++
	if s.FailedAttempts >= maxFailures {
		s.PushAuthEnabled = false
	}
	s.UpdatedAt = at
	r.m[id] = s
	return s.FailedAttempts, !s.PushAuthEnabled, nil
}

func (r *MemoryRepository) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[id]
	if !ok {
		return nil
	}
	s.FailedAttempts = 0
	s.LastUsedAt = &at
	s.UpdatedAt = at
	r.m[id] = s
	return nil
}
