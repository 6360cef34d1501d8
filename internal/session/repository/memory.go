package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"push-auth-control-plane/backend/internal/session/domain"
)

// MemoryRepository keeps sessions in process; used when no DATABASE_URL is configured.
type MemoryRepository struct {
	mu sync.RWMutex
	m  map[string]domain.Session
}

// NewMemoryRepository returns an empty in-memory session repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{m: make(map[string]domain.Session)}
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *MemoryRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Session
	for _, s := range r.m {
		if s.UserID == userID {
			out = append(out, &s)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Session) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) Create(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.PushRequestID != "" {
		for _, existing := range r.m {
			if existing.PushRequestID == s.PushRequestID {
				return ErrDuplicatePushRequest
			}
		}
	}
	r.m[s.ID] = *s
	return nil
}

func (r *MemoryRepository) Revoke(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.m[id]; ok && s.RevokedAt == nil {
		t := time.Now().UTC()
		s.RevokedAt = &t
		r.m[id] = s
	}
	return nil
}

func (r *MemoryRepository) RevokeAllSessionsByUser(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := time.Now().UTC()
	for id, s := range r.m {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &t
			r.m[id] = s
		}
	}
	return nil
}

func (r *MemoryRepository) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.m[id]; ok {
		s.LastSeenAt = &at
		r.m[id] = s
	}
	return nil
}

func (r *MemoryRepository) UpdateRefreshToken(ctx context.Context, sessionID, jti, refreshTokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.m[sessionID]; ok {
		s.RefreshJti = jti
		s.RefreshTokenHash = refreshTokenHash
		r.m[sessionID] = s
	}
	return nil
}
