package repository

import (
	"context"
	"slices"
	"sync"

	"push-auth-control-plane/backend/internal/audit/domain"
)

// MemoryRepository keeps audit logs in process.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries []domain.AuditLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.entries {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*domain.AuditLog, error) {
	r.mu.RLock()
	var all []*domain.AuditLog
	for _, a := range r.entries {
		if a.UserID == userID {
			all = append(all, &a)
		}
	}
	r.mu.RUnlock()
	slices.SortStableFunc(all, func(a, b *domain.AuditLog) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if offset < 0 || int(offset) >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && int(limit) < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *a)
	return nil
}
