package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"push-auth-control-plane/backend/internal/device/domain"
)

// MemoryRepository keeps devices in process; used when no DATABASE_URL is configured.
type MemoryRepository struct {
	mu sync.RWMutex
	m  map[string]domain.Device
}

// NewMemoryRepository returns an empty in-memory device repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{m: make(map[string]domain.Device)}
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.m[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (r *MemoryRepository) GetByUserAndFingerprint(ctx context.Context, userID, fingerprint string) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.m {
		if d.UserID == userID && d.Fingerprint == fingerprint {
			return &d, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Device
	for _, d := range r.m {
		if d.UserID == userID {
			out = append(out, &d)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Device) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) Create(ctx context.Context, d *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[d.ID] = *d
	return nil
}

func (r *MemoryRepository) UpdateTrustedWithExpiry(ctx context.Context, id string, trusted bool, trustedUntil *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.m[id]
	if !ok {
		return nil
	}
	d.Trusted = trusted
	d.TrustedUntil = trustedUntil
	d.RevokedAt = nil
	r.m[id] = d
	return nil
}

func (r *MemoryRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.m[id]
	if !ok {
		return nil
	}
	d.Trusted = false
	d.TrustedUntil = nil
	d.RevokedAt = &at
	r.m[id] = d
	return nil
}

func (r *MemoryRepository) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.m[id]
	if !ok {
		return nil
	}
	d.LastSeenAt = &at
	r.m[id] = d
	return nil
}
