// Package devpush keeps the last push notification per subscription in memory, used only when
// PUSH_DEV_OUTBOX is enabled (GET /v1/auth/push/dev/push/outbox/:subscriptionId).
package devpush

import (
	"context"
	"sync"
	"time"

	"push-auth-control-plane/backend/internal/notify"
)

// Store holds delivered notifications by subscription id for dev-only retrieval. Not used in production.
type Store interface {
	// Put stores payload for subscriptionID until expiresAt, replacing any earlier notification.
	Put(ctx context.Context, subscriptionID string, payload notify.Payload, expiresAt time.Time)
	// Get returns the payload for subscriptionID if present and not expired.
	Get(ctx context.Context, subscriptionID string) (payload notify.Payload, ok bool)
}

type entry struct {
	payload   notify.Payload
	expiresAt time.Time
}

// MemoryStore is an in-memory Store implementation. It also acts as a notify.Dispatcher so that the
// engine can run end to end without a push service.
type MemoryStore struct {
	mu   sync.RWMutex
	m    map[string]entry
	nowF func() time.Time
}

// NewMemoryStore returns a new in-memory dev push outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:    make(map[string]entry),
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

// Put stores payload for subscriptionID until expiresAt.
func (s *MemoryStore) Put(ctx context.Context, subscriptionID string, payload notify.Payload, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[subscriptionID] = entry{payload: payload, expiresAt: expiresAt}
}

// Get returns the payload for subscriptionID if present and not expired.
func (s *MemoryStore) Get(ctx context.Context, subscriptionID string) (notify.Payload, bool) {
	s.mu.RLock()
	e, ok := s.m[subscriptionID]
	s.mu.RUnlock()
	if !ok {
		return notify.Payload{}, false
	}
	now := s.nowF()
	if e.expiresAt.After(now) {
		return e.payload, true
	}
	s.mu.Lock()
	// A Put may have replaced the entry since the read lock was released.
	if cur, ok := s.m[subscriptionID]; ok && !cur.expiresAt.After(now) {
		delete(s.m, subscriptionID)
	}
	s.mu.Unlock()
	return notify.Payload{}, false
}

// Send records the notification in the outbox and always reports it delivered.
func (s *MemoryStore) Send(ctx context.Context, target notify.Target, msg notify.Message) notify.DeliveryResult {
	expiresAt := msg.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = s.nowF().Add(2 * time.Minute)
	}
	s.Put(ctx, target.SubscriptionID, notify.NewPayload(msg), expiresAt)
	return notify.DeliveryResult{SubscriptionID: target.SubscriptionID, Status: notify.StatusDelivered}
}
