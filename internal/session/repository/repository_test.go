package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"push-auth-control-plane/backend/internal/db"
	"push-auth-control-plane/backend/internal/db/migrate"
	"push-auth-control-plane/backend/internal/session/domain"
)

func newSession(userID, pushRequestID string, createdAt time.Time) *domain.Session {
	return &domain.Session{
		ID:               uuid.New().String(),
		UserID:           userID,
		DeviceID:         "dev-1",
		PushRequestID:    pushRequestID,
		ExpiresAt:        createdAt.Add(time.Hour),
		IPAddress:        "203.0.113.7",
		RefreshJti:       "jti-1",
		RefreshTokenHash: "hash-1",
		CreatedAt:        createdAt,
	}
}

func testRepository(t *testing.T, r Repository) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	userID := "user-" + uuid.New().String()
	pushID := uuid.New().String()

	s := newSession(userID, pushID, now)
	if err := r.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := r.GetByID(ctx, s.ID)
	if err != nil || got == nil || got.PushRequestID != pushID || !got.Active(now) {
		t.Fatalf("GetByID = %+v, %v", got, err)
	}
	if missing, err := r.GetByID(ctx, uuid.New().String()); err != nil || missing != nil {
		t.Errorf("GetByID(missing) = %v, %v; want nil, nil", missing, err)
	}

	dup := newSession(userID, pushID, now)
	if err := r.Create(ctx, dup); !errors.Is(err, ErrDuplicatePushRequest) {
		t.Errorf("Create duplicate push request err = %v, want ErrDuplicatePushRequest", err)
	}
	// Sessions not tied to a push request never collide.
	for i := 0; i < 2; i++ {
		if err := r.Create(ctx, newSession(userID, "", now.Add(time.Duration(i+1)*time.Second))); err != nil {
			t.Fatalf("Create without push request: %v", err)
		}
	}

	if err := r.UpdateRefreshToken(ctx, s.ID, "jti-2", "hash-2"); err != nil {
		t.Fatalf("UpdateRefreshToken: %v", err)
	}
	if err := r.UpdateLastSeen(ctx, s.ID, now); err != nil {
		t.Fatalf("UpdateLastSeen: %v", err)
	}
	got, _ = r.GetByID(ctx, s.ID)
	if got.RefreshJti != "jti-2" || got.RefreshTokenHash != "hash-2" || got.LastSeenAt == nil {
		t.Errorf("after updates: %+v", got)
	}

	list, err := r.ListByUser(ctx, userID)
	if err != nil || len(list) != 3 {
		t.Fatalf("ListByUser = %d, %v; want 3", len(list), err)
	}
	if list[2].ID != s.ID {
		t.Errorf("ListByUser should be newest first; oldest = %s, want %s", list[2].ID, s.ID)
	}

	if err := r.Revoke(ctx, s.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	got, _ = r.GetByID(ctx, s.ID)
	if got.RevokedAt == nil || got.Active(now) {
		t.Error("session should be revoked")
	}

	if err := r.RevokeAllSessionsByUser(ctx, userID); err != nil {
		t.Fatalf("RevokeAllSessionsByUser: %v", err)
	}
	list, _ = r.ListByUser(ctx, userID)
	for _, s := range list {
		if s.RevokedAt == nil {
			t.Errorf("session %s not revoked", s.ID)
		}
	}
}

func TestMemoryRepository(t *testing.T) {
	testRepository(t, NewMemoryRepository())
}

func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	if err := migrate.Run(dsn, "up"); err != nil {
		t.Skipf("migrations failed (expected in test environment): %v", err)
	}
	conn, err := db.Open(context.Background(), dsn, db.DefaultPoolOptions)
	if err != nil {
		t.Skipf("Database connection failed (expected in test environment): %v", err)
	}
	defer conn.Close()
	testRepository(t, NewPostgresRepository(conn))
}
