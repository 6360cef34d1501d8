package repository

import (
	"context"
	"errors"
	"time"

	"push-auth-control-plane/backend/internal/session/domain"
)

// ErrDuplicatePushRequest is returned by Create when a session already exists for the push request.
var ErrDuplicatePushRequest = errors.New("session already issued for push request")

// Repository defines persistence for sessions.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	Revoke(ctx context.Context, id string) error
	RevokeAllSessionsByUser(ctx context.Context, userID string) error
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
	UpdateRefreshToken(ctx context.Context, sessionID, jti, refreshTokenHash string) error
}
