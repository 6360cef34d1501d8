package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"push-auth-control-plane/backend/internal/security"
	"push-auth-control-plane/backend/internal/session/domain"
	"push-auth-control-plane/backend/internal/session/repository"
)

// Sentinel errors for the session service; the HTTP handler maps them to status codes.
var (
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrRefreshTokenReuse   = errors.New("refresh token reuse detected; all sessions revoked")
	ErrInvalidSession      = errors.New("session revoked or expired")
)

// Tokens is the credential pair returned to the browser.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is the access token expiry.
	ExpiresAt time.Time
	SessionID string
	UserID    string
}

// IssueRequest describes the session to mint after an approved push-auth exchange.
type IssueRequest struct {
	UserID        string
	DeviceID      string
	PushRequestID string
	IPAddress     string
}

// Issuer creates, refreshes and revokes sessions.
type Issuer struct {
	sessions   repository.Repository
	tokens     *security.TokenProvider
	refreshTTL time.Duration
}

// NewIssuer returns an Issuer with the given dependencies.
func NewIssuer(sessions repository.Repository, tokens *security.TokenProvider, refreshTTL time.Duration) *Issuer {
	return &Issuer{sessions: sessions, tokens: tokens, refreshTTL: refreshTTL}
}

// IssueSession creates a session and returns signed tokens. A second call for the same PushRequestID
// fails with repository.ErrDuplicatePushRequest.
func (s *Issuer) IssueSession(ctx context.Context, req IssueRequest) (*Tokens, error) {
	sessionID := uuid.New().String()
	now := time.Now().UTC()
	refreshToken, jti, _, err := s.tokens.IssueRefresh(sessionID, req.UserID)
	if err != nil {
		return nil, err
	}
	accessToken, _, accessExp, err := s.tokens.IssueAccess(sessionID, req.UserID, req.DeviceID)
	if err != nil {
		return nil, err
	}
	sess := &domain.Session{
		ID:               sessionID,
		UserID:           req.UserID,
		DeviceID:         req.DeviceID,
		PushRequestID:    req.PushRequestID,
		ExpiresAt:        now.Add(s.refreshTTL),
		IPAddress:        req.IPAddress,
		RefreshJti:       jti,
		RefreshTokenHash: security.HashToken(refreshToken),
		CreatedAt:        now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	return &Tokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    accessExp,
		SessionID:    sessionID,
		UserID:       req.UserID,
	}, nil
}

// Refresh validates the refresh token, rotates it, and returns new tokens.
// Presenting a rotated-out refresh token revokes every session of the user.
func (s *Issuer) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}
	sessionID, jti, userID, err := s.tokens.ValidateRefresh(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if !sess.Active(now) {
		return nil, ErrInvalidRefreshToken
	}
	if sess.RefreshJti != jti {
		_ = s.sessions.RevokeAllSessionsByUser(ctx, userID)
		return nil, ErrRefreshTokenReuse
	}
	if !security.TokenHashEqual(refreshToken, sess.RefreshTokenHash) {
		return nil, ErrInvalidRefreshToken
	}
	_ = s.sessions.UpdateLastSeen(ctx, sessionID, now)
	newRefresh, newJti, _, err := s.tokens.IssueRefresh(sessionID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.UpdateRefreshToken(ctx, sessionID, newJti, security.HashToken(newRefresh)); err != nil {
		return nil, err
	}
	accessToken, _, accessExp, err := s.tokens.IssueAccess(sessionID, userID, sess.DeviceID)
	if err != nil {
		return nil, err
	}
	return &Tokens{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    accessExp,
		SessionID:    sessionID,
		UserID:       userID,
	}, nil
}

// Authenticate validates an access token and checks that its session is still active.
// Returns the session's user and device ids.
func (s *Issuer) Authenticate(ctx context.Context, accessToken string) (sessionID, userID, deviceID string, err error) {
	sessionID, userID, deviceID, err = s.tokens.ValidateAccess(accessToken)
	if err != nil {
		return "", "", "", err
	}
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return "", "", "", err
	}
	if !sess.Active(time.Now().UTC()) || sess.UserID != userID {
		return "", "", "", ErrInvalidSession
	}
	return sessionID, userID, deviceID, nil
}

// Logout revokes the session identified by the refresh token, or sessionID when refreshToken is empty.
// Unknown or invalid tokens are a no-op.
func (s *Issuer) Logout(ctx context.Context, refreshToken, sessionID string) error {
	if refreshToken != "" {
		id, _, _, err := s.tokens.ValidateRefresh(refreshToken)
		if err != nil {
			return nil
		}
		return s.sessions.Revoke(ctx, id)
	}
	if sessionID == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, sessionID)
}
