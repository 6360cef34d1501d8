package domain

import "time"

// Session represents a user session minted after an approved push-auth exchange.
type Session struct {
	ID       string
	UserID   string
	DeviceID string
	// PushRequestID is the push-auth request the session was exchanged for; at most one session per request.
	PushRequestID    string
	ExpiresAt        time.Time
	RevokedAt        *time.Time // nil when not revoked
	LastSeenAt       *time.Time
	IPAddress        string
	RefreshJti       string // current refresh token jti for rotation
	RefreshTokenHash string // SHA-256 hash of current refresh token
	CreatedAt        time.Time
}

// Active reports whether the session is neither revoked nor past its expiry at now.
func (s *Session) Active(now time.Time) bool {
	return s != nil && s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
