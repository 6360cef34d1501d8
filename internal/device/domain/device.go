package domain

import "time"

// Device represents a browser or phone a user has registered for push approval.
type Device struct {
	ID          string
	UserID      string
	Name        string
	Fingerprint string
	Trusted     bool
	// TrustedUntil bounds Trusted; nil means no expiry.
	TrustedUntil *time.Time
	RevokedAt    *time.Time
	LastSeenAt   *time.Time
	CreatedAt    time.Time
}

// IsEffectivelyTrusted reports whether the device may receive push challenges at now:
// trusted, not revoked, and within its trust window.
func (d *Device) IsEffectivelyTrusted(now time.Time) bool {
	if d == nil || !d.Trusted || d.RevokedAt != nil {
		return false
	}
	return d.TrustedUntil == nil || now.Before(*d.TrustedUntil)
}
