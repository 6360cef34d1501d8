package domain

import (
	"errors"
	"strings"
	"time"
)

// Subscription is a Web Push endpoint registered by a user's browser (stored in push_subscriptions).
// P256dh and Auth are the client keys from PushSubscription.getKey().
type Subscription struct {
	ID              string
	UserID          string
	DeviceID        string
	Endpoint        string
	P256dh          string
	Auth            string
	DeviceName      string
	PushAuthEnabled bool
	FailedAttempts  int
	LastUsedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Active reports whether the subscription may be sent push-auth challenges.
func (s *Subscription) Active(maxFailures int) bool {
	return s != nil && s.PushAuthEnabled && s.FailedAttempts < maxFailures
}

// Validate checks the fields a browser must supply on registration.
func (s *Subscription) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return errors.New("user id is required")
	}
	if !strings.HasPrefix(s.Endpoint, "https://") {
		return errors.New("endpoint must be an https URL")
	}
	if s.P256dh == "" || s.Auth == "" {
		return errors.New("p256dh and auth keys are required")
	}
	return nil
}
