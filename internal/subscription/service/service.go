package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	devicedomain "push-auth-control-plane/backend/internal/device/domain"
	"push-auth-control-plane/backend/internal/security"
	"push-auth-control-plane/backend/internal/subscription/domain"
	"push-auth-control-plane/backend/internal/subscription/repository"
)

// Sentinel errors; the HTTP handler maps them to status codes.
var (
	ErrInvalidSubscription = errors.New("invalid subscription")
	// ErrNotFound is also returned when the subscription belongs to another user.
	ErrNotFound = errors.New("subscription not found")
)

// DeviceRepo is the minimal device repository needed to bind subscriptions to devices.
type DeviceRepo interface {
	GetByUserAndFingerprint(ctx context.Context, userID, fingerprint string) (*devicedomain.Device, error)
	Create(ctx context.Context, d *devicedomain.Device) error
	UpdateTrustedWithExpiry(ctx context.Context, id string, trusted bool, trustedUntil *time.Time) error
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
}

// RegisterInput is a browser's PushSubscription plus optional device identification.
type RegisterInput struct {
	UserID      string
	Endpoint    string
	P256dh      string
	Auth        string
	DeviceName  string
	Fingerprint string
}

// Service manages push subscriptions and the device trust they confer.
type Service struct {
	devices     DeviceRepo
	subs        repository.Repository
	trustTTL    time.Duration
	maxFailures int
	log         *zap.Logger
	now         func() time.Time
}

// NewService returns a Service. trustTTL of 0 trusts registered devices without expiry.
func NewService(devices DeviceRepo, subs repository.Repository, trustTTL time.Duration, maxFailures int, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		devices:     devices,
		subs:        subs,
		trustTTL:    trustTTL,
		maxFailures: maxFailures,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register creates or updates the subscription for (user, endpoint). Re-registration replaces the keys,
// re-enables push auth and resets failed attempts. The backing device is created on first sight and
// (re-)trusted for the configured TTL.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*domain.Subscription, error) {
	now := s.now()
	sub := &domain.Subscription{
		UserID:          strings.TrimSpace(in.UserID),
		Endpoint:        strings.TrimSpace(in.Endpoint),
		P256dh:          strings.TrimSpace(in.P256dh),
		Auth:            strings.TrimSpace(in.Auth),
		DeviceName:      strings.TrimSpace(in.DeviceName),
		PushAuthEnabled: true,
		UpdatedAt:       now,
	}
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}

	dev, err := s.trustDevice(ctx, sub.UserID, in.Fingerprint, sub.Endpoint, sub.DeviceName, now)
	if err != nil {
		return nil, err
	}
	sub.DeviceID = dev.ID

	existing, err := s.subs.GetByUserAndEndpoint(ctx, sub.UserID, sub.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if existing != nil {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
		sub.LastUsedAt = existing.LastUsedAt
		if err := s.subs.Update(ctx, sub); err != nil {
			return nil, fmt.Errorf("update subscription: %w", err)
		}
		s.log.Info("push subscription updated", zap.String("user_id", sub.UserID), zap.String("subscription_id", sub.ID))
		return sub, nil
	}
	sub.ID = uuid.New().String()
	sub.CreatedAt = now
	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	s.log.Info("push subscription created", zap.String("user_id", sub.UserID), zap.String("subscription_id", sub.ID))
	return sub, nil
}

func (s *Service) trustDevice(ctx context.Context, userID, fingerprint, endpoint, name string, now time.Time) (*devicedomain.Device, error) {
	fp := strings.TrimSpace(fingerprint)
	if fp == "" {
		fp = "push:" + security.HashToken(endpoint)
	}
	var until *time.Time
	if s.trustTTL > 0 {
		t := now.Add(s.trustTTL)
		until = &t
	}
	dev, err := s.devices.GetByUserAndFingerprint(ctx, userID, fp)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if dev == nil {
		dev = &devicedomain.Device{
			ID:           uuid.New().String(),
			UserID:       userID,
			Name:         name,
			Fingerprint:  fp,
			Trusted:      true,
			TrustedUntil: until,
			LastSeenAt:   &now,
			CreatedAt:    now,
		}
		if err := s.devices.Create(ctx, dev); err != nil {
			return nil, fmt.Errorf("create device: %w", err)
		}
		return dev, nil
	}
	if err := s.devices.UpdateTrustedWithExpiry(ctx, dev.ID, true, until); err != nil {
		return nil, fmt.Errorf("trust device: %w", err)
	}
	_ = s.devices.UpdateLastSeen(ctx, dev.ID, now)
	return dev, nil
}

// List returns all of the user's subscriptions, enabled or not.
func (s *Service) List(ctx context.Context, userID string) ([]*domain.Subscription, error) {
	return s.subs.ListByUser(ctx, userID)
}

// Remove deletes the subscription when it belongs to userID.
func (s *Service) Remove(ctx context.Context, userID, id string) error {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return err
	}
	if err := s.subs.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	s.log.Info("push subscription removed", zap.String("user_id", userID), zap.String("subscription_id", id))
	return nil
}

// Toggle enables or disables push auth on a subscription owned by userID and returns the updated record.
func (s *Service) Toggle(ctx context.Context, userID, id string, enabled bool) (*domain.Subscription, error) {
	sub, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.subs.SetPushAuthEnabled(ctx, id, enabled, now); err != nil {
		return nil, fmt.Errorf("toggle subscription: %w", err)
	}
	sub.PushAuthEnabled = enabled
	sub.UpdatedAt = now
	return sub, nil
}

// RecordFailure counts a failed delivery; the subscription is disabled once the limit is reached.
func (s *Service) RecordFailure(ctx context.Context, id string) error {
	n, disabled, err := s.subs.RecordFailure(ctx, id, s.maxFailures, s.now())
	if err != nil {
		return fmt.Errorf("record subscription failure: %w", err)
	}
	if disabled && n == s.maxFailures {
		s.log.Warn("push subscription disabled after repeated failures",
			zap.String("subscription_id", id), zap.Int("failed_attempts", n))
	}
	return nil
}

// RecordSuccess resets the failure counter after a delivery the push service accepted.
func (s *Service) RecordSuccess(ctx context.Context, id string) error {
	if err := s.subs.RecordSuccess(ctx, id, s.now()); err != nil {
		return fmt.Errorf("record subscription success: %w", err)
	}
	return nil
}

// DeviceID returns the device that owns subscriptionID, or "" if the subscription no longer exists.
func (s *Service) DeviceID(ctx context.Context, subscriptionID string) (string, error) {
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return "", fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil {
		return "", nil
	}
	return sub.DeviceID, nil
}

func (s *Service) owned(ctx context.Context, userID, id string) (*domain.Subscription, error) {
	sub, err := s.subs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil || sub.UserID != userID {
		return nil, ErrNotFound
	}
	return sub, nil
}
