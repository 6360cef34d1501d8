// Package webpush sends challenge notifications through the Web Push protocol with VAPID.
package webpush

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpushgo "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"push-auth-control-plane/backend/internal/notify"
)

// defaultTTL is how long (seconds) the push service may hold an undelivered message.
// Challenges expire in minutes, so there is no point queueing longer.
const defaultTTL = 120

// Config holds VAPID credentials.
type Config struct {
	PublicKey  string
	PrivateKey string
	// Subject is a mailto: or https: contact URI.
	Subject string
	// TTL in seconds; defaultTTL when zero.
	TTL        int
	HTTPClient *http.Client
}

// Sender implements notify.Dispatcher over Web Push.
type Sender struct {
	cfg Config
	log *zap.Logger
}

// NewSender returns a Sender. Without both VAPID keys every Send reports notify.ErrUnavailable.
func NewSender(cfg Config, log *zap.Logger) *Sender {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if !cfg.available() {
		log.Warn("VAPID keys not configured; Web Push will be unavailable")
	}
	return &Sender{cfg: cfg, log: log}
}

func (c Config) available() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

// Available reports whether VAPID keys are configured.
func (s *Sender) Available() bool {
	return s.cfg.available()
}

// Send encrypts and posts the challenge payload to the subscription endpoint.
func (s *Sender) Send(ctx context.Context, target notify.Target, msg notify.Message) notify.DeliveryResult {
	res := notify.DeliveryResult{SubscriptionID: target.SubscriptionID, Status: notify.StatusFailed}
	if !s.Available() {
		res.Err = notify.ErrUnavailable
		return res
	}
	payload, err := notify.EncodePayload(msg)
	if err != nil {
		res.Err = fmt.Errorf("encode payload: %w", err)
		return res
	}
	opts := &webpushgo.Options{
		// The library adds the mailto: scheme itself for non-https subjects.
		Subscriber:      strings.TrimPrefix(s.cfg.Subject, "mailto:"),
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
		TTL:             s.cfg.TTL,
		Urgency:         webpushgo.UrgencyHigh,
	}
	if s.cfg.HTTPClient != nil {
		opts.HTTPClient = s.cfg.HTTPClient
	}
	sub := &webpushgo.Subscription{
		Endpoint: target.Endpoint,
		Keys:     webpushgo.Keys{P256dh: target.P256dh, Auth: target.Auth},
	}
	resp, err := webpushgo.SendNotificationWithContext(ctx, payload, sub, opts)
	if err != nil {
		res.Err = fmt.Errorf("send web push: %w", err)
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Status = notify.StatusDelivered
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		res.Status = notify.StatusGone
		res.Err = fmt.Errorf("push service returned %d", resp.StatusCode)
		s.log.Info("push subscription no longer valid",
			zap.String("subscription_id", target.SubscriptionID), zap.Int("status", resp.StatusCode))
	default:
		res.Err = fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return res
}

// GenerateVAPIDKeys returns a new VAPID key pair, for bootstrapping VAPID_PUBLIC_KEY / VAPID_PRIVATE_KEY.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpushgo.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}

// WithGeneratedKeys returns c unchanged when both VAPID keys are set. Otherwise it fills in a fresh
// pair and reports generated.
func (c Config) WithGeneratedKeys() (out Config, generated bool, err error) {
	if c.available() {
		return c, false, nil
	}
	c.PublicKey, c.PrivateKey, err = GenerateVAPIDKeys()
	if err != nil {
		return c, false, fmt.Errorf("generate vapid keys: %w", err)
	}
	return c, true, nil
}
