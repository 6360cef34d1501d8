// Package notify delivers push-auth challenges to devices.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrUnavailable is reported when no push transport is configured.
var ErrUnavailable = errors.New("push delivery unavailable")

// Target is one subscription to deliver to.
type Target struct {
	SubscriptionID string
	Endpoint       string
	P256dh         string
	Auth           string
}

// Message is the challenge notification. Challenge is the raw token; it leaves the process only here.
type Message struct {
	Challenge string
	Purpose   string
	IPAddress string
	Location  string
	UserAgent string
	ExpiresAt time.Time
}

// Status classifies a single delivery.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	// StatusGone means the push service reported the subscription no longer exists (404/410).
	StatusGone Status = "gone"
)

// DeliveryResult is the outcome for one target.
type DeliveryResult struct {
	SubscriptionID string
	Status         Status
	Err            error
}

// Delivered reports whether the push service accepted the message.
func (r DeliveryResult) Delivered() bool {
	return r.Status == StatusDelivered
}

// Dispatcher sends one message to one target. Implementations never panic on transport errors;
// they report them in the result.
type Dispatcher interface {
	Send(ctx context.Context, target Target, msg Message) DeliveryResult
}

// Payload is the JSON document the service worker receives.
type Payload struct {
	Type      string      `json:"type"`
	Challenge string      `json:"challenge"`
	Purpose   string      `json:"purpose"`
	Title     string      `json:"title"`
	Body      string      `json:"body"`
	Data      PayloadData `json:"data"`
}

// PayloadData carries request context shown to the user before approving.
type PayloadData struct {
	IPAddress string `json:"ipAddress"`
	Location  string `json:"location"`
	UserAgent string `json:"userAgent"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// NewPayload builds the notification document for msg.
func NewPayload(msg Message) Payload {
	ip := msg.IPAddress
	if ip == "" {
		ip = "unknown"
	}
	p := Payload{
		Type:      "push_auth",
		Challenge: msg.Challenge,
		Purpose:   msg.Purpose,
		Title:     Title(msg.Purpose),
		Body:      Body(msg.IPAddress, msg.Location),
		Data: PayloadData{
			IPAddress: ip,
			Location:  msg.Location,
			UserAgent: msg.UserAgent,
		},
	}
	if !msg.ExpiresAt.IsZero() {
		p.Data.ExpiresAt = msg.ExpiresAt.UnixMilli()
	}
	return p
}

// EncodePayload returns the JSON payload for msg.
func EncodePayload(msg Message) ([]byte, error) {
	return json.Marshal(NewPayload(msg))
}

// Title returns the notification title for a purpose.
func Title(purpose string) string {
	switch purpose {
	case "signin":
		return "Sign-in Request"
	case "mfa":
		return "Verification Required"
	case "recovery":
		return "Account Recovery Request"
	default:
		return "Authentication Request"
	}
}

// Body describes where the request came from, preferring location over IP.
func Body(ipAddress, location string) string {
	var b strings.Builder
	b.WriteString("Someone is trying to access your account")
	switch {
	case location != "":
		b.WriteString(" from " + location)
	case ipAddress != "":
		b.WriteString(" (IP: " + ipAddress + ")")
	}
	b.WriteString(". Tap to approve or deny.")
	return b.String()
}
