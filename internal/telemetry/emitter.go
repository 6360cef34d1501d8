// Package telemetry carries push-auth lifecycle events to OTel logs and Kafka.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event types emitted by the push-auth engine and HTTP surface.
const (
	EventChallengeCreated   = "push_auth.challenge_created"
	EventChallengeResolved  = "push_auth.challenge_resolved"
	EventChallengeExpired   = "push_auth.challenge_expired"
	EventChallengeExchanged = "push_auth.challenge_exchanged"
	EventChallengeCancelled = "push_auth.challenge_cancelled"
	EventDeliveryFailed     = "push_auth.delivery_failed"
	EventSubscriptionAdded  = "push_auth.subscription_registered"
	EventSessionRevoked     = "session.revoked"
)

// SourceServer tags events produced by the API process.
const SourceServer = "push-auth-server"

// Event is one telemetry record. Metadata is arbitrary JSON and never contains raw challenge tokens.
type Event struct {
	UserID    string          `json:"userId,omitempty"`
	DeviceID  string          `json:"deviceId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	EventType string          `json:"eventType"`
	Source    string          `json:"source,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewEvent returns an event stamped with the current time. metadata is marshalled when non-nil;
// a marshal failure leaves Metadata empty.
func NewEvent(eventType, userID, requestID string, metadata any) *Event {
	ev := &Event{
		UserID:    userID,
		RequestID: requestID,
		EventType: eventType,
		Source:    SourceServer,
		CreatedAt: time.Now().UTC(),
	}
	if metadata != nil {
		if b, err := json.Marshal(metadata); err == nil {
			ev.Metadata = b
		}
	}
	return ev
}

// EventEmitter emits telemetry events. Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}

// Multi fans one event out to every non-nil emitter and joins their errors.
func Multi(emitters ...EventEmitter) EventEmitter {
	out := make(multiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

type multiEmitter []EventEmitter

func (m multiEmitter) Emit(ctx context.Context, event *Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
