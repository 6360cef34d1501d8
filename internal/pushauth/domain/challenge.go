package domain

import (
	"slices"
	"time"
)

// State is the lifecycle state of a push-auth challenge.
type State string

const (
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateDenied   State = "DENIED"
	StateExpired  State = "EXPIRED"
	StateConsumed State = "CONSUMED"
)

// Purpose is why the push was requested; it only changes the notification wording.
type Purpose string

const (
	PurposeSignIn   Purpose = "signin"
	PurposeMFA      Purpose = "mfa"
	PurposeRecovery Purpose = "recovery"
)

// ParsePurpose returns the purpose for s, defaulting to sign-in when s is empty.
// ok is false for unknown values.
func ParsePurpose(s string) (p Purpose, ok bool) {
	switch Purpose(s) {
	case "":
		return PurposeSignIn, true
	case PurposeSignIn, PurposeMFA, PurposeRecovery:
		return Purpose(s), true
	default:
		return "", false
	}
}

// Resolution records the single authoritative device response.
type Resolution struct {
	Approved       bool
	SubscriptionID string
	ResolvedAt     time.Time
}

// Challenge represents one push-auth attempt (stored in push_auth_challenges).
// TokenHash is the SHA-256 of the challenge token delivered to devices; the raw token is never stored.
type Challenge struct {
	ID        string
	UserID    string
	TokenHash string
	Purpose   Purpose
	State     State
	// NotifiedSubscriptionIDs is fixed at creation; only these subscriptions may resolve.
	NotifiedSubscriptionIDs []string
	Resolution              *Resolution
	IPAddress               string
	UserAgent               string
	Location                string
	ExpiresAt               time.Time
	CreatedAt               time.Time
	ConsumedAt              *time.Time
}

// Expired reports whether the deadline has passed at now.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// EffectiveState is the state every reader must observe: a PENDING challenge past its deadline is EXPIRED
// whether or not the sweeper has persisted that yet.
func (c *Challenge) EffectiveState(now time.Time) State {
	if c.State == StatePending && c.Expired(now) {
		return StateExpired
	}
	return c.State
}

// Redeemable reports whether an APPROVED challenge may still be traded for a session. The window
// opens at approval and lasts window.
func (c *Challenge) Redeemable(now time.Time, window time.Duration) bool {
	if c.State != StateApproved || c.Resolution == nil {
		return false
	}
	return now.Before(c.Resolution.ResolvedAt.Add(window))
}

// WasNotified reports whether subscriptionID received this challenge.
func (c *Challenge) WasNotified(subscriptionID string) bool {
	return subscriptionID != "" && slices.Contains(c.NotifiedSubscriptionIDs, subscriptionID)
}

// ResolveResult is the outcome of an attempt to resolve a challenge.
type ResolveResult string

const (
	Resolved           ResolveResult = "RESOLVED"
	AlreadyResolved    ResolveResult = "ALREADY_RESOLVED"
	ResolveExpired     ResolveResult = "EXPIRED"
	UnauthorizedDevice ResolveResult = "UNAUTHORIZED_DEVICE"
	ResolveNotFound    ResolveResult = "NOT_FOUND"
)

// Classify decides what a resolve attempt by subscriptionID at now would do. Stores call it inside
// their atomic section (or to explain a conditional write that matched nothing).
// Device authorization is checked first so a leaked token never reveals the challenge state.
func (c *Challenge) Classify(subscriptionID string, now time.Time) ResolveResult {
	switch {
	case !c.WasNotified(subscriptionID):
		return UnauthorizedDevice
	case c.State == StateExpired:
		return ResolveExpired
	case c.State != StatePending:
		return AlreadyResolved
	case c.Expired(now):
		return ResolveExpired
	default:
		return Resolved
	}
}

// Resolve applies the terminal transition when Classify returned Resolved. It returns Classify's
// result and leaves c untouched otherwise.
func (c *Challenge) Resolve(subscriptionID string, approved bool, now time.Time) ResolveResult {
	res := c.Classify(subscriptionID, now)
	if res != Resolved {
		return res
	}
	c.State = StateDenied
	if approved {
		c.State = StateApproved
	}
	c.Resolution = &Resolution{Approved: approved, SubscriptionID: subscriptionID, ResolvedAt: now}
	return Resolved
}

// Consume moves APPROVED or DENIED to CONSUMED. It reports false when c was in any other state,
// including already CONSUMED.
func (c *Challenge) Consume(now time.Time) bool {
	if c.State != StateApproved && c.State != StateDenied {
		return false
	}
	c.State = StateConsumed
	c.ConsumedAt = &now
	return true
}

// ForceExpire moves PENDING to EXPIRED ahead of the deadline (no reachable device, superseded, cancelled).
func (c *Challenge) ForceExpire() bool {
	if c.State != StatePending {
		return false
	}
	c.State = StateExpired
	return true
}

// Clone returns a deep copy so stores never hand out shared mutable state.
func (c *Challenge) Clone() *Challenge {
	if c == nil {
		return nil
	}
	out := *c
	out.NotifiedSubscriptionIDs = slices.Clone(c.NotifiedSubscriptionIDs)
	if c.Resolution != nil {
		r := *c.Resolution
		out.Resolution = &r
	}
	if c.ConsumedAt != nil {
		t := *c.ConsumedAt
		out.ConsumedAt = &t
	}
	return &out
}
