// Package service implements the push-auth engine: it creates challenges, fans them out to trusted
// devices, accepts the single authoritative device response and lets the initiating browser observe
// and exchange the outcome.
//
// Business outcomes are reported as a Code on the result; only infrastructure failures are errors.
package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"push-auth-control-plane/backend/internal/audit"
	"push-auth-control-plane/backend/internal/devicetrust"
	"push-auth-control-plane/backend/internal/notify"
	"push-auth-control-plane/backend/internal/pushauth/repository"
	sessionservice "push-auth-control-plane/backend/internal/session/service"
	"push-auth-control-plane/backend/internal/telemetry"
)

// Code is the business outcome of an engine operation.
type Code string

const (
	CodeOK                 Code = "OK"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeNoTrustedDevices   Code = "NO_TRUSTED_DEVICES"
	CodeNoDevicesReachable Code = "NO_DEVICES_REACHABLE"
	CodeResolved           Code = "RESOLVED"
	CodeChallengeExpired   Code = "CHALLENGE_EXPIRED"
	CodeAlreadyResolved    Code = "CHALLENGE_ALREADY_RESOLVED"
	CodeUnauthorizedDevice Code = "UNAUTHORIZED_DEVICE"
	CodeInvalidChallenge   Code = "INVALID_CHALLENGE"
	CodeInvalidHandoff     Code = "INVALID_HANDOFF"
	CodeNotApproved        Code = "NOT_APPROVED"
	CodeAlreadyConsumed    Code = "ALREADY_CONSUMED"
	CodeHandoffExpired     Code = "HANDOFF_EXPIRED"
	CodeInvalidState       Code = "INVALID_STATE"
)

// Human-readable errors returned by Initiate.
const (
	errNoTrustedDevices   = "no trusted devices"
	errNoDevicesReachable = "no devices reachable"
)

// createAttempts bounds retries when a generated id or token collides.
const createAttempts = 3

// Sender fans a message out to many targets. *notify.Fanout implements it.
type Sender interface {
	Send(ctx context.Context, targets []notify.Target, msg notify.Message) []notify.DeliveryResult
}

// SessionIssuer mints the session handed to the browser after an approved exchange.
type SessionIssuer interface {
	IssueSession(ctx context.Context, req sessionservice.IssueRequest) (*sessionservice.Tokens, error)
}

// HandoffTokens issues and validates the proof Poll hands to the initiating browser.
// *security.TokenProvider implements it.
type HandoffTokens interface {
	IssueHandoff(requestID, userID string) (token string, expiresAt time.Time, err error)
	ValidateHandoff(token string) (requestID, userID string, err error)
}

// Subscriptions records delivery outcomes and maps a subscription to its device.
// *subscription/service.Service implements it.
type Subscriptions interface {
	RecordFailure(ctx context.Context, id string) error
	RecordSuccess(ctx context.Context, id string) error
	DeviceID(ctx context.Context, subscriptionID string) (string, error)
}

// Deps are the engine's collaborators. Challenges, Devices, Sender, Sessions and Handoff are required.
type Deps struct {
	Challenges    repository.Repository
	Devices       devicetrust.Store
	Sender        Sender
	Sessions      SessionIssuer
	Handoff       HandoffTokens
	Subscriptions Subscriptions
	Audit         audit.AuditLogger
	Telemetry     telemetry.EventEmitter
	Log           *zap.Logger
}

// Config tunes challenge lifetime and hygiene. RedeemWindow bounds how long after approval a
// challenge can be exchanged.
type Config struct {
	TTL          time.Duration
	MaxPending   int
	Retention    time.Duration
	RedeemWindow time.Duration
}

// Engine runs the push-auth protocol. It is safe for concurrent use; all coordination between
// instances happens in the challenge store.
type Engine struct {
	challenges repository.Repository
	devices    devicetrust.Store
	sender     Sender
	sessions   SessionIssuer
	handoff    HandoffTokens
	subs       Subscriptions
	audit      audit.AuditLogger
	events     telemetry.EventEmitter
	log        *zap.Logger
	tracer     trace.Tracer
	metrics    *engineMetrics
	cfg        Config
	now        func() time.Time
	newToken   func() (string, error)
	newID      func() string
}

// NewEngine validates deps and returns an Engine. Zero Config fields fall back to defaults
// (2m TTL, 3 pending, 24h retention, 60s redeem window).
func NewEngine(deps Deps, cfg Config) (*Engine, error) {
	if deps.Challenges == nil || deps.Devices == nil || deps.Sender == nil || deps.Sessions == nil || deps.Handoff == nil {
		return nil, errors.New("pushauth: challenges, devices, sender, sessions and handoff are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = repository.DefaultChallengeTTL
	}
	if cfg.MaxPending < 1 {
		cfg.MaxPending = 3
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.RedeemWindow <= 0 {
		cfg.RedeemWindow = time.Minute
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	m, err := newEngineMetrics(otel.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	return &Engine{
		challenges: deps.Challenges,
		devices:    deps.Devices,
		sender:     deps.Sender,
		sessions:   deps.Sessions,
		handoff:    deps.Handoff,
		subs:       deps.Subscriptions,
		audit:      deps.Audit,
		events:     deps.Telemetry,
		log:        log.Named("pushauth"),
		tracer:     otel.Tracer(instrumentationName),
		metrics:    m,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		newToken:   defaultToken,
		newID:      defaultID,
	}, nil
}

// TTL returns the configured challenge lifetime.
func (e *Engine) TTL() time.Duration { return e.cfg.TTL }

func (e *Engine) logAudit(ctx context.Context, userID, action, resource, metadata string) {
	if e.audit != nil {
		e.audit.LogEvent(ctx, userID, action, resource, metadata)
	}
}

func (e *Engine) emit(ev *telemetry.Event) {
	telemetry.EmitAsync(e.events, e.log, ev)
}
