package engine

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"
)

const policyQuery = "data.pushauth.eligibility"

// DefaultPolicy allows a subscription when its device is effectively trusted, push auth is enabled on it,
// and it is below the delivery failure limit. Custom policies must keep the package name and expose
// allow and deny.
const DefaultPolicy = `package pushauth.eligibility

default allow := false

allow if {
	count(deny) == 0
}

deny contains "device_not_trusted" if {
	not input.device.is_effectively_trusted
}

deny contains "push_auth_disabled" if {
	not input.subscription.push_auth_enabled
}

deny contains "too_many_failures" if {
	input.subscription.failed_attempts >= input.limits.max_failures
}
`

// Deny reasons used by the built-in fallback; they match DefaultPolicy.
const (
	ReasonDeviceNotTrusted = "device_not_trusted"
	ReasonPushAuthDisabled = "push_auth_disabled"
	ReasonTooManyFailures  = "too_many_failures"
)

// OPAEvaluator evaluates push eligibility with a Rego policy compiled once at construction.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
	log   *zap.Logger
}

// NewOPAEvaluator compiles policy (DefaultPolicy when empty) and returns an evaluator.
// It fails fast on policies that do not compile.
func NewOPAEvaluator(ctx context.Context, policy string, log *zap.Logger) (*OPAEvaluator, error) {
	if policy == "" {
		policy = DefaultPolicy
	}
	if log == nil {
		log = zap.NewNop()
	}
	q, err := rego.New(
		rego.Query(policyQuery),
		rego.Module("push_eligibility.rego", policy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile push policy: %w", err)
	}
	return &OPAEvaluator{query: q, log: log}, nil
}

// LoadPolicyFile reads a Rego policy from path. An empty path yields DefaultPolicy.
func LoadPolicyFile(path string) (string, error) {
	if path == "" {
		return DefaultPolicy, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read push policy: %w", err)
	}
	return string(b), nil
}

// HealthCheck evaluates the compiled policy against a minimal input. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.eval(ctx, buildInput(PushInput{MaxFailures: 1, Now: time.Now().UTC()}))
	return err
}

// EvaluatePush evaluates the policy for one subscription. When evaluation fails the built-in rule is
// applied and the failure is logged, so a broken custom policy never widens eligibility.
func (e *OPAEvaluator) EvaluatePush(ctx context.Context, in PushInput) (PushDecision, error) {
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	d, err := e.eval(ctx, buildInput(in))
	if err != nil {
		e.log.Warn("push policy evaluation failed, using built-in rule", zap.Error(err))
		return BuiltinDecision(in), nil
	}
	return d, nil
}

func (e *OPAEvaluator) eval(ctx context.Context, input map[string]interface{}) (PushDecision, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return PushDecision{}, fmt.Errorf("eval push policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return PushDecision{}, fmt.Errorf("push policy query returned no result")
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return PushDecision{}, fmt.Errorf("push policy returned %T, want object", rs[0].Expressions[0].Value)
	}
	allowed, ok := doc["allow"].(bool)
	if !ok {
		return PushDecision{}, fmt.Errorf("push policy does not define allow")
	}
	out := PushDecision{Allowed: allowed}
	if deny, ok := doc["deny"].([]interface{}); ok {
		for _, r := range deny {
			if s, ok := r.(string); ok {
				out.Reasons = append(out.Reasons, s)
			}
		}
		slices.Sort(out.Reasons)
	}
	return out, nil
}

func buildInput(in PushInput) map[string]interface{} {
	deviceMap := map[string]interface{}{
		"id":                     "",
		"name":                   "",
		"trusted":                false,
		"trusted_until":          nil,
		"revoked_at":             nil,
		"is_effectively_trusted": false,
	}
	if d := in.Device; d != nil {
		deviceMap["id"] = d.ID
		deviceMap["name"] = d.Name
		deviceMap["trusted"] = d.Trusted
		if d.TrustedUntil != nil {
			deviceMap["trusted_until"] = d.TrustedUntil.Format(time.RFC3339)
		}
		if d.RevokedAt != nil {
			deviceMap["revoked_at"] = d.RevokedAt.Format(time.RFC3339)
		}
		deviceMap["is_effectively_trusted"] = d.IsEffectivelyTrusted(in.Now)
	}

	subMap := map[string]interface{}{
		"id":                "",
		"device_name":       "",
		"push_auth_enabled": false,
		"failed_attempts":   0,
	}
	if s := in.Subscription; s != nil {
		subMap["id"] = s.ID
		subMap["device_name"] = s.DeviceName
		subMap["push_auth_enabled"] = s.PushAuthEnabled
		subMap["failed_attempts"] = s.FailedAttempts
	}

	return map[string]interface{}{
		"user":         map[string]interface{}{"id": in.UserID},
		"device":       deviceMap,
		"subscription": subMap,
		"limits":       map[string]interface{}{"max_failures": in.MaxFailures},
		"now":          in.Now.Format(time.RFC3339),
	}
}

// BuiltinDecision applies DefaultPolicy's rules in Go.
func BuiltinDecision(in PushInput) PushDecision {
	var reasons []string
	if !in.Device.IsEffectivelyTrusted(in.Now) {
		reasons = append(reasons, ReasonDeviceNotTrusted)
	}
	if in.Subscription == nil || !in.Subscription.PushAuthEnabled {
		reasons = append(reasons, ReasonPushAuthDisabled)
	}
	if in.Subscription != nil && in.Subscription.FailedAttempts >= in.MaxFailures {
		reasons = append(reasons, ReasonTooManyFailures)
	}
	slices.Sort(reasons)
	return PushDecision{Allowed: len(reasons) == 0, Reasons: reasons}
}
