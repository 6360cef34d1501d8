package engine

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	devicedomain "push-auth-control-plane/backend/internal/device/domain"
	subscriptiondomain "push-auth-control-plane/backend/internal/subscription/domain"
)

func newEvaluator(t *testing.T, policy string) *OPAEvaluator {
	t.Helper()
	e, err := NewOPAEvaluator(context.Background(), policy, nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	return e
}

func trustedInput(now time.Time) PushInput {
	return PushInput{
		UserID:       "user-1",
		Device:       &devicedomain.Device{ID: "dev-1", Name: "Phone", Trusted: true},
		Subscription: &subscriptiondomain.Subscription{ID: "sub-1", PushAuthEnabled: true},
		MaxFailures:  5,
		Now:          now,
	}
}

func TestOPAEvaluator_HealthCheck(t *testing.T) {
	e := newEvaluator(t, "")
	if err := e.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestOPAEvaluator_DefaultPolicy(t *testing.T) {
	e := newEvaluator(t, "")
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	tests := []struct {
		name    string
		mutate  func(in *PushInput)
		allowed bool
		reasons []string
	}{
		{"trusted and enabled", nil, true, nil},
		{"untrusted device", func(in *PushInput) { in.Device.Trusted = false }, false, []string{ReasonDeviceNotTrusted}},
		{"trust lapsed", func(in *PushInput) { in.Device.TrustedUntil = &past }, false, []string{ReasonDeviceNotTrusted}},
		{"revoked device", func(in *PushInput) { in.Device.RevokedAt = &past }, false, []string{ReasonDeviceNotTrusted}},
		{"missing device", func(in *PushInput) { in.Device = nil }, false, []string{ReasonDeviceNotTrusted}},
		{"push disabled", func(in *PushInput) { in.Subscription.PushAuthEnabled = false }, false, []string{ReasonPushAuthDisabled}},
		{"failure limit", func(in *PushInput) { in.Subscription.FailedAttempts = 5 }, false, []string{ReasonTooManyFailures}},
		{"several reasons", func(in *PushInput) {
			in.Device.Trusted = false
			in.Subscription.PushAuthEnabled = false
		}, false, []string{ReasonDeviceNotTrusted, ReasonPushAuthDisabled}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := trustedInput(now)
			if tt.mutate != nil {
				tt.mutate(&in)
			}
			got, err := e.EvaluatePush(context.Background(), in)
			if err != nil {
				t.Fatalf("EvaluatePush: %v", err)
			}
			if got.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v", got.Allowed, tt.allowed)
			}
			if !slices.Equal(got.Reasons, tt.reasons) {
				t.Errorf("Reasons = %v, want %v", got.Reasons, tt.reasons)
			}
			if builtin := BuiltinDecision(in); builtin.Allowed != got.Allowed || !slices.Equal(builtin.Reasons, got.Reasons) {
				t.Errorf("BuiltinDecision = %+v, disagrees with policy %+v", builtin, got)
			}
		})
	}
}

func TestOPAEvaluator_CustomPolicy(t *testing.T) {
	policy := `package pushauth.eligibility

default allow := false

allow if {
	count(deny) == 0
}

deny contains "kiosk" if {
	input.device.name == "Kiosk"
}
`
	e := newEvaluator(t, policy)
	now := time.Now().UTC()

	in := trustedInput(now)
	in.Device.Trusted = false
	got, err := e.EvaluatePush(context.Background(), in)
	if err != nil {
		t.Fatalf("EvaluatePush: %v", err)
	}
	if !got.Allowed {
		t.Error("custom policy without trust rule should allow an untrusted device")
	}

	in = trustedInput(now)
	in.Device.Name = "Kiosk"
	got, _ = e.EvaluatePush(context.Background(), in)
	if got.Allowed || !slices.Equal(got.Reasons, []string{"kiosk"}) {
		t.Errorf("decision = %+v, want denied with kiosk", got)
	}
}

func TestOPAEvaluator_PolicyWithoutAllowFallsBack(t *testing.T) {
	e := newEvaluator(t, "package pushauth.eligibility\n\nsomething := true\n")
	in := trustedInput(time.Now().UTC())
	in.Device.Trusted = false
	got, err := e.EvaluatePush(context.Background(), in)
	if err != nil {
		t.Fatalf("EvaluatePush: %v", err)
	}
	if got.Allowed {
		t.Error("fallback must apply the built-in trust rule")
	}
	if err := e.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should fail for a policy without allow")
	}
}

func TestNewOPAEvaluator_InvalidPolicy(t *testing.T) {
	if _, err := NewOPAEvaluator(context.Background(), "package pushauth.eligibility\n\nallow if {", nil); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestLoadPolicyFile(t *testing.T) {
	got, err := LoadPolicyFile("")
	if err != nil || got != DefaultPolicy {
		t.Fatalf("LoadPolicyFile(\"\") = %q, %v; want default", got, err)
	}
	path := filepath.Join(t.TempDir(), "policy.rego")
	if err := os.WriteFile(path, []byte(DefaultPolicy), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err = LoadPolicyFile(path)
	if err != nil || got != DefaultPolicy {
		t.Errorf("LoadPolicyFile(file) = %q, %v", got, err)
	}
	if _, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.rego")); err == nil {
		t.Error("expected error for missing file")
	}
}
