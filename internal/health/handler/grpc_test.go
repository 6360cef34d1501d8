package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// mockPinger implements Pinger for tests.
type mockPinger struct {
	pingErr error
}

func (m *mockPinger) PingContext(context.Context) error {
	return m.pingErr
}

// mockPolicyChecker implements PolicyChecker for tests.
type mockPolicyChecker struct {
	healthErr error
}

func (m *mockPolicyChecker) HealthCheck(context.Context) error {
	return m.healthErr
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		pinger Pinger
		policy PolicyChecker
		want   healthpb.HealthCheckResponse_ServingStatus
	}{
		{"no dependencies", nil, nil, healthpb.HealthCheckResponse_SERVING},
		{"all healthy", &mockPinger{}, &mockPolicyChecker{}, healthpb.HealthCheckResponse_SERVING},
		{"database down", &mockPinger{pingErr: errors.New("refused")}, &mockPolicyChecker{}, healthpb.HealthCheckResponse_NOT_SERVING},
		{"policy broken", nil, &mockPolicyChecker{healthErr: errors.New("undefined")}, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(tt.pinger, tt.policy, nil)
			for _, service := range []string{"", ServiceName} {
				resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
				if err != nil {
					t.Fatalf("Check(%q): %v", service, err)
				}
				if resp.GetStatus() != tt.want {
					t.Errorf("Check(%q) = %v, want %v", service, resp.GetStatus(), tt.want)
				}
			}
		})
	}
}

func TestCheck_RecoversAfterFailure(t *testing.T) {
	pinger := &mockPinger{pingErr: errors.New("refused")}
	srv := NewServer(pinger, nil, nil)
	if got := srv.Refresh(context.Background()); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("Refresh = %v, want NOT_SERVING", got)
	}
	pinger.pingErr = nil
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}
}

func TestReady_JoinsErrors(t *testing.T) {
	srv := NewServer(&mockPinger{pingErr: errors.New("a")}, &mockPolicyChecker{healthErr: errors.New("b")}, nil)
	err := srv.Ready(context.Background())
	if err == nil {
		t.Fatal("Ready should fail")
	}
	assert.Contains(t, err.Error(), "database: a")
	assert.Contains(t, err.Error(), "policy: b")
}

func TestHTTPProbes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pinger := &mockPinger{}
	srv := NewServer(pinger, nil, nil)
	r := gin.New()
	r.GET("/healthz", srv.Liveness)
	r.GET("/readyz", srv.Readiness)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	pinger.pingErr = errors.New("refused")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
