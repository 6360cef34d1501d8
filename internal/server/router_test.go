package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	audithandler "push-auth-control-plane/backend/internal/audit/handler"
	auditrepo "push-auth-control-plane/backend/internal/audit/repository"
	healthhandler "push-auth-control-plane/backend/internal/health/handler"
	pushauthhandler "push-auth-control-plane/backend/internal/pushauth/handler"
)

type stubAuth struct{}

func (stubAuth) Authenticate(_ context.Context, token string) (string, string, string, error) {
	if token == "good" {
		return "sess-1", "user-1", "dev-1", nil
	}
	return "", "", "", errors.New("bad token")
}

type failingPinger struct{}

func (failingPinger) PingContext(context.Context) error { return errors.New("connection refused") }

type recordingAudit struct{ actions []string }

func (r *recordingAudit) LogEvent(_ context.Context, userID, action, resource, metadata string) {
	r.actions = append(r.actions, action+":"+resource)
}

func newRouter(health *healthhandler.Server, auditLogger *recordingAudit) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(RouterDeps{
		ServiceName: "push-auth-test",
		Auth:        stubAuth{},
		AuditLogger: auditLogger,
		Health:      health,
		PushAuth:    pushauthhandler.NewHandler(nil, nil, pushauthhandler.Options{VAPIDPublicKey: "BPub"}, nil),
		Audit:       audithandler.NewHandler(auditrepo.NewMemoryRepository(), nil),
	})
}

func serve(r *gin.Engine, method, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_Probes(t *testing.T) {
	r := newRouter(healthhandler.NewServer(nil, nil, nil), &recordingAudit{})
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/readyz", "").Code)

	down := newRouter(healthhandler.NewServer(failingPinger{}, nil, nil), &recordingAudit{})
	assert.Equal(t, http.StatusOK, serve(down, http.MethodGet, "/healthz", "").Code)
	w := serve(down, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "database")
}

func TestRouter_AuthGuards(t *testing.T) {
	r := newRouter(healthhandler.NewServer(nil, nil, nil), &recordingAudit{})
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/v1/auth/push/vapid-key", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/v1/auth/push/subscriptions", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodDelete, "/v1/auth/push/some-request", "bad").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/v1/audit", "").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/v1/audit", "good").Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/v1/devices", "good").Code, "unmounted handler")
}

func TestRouter_AuditsAuthenticatedRequests(t *testing.T) {
	rec := &recordingAudit{}
	r := newRouter(healthhandler.NewServer(nil, nil, nil), rec)

	serve(r, http.MethodGet, "/v1/auth/push/vapid-key", "")
	serve(r, http.MethodGet, "/v1/audit", "good")
	assert.Empty(t, rec.actions, "anonymous and skipped routes are not audited")

	serve(r, http.MethodGet, "/v1/auth/push/vapid-key", "good")
	assert.Empty(t, rec.actions, "optional identity is only resolved on guarded routes")
}
