package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"push-auth-control-plane/backend/internal/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAuth struct {
	token string
	err   error
}

func (f fakeAuth) Authenticate(_ context.Context, token string) (string, string, string, error) {
	if f.err != nil || token != f.token {
		return "", "", "", errors.New("invalid token")
	}
	return "sess-1", "user-1", "dev-1", nil
}

type identity struct{ user, device, session string }

func identityHandler(c *gin.Context) {
	ctx := c.Request.Context()
	u, _ := GetUserID(ctx)
	d, _ := GetDeviceID(ctx)
	s, _ := GetSessionID(ctx)
	c.JSON(http.StatusOK, gin.H{"user": u, "device": d, "session": s, "ip": ClientIP(ctx)})
}

func TestRequireAuth(t *testing.T) {
	r := gin.New()
	r.GET("/me", RequireAuth(fakeAuth{token: "good"}), identityHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"invalid token", "Bearer bad", http.StatusUnauthorized},
		{"valid", "Bearer good", http.StatusOK},
		{"case insensitive", "bearer   good ", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.JSONEq(t, `{"user":"user-1","device":"dev-1","session":"sess-1","ip":"unknown"}`, w.Body.String())
			}
		})
	}
}

func TestOptionalAuth(t *testing.T) {
	r := gin.New()
	r.GET("/maybe", OptionalAuth(fakeAuth{token: "good"}), identityHandler)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/maybe", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user":""`)

	req := httptest.NewRequest(http.MethodGet, "/maybe", nil)
	req.Header.Set("Authorization", "Bearer good")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Contains(t, w.Body.String(), `"user":"user-1"`)
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "tok", extractBearer("Bearer tok"))
	assert.Equal(t, "tok", extractBearer("  BEARER tok  "))
	assert.Equal(t, "", extractBearer("Bearer"))
	assert.Equal(t, "", extractBearer("Token tok"))
	assert.Equal(t, "", extractBearer(""))
}

func TestClientAddress(t *testing.T) {
	r := gin.New()
	r.Use(ClientAddress())
	r.GET("/ip", identityHandler)

	req := httptest.NewRequest(http.MethodGet, "/ip", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Contains(t, w.Body.String(), `"ip":"203.0.113.9"`)
}

func TestContext_Identity(t *testing.T) {
	ctx := context.Background()
	_, ok := GetUserID(ctx)
	assert.False(t, ok)
	assert.Equal(t, "unknown", ClientIP(ctx))

	ctx = WithIdentity(ctx, "u", "d", "s")
	ctx = WithClientIP(ctx, "10.0.0.1")
	u, _ := GetUserID(ctx)
	d, _ := GetDeviceID(ctx)
	s, _ := GetSessionID(ctx)
	assert.Equal(t, identity{"u", "d", "s"}, identity{u, d, s})
	assert.Equal(t, "10.0.0.1", ClientIP(ctx))
}

type auditCall struct{ userID, action, resource, metadata string }

type fakeAudit struct{ calls []auditCall }

func (f *fakeAudit) LogEvent(_ context.Context, userID, action, resource, metadata string) {
	f.calls = append(f.calls, auditCall{userID, action, resource, metadata})
}

func TestAudit(t *testing.T) {
	logger := &fakeAudit{}
	r := gin.New()
	r.Use(Audit(logger, map[string]bool{"/v1/auth/push/status/:requestId": true}))
	authed := r.Group("/", RequireAuth(fakeAuth{token: "good"}))
	authed.DELETE("/v1/auth/push/:requestId", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	authed.GET("/v1/auth/push/status/:requestId", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/v1/auth/push/respond", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(method, path string, auth bool) {
		req := httptest.NewRequest(method, path, nil)
		if auth {
			req.Header.Set("Authorization", "Bearer good")
		}
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	do(http.MethodDelete, "/v1/auth/push/req-1", true)
	do(http.MethodGet, "/v1/auth/push/status/req-1", true)
	do(http.MethodPost, "/v1/auth/push/respond", false)

	require.Len(t, logger.calls, 1)
	assert.Equal(t, auditCall{"user-1", "cancel", "push_auth", `{"status":204}`}, logger.calls[0])
}

type chanEmitter struct {
	mu     sync.Mutex
	events []*telemetry.Event
	done   chan struct{}
}

func (e *chanEmitter) Emit(_ context.Context, ev *telemetry.Event) error {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	e.done <- struct{}{}
	return nil
}

func TestTelemetry(t *testing.T) {
	em := &chanEmitter{done: make(chan struct{}, 4)}
	r := gin.New()
	r.Use(ClientAddress(), Telemetry(em, zap.NewNop(), map[string]bool{"/healthz": true}))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/v1/auth/push/initiate", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/auth/push/initiate", nil))

	select {
	case <-em.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for telemetry event")
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	require.Len(t, em.events, 1)
	ev := em.events[0]
	assert.Equal(t, EventHTTPRequest, ev.EventType)
	assert.Contains(t, string(ev.Metadata), `"route":"/v1/auth/push/initiate"`)
	assert.Contains(t, string(ev.Metadata), `"status":202`)
}

func TestRequestLogger_Levels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	r := gin.New()
	r.Use(RequestLogger(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, p := range []string{"/ok", "/bad", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "info", entries[0].Level.String())
	assert.Equal(t, "warn", entries[1].Level.String())
	assert.Equal(t, "error", entries[2].Level.String())
	assert.Equal(t, "/bad", entries[1].ContextMap()["route"])
}
