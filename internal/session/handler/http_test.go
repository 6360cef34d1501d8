package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"push-auth-control-plane/backend/internal/security"
	"push-auth-control-plane/backend/internal/server/middleware"
	sessionrepo "push-auth-control-plane/backend/internal/session/repository"
	sessionservice "push-auth-control-plane/backend/internal/session/service"
)

func setup(t *testing.T) (*gin.Engine, *sessionservice.Issuer, *sessionrepo.MemoryRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tp, err := security.NewTestTokenProvider()
	require.NoError(t, err)
	repo := sessionrepo.NewMemoryRepository()
	issuer := sessionservice.NewIssuer(repo, tp, time.Hour)
	h := NewHandler(issuer, repo, nil, nil, nil)

	r := gin.New()
	h.Register(r.Group("/v1/auth/session", middleware.OptionalAuth(issuer)), r.Group("/v1/sessions", middleware.RequireAuth(issuer)))
	return r, issuer, repo
}

func call(r *gin.Engine, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRefresh(t *testing.T) {
	r, issuer, _ := setup(t)
	tokens, err := issuer.IssueSession(context.Background(), sessionservice.IssueRequest{UserID: "user-1"})
	require.NoError(t, err)

	w := call(r, http.MethodPost, "/v1/auth/session/refresh", map[string]string{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(r, http.MethodPost, "/v1/auth/session/refresh", map[string]string{"refreshToken": "garbage"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = call(r, http.MethodPost, "/v1/auth/session/refresh", map[string]string{"refreshToken": tokens.RefreshToken}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, tokens.SessionID, out["sessionId"])
	assert.NotEqual(t, tokens.RefreshToken, out["refreshToken"])

	// The rotated-out token is now a replay.
	w = call(r, http.MethodPost, "/v1/auth/session/refresh", map[string]string{"refreshToken": tokens.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogout(t *testing.T) {
	r, issuer, repo := setup(t)
	byRefresh, err := issuer.IssueSession(context.Background(), sessionservice.IssueRequest{UserID: "user-1"})
	require.NoError(t, err)
	byBearer, err := issuer.IssueSession(context.Background(), sessionservice.IssueRequest{UserID: "user-1"})
	require.NoError(t, err)

	w := call(r, http.MethodPost, "/v1/auth/session/logout", map[string]string{"refreshToken": byRefresh.RefreshToken}, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = call(r, http.MethodPost, "/v1/auth/session/logout", nil, byBearer.AccessToken)
	assert.Equal(t, http.StatusNoContent, w.Code)

	for _, id := range []string{byRefresh.SessionID, byBearer.SessionID} {
		s, _ := repo.GetByID(context.Background(), id)
		require.NotNil(t, s)
		assert.NotNil(t, s.RevokedAt, "session %s should be revoked", id)
	}

	w = call(r, http.MethodPost, "/v1/auth/session/logout", map[string]string{"refreshToken": "unknown"}, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestListAndRevokeSessions(t *testing.T) {
	r, issuer, _ := setup(t)
	current, err := issuer.IssueSession(context.Background(), sessionservice.IssueRequest{UserID: "user-1"})
	require.NoError(t, err)
	other, err := issuer.IssueSession(context.Background(), sessionservice.IssueRequest{UserID: "user-1"})
	require.NoError(t, err)
	stranger, err := issuer.IssueSession(context.Background(), sessionservice.IssueRequest{UserID: "user-2"})
	require.NoError(t, err)

	w := call(r, http.MethodGet, "/v1/sessions", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = call(r, http.MethodGet, "/v1/sessions", nil, current.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Sessions []sessionView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Sessions, 2)
	for _, s := range out.Sessions {
		assert.Equal(t, s.ID == current.SessionID, s.Current)
		assert.True(t, s.Active)
	}

	w = call(r, http.MethodDelete, "/v1/sessions/"+stranger.SessionID, nil, current.AccessToken)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call(r, http.MethodDelete, "/v1/sessions/"+other.SessionID, nil, current.AccessToken)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = call(r, http.MethodGet, "/v1/sessions", nil, other.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "revoked session must no longer authenticate")
}
