package loki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureServer(t *testing.T, status int) (*httptest.Server, *PushRequest) {
	t.Helper()
	var got PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestNewClient_EmptyURL(t *testing.T) {
	_, err := NewClient("  ", nil)
	assert.ErrorIs(t, err, ErrNoBaseURL)
}

func TestPushEventJSON_LabelsAndTimestamp(t *testing.T) {
	srv, got := captureServer(t, http.StatusNoContent)
	c, err := NewClient(srv.URL+"/", nil)
	require.NoError(t, err)

	raw := []byte(`{"userId":"u1","eventType":"push_auth.challenge_created","source":"push-auth-server","createdAt":"2026-03-01T10:00:00Z"}`)
	require.NoError(t, c.PushEventJSON(context.Background(), raw))

	require.Len(t, got.Streams, 1)
	s := got.Streams[0]
	assert.Equal(t, map[string]string{
		"job":        Job,
		"event_type": "push_auth.challenge_created",
		"source":     "push-auth-server",
	}, s.Stream)
	require.Len(t, s.Values, 1)
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).UnixNano()
	assert.Equal(t, strconv.FormatInt(want, 10), s.Values[0][0])
	assert.Equal(t, string(raw), s.Values[0][1])
}

func TestPushEventJSON_InvalidJSON(t *testing.T) {
	srv, got := captureServer(t, http.StatusNoContent)
	c, err := NewClient(srv.URL, nil)
	require.NoError(t, err)

	require.NoError(t, c.PushEventJSON(context.Background(), []byte("not json")))
	require.Len(t, got.Streams, 1)
	assert.Equal(t, map[string]string{"job": Job}, got.Streams[0].Stream)
	assert.Equal(t, "not json", got.Streams[0].Values[0][1])
}

func TestPush_SanitizesLabels(t *testing.T) {
	srv, got := captureServer(t, http.StatusNoContent)
	c, err := NewClient(srv.URL, nil)
	require.NoError(t, err)

	require.NoError(t, c.Push(context.Background(), time.Now(), "line", map[string]string{
		"source": "web app/1",
		"empty":  "   ",
	}))
	assert.Equal(t, "web_app_1", got.Streams[0].Stream["source"])
	_, ok := got.Streams[0].Stream["empty"]
	assert.False(t, ok)
}

func TestPush_Non2xx(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadRequest)
	c, err := NewClient(srv.URL, nil)
	require.NoError(t, err)
	assert.Error(t, c.Push(context.Background(), time.Now(), "line", nil))
}
