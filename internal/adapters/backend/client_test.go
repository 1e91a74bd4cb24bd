package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/continuity/internal/app"
	"github.com/dkeye/continuity/internal/core"
	"github.com/dkeye/continuity/internal/domain"
)

func TestClientSendRoutesAndRecordsSuccess(t *testing.T) {
	t.Parallel()

	var gotHeader string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("x-openclaw-session-key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"reply":"hi"}`))
	}))
	defer srv.Close()

	reg := app.NewRegistry(true)
	s := reg.CreateOrTouch(domain.RoomContext{OverrideID: "s1"}, "alice")
	c := NewClient(srv.URL, time.Second, NewHeaderBodyEncoder("openclaw"), reg)

	out, err := c.Send(context.Background(), core.BackendRequest{
		Key:       domain.GuestSession{Identity: "alice"},
		SessionID: s.ID,
		Body:      map[string]any{"input": "hello"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"reply":"hi"}`, string(out))
	assert.Empty(t, gotHeader)
	assert.Equal(t, "guest_alice", gotBody["user"])
	assert.Equal(t, "hello", gotBody["input"])

	got, _ := reg.Get(s.ID)
	assert.EqualValues(t, 1, got.RequestCount)
}

func TestClientSessionErrorExpiresManagedSession(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"session_invalid","message":"gone"}}`))
	}))
	defer srv.Close()

	reg := app.NewRegistry(true)
	s := reg.CreateOrTouch(domain.RoomContext{OverrideID: "s1"}, "")
	c := NewClient(srv.URL, time.Second, NewHeaderBodyEncoder("openclaw"), reg)

	_, err := c.Send(context.Background(), core.BackendRequest{Key: domain.OwnerSession{}, SessionID: s.ID})
	var se *domain.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.SessionInvalid, se.Reason)
	assert.Equal(t, "s1", se.SessionID)

	got, ok := reg.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, domain.LifecycleExpired, got.State)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{401, `{"code":"token-expired"}`, func(t *testing.T, err error) {
			var ae *domain.AuthError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, domain.AuthTokenExpired, ae.Code)
			assert.Equal(t, 401, ae.Status)
		}},
		{403, ``, func(t *testing.T, err error) {
			var ae *domain.AuthError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, domain.AuthForbidden, ae.Code)
		}},
		{401, `{"code":"weird"}`, func(t *testing.T, err error) {
			var ae *domain.AuthError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, domain.AuthUnauthorized, ae.Code)
		}},
		{404, ``, func(t *testing.T, err error) {
			var se *domain.SessionError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, domain.SessionNotFound, se.Reason)
		}},
		{410, ``, func(t *testing.T, err error) {
			var se *domain.SessionError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, domain.SessionExpired, se.Reason)
		}},
		{500, `{"message":"overloaded"}`, func(t *testing.T, err error) {
			assert.False(t, domain.IsAuthError(err))
			assert.False(t, domain.IsSessionError(err))
			assert.Contains(t, err.Error(), "overloaded")
		}},
	}
	for _, tt := range tests {
		tt.check(t, classify(tt.status, []byte(tt.body), "s1"))
	}
}
