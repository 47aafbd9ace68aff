package relayapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pairing/code", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req CreateCodeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "initiator-1", req.InitiatorDeviceID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(CreateCodeResponse{Code: "123456", ExpiresAt: "2026-01-01T00:01:00Z"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.CreateCode(context.Background(), CreateCodeRequest{InitiatorDeviceID: "initiator-1"})
	require.NoError(t, err)
	assert.Equal(t, "123456", resp.Code)
}

func TestClaimCodeStatusMapping(t *testing.T) {
	for _, tc := range []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrCodeNotFound},
		{http.StatusConflict, ErrCodeAlreadyClaimed},
		{http.StatusGone, ErrCodeExpired},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := New(srv.URL)
		_, err := c.ClaimCode(context.Background(), ClaimCodeRequest{Code: "000000"})
		assert.ErrorIs(t, err, tc.want)
		srv.Close()
	}
}

func TestPollChallengeNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("challenge not available"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.PollChallenge(context.Background(), "000000", "initiator-1")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestPollAckReturnsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "responder-1", r.URL.Query().Get("responder_device_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ack":{"challenge_id":"abc"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	raw, err := c.PollAck(context.Background(), "000000", "responder-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"challenge_id":"abc"}`, string(raw))
}

func TestPostChallengeSendsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pairing/code/000000/challenge", r.URL.Path)
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "challenge")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.PostChallenge(context.Background(), "000000", "responder-1", json.RawMessage(`{"challenge_id":"abc"}`))
	require.NoError(t, err)
}
