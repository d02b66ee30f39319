package wa

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendTextSuccess(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"wa_id":"628111"}],"messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL + "/"}, testLogger(), nil)
	id, err := client.SendText(context.Background(), SendTextRequest{
		AccessToken:   "tok",
		PhoneNumberID: "PN1",
		To:            "628111",
		Text:          "hello there",
	})
	require.NoError(t, err)
	assert.Equal(t, "wamid.out", id)
	assert.Equal(t, "/v22.0/PN1/messages", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, map[string]any{
		"messaging_product": "whatsapp",
		"to":                "628111",
		"type":              "text",
		"text":              map[string]any{"body": "hello there"},
	}, gotBody)
}

func TestSendTextCustomVersionAndMissingID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, APIVersion: "v19.0"}, testLogger(), nil)
	id, err := client.SendText(context.Background(), SendTextRequest{AccessToken: "tok", PhoneNumberID: "PN9", To: "1", Text: "x"})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, "/v19.0/PN9/messages", gotPath)
}

func TestSendTextAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid OAuth access token","code":190}}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, testLogger(), nil)
	_, err := client.SendText(context.Background(), SendTextRequest{AccessToken: "bad", PhoneNumberID: "PN1", To: "1", Text: "x"})

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "Invalid OAuth access token")
	assert.Contains(t, err.Error(), "401")
}

func TestSendTextMissingCredentialsSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, testLogger(), nil)

	_, err := client.SendText(context.Background(), SendTextRequest{PhoneNumberID: "PN1", To: "1", Text: "x"})
	assert.ErrorIs(t, err, ErrMissingAccessToken)

	_, err = client.SendText(context.Background(), SendTextRequest{AccessToken: "tok", To: "1", Text: "x"})
	assert.ErrorIs(t, err, ErrMissingPhoneNumberID)

	assert.Zero(t, calls.Load())
}

func TestSendTextTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, testLogger(), nil)
	_, err := client.SendText(context.Background(), SendTextRequest{AccessToken: "tok", PhoneNumberID: "PN1", To: "1", Text: "x"})
	assert.Error(t, err)
}
