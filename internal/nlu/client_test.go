package nlu

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type completionCapture struct {
	calls   atomic.Int32
	request map[string]any
}

func newCompletionServer(t *testing.T, status int, content string, capture *completionCapture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if capture != nil {
			capture.calls.Add(1)
			_ = json.NewDecoder(r.Body).Decode(&capture.request)
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateReplyUnconfigured(t *testing.T) {
	client := New(Config{}, testLogger(), nil)
	assert.False(t, client.Enabled())
	assert.Equal(t, DefaultFallbackReply, client.GenerateReply(context.Background(), BusinessProfile{}, "hi"))
}

func TestGenerateReplySuccess(t *testing.T) {
	capture := &completionCapture{}
	srv := newCompletionServer(t, http.StatusOK, "  We open at 9am.  ", capture)

	client := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, testLogger(), nil)
	require.True(t, client.Enabled())

	reply := client.GenerateReply(context.Background(), BusinessProfile{Name: "Acme Salon", WorkingHours: "9-17"}, "when do you open?")
	assert.Equal(t, "We open at 9am.", reply)
	assert.EqualValues(t, 1, capture.calls.Load())

	assert.Equal(t, "gpt-4o-mini", capture.request["model"])
	assert.InDelta(t, 0.2, capture.request["temperature"], 0.0001)
	assert.EqualValues(t, 150, capture.request["max_tokens"])

	messages, ok := capture.request["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	system := messages[0].(map[string]any)
	user := messages[1].(map[string]any)
	assert.Equal(t, "system", system["role"])
	assert.Equal(t, DefaultSystemPrompt, system["content"])
	assert.Contains(t, user["content"], "Business name: Acme Salon")
	assert.Contains(t, user["content"], "CUSTOMER_MESSAGE: when do you open?")
}

func TestGenerateReplyZeroTemperature(t *testing.T) {
	capture := &completionCapture{}
	srv := newCompletionServer(t, http.StatusOK, "ok", capture)

	zero := float32(0)
	client := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Temperature: &zero}, testLogger(), nil)
	assert.Equal(t, "ok", client.GenerateReply(context.Background(), BusinessProfile{}, "hi"))

	require.Contains(t, capture.request, "temperature")
	assert.InDelta(t, 0, capture.request["temperature"], 0.0001)
}

func TestGenerateReplyUpstreamError(t *testing.T) {
	srv := newCompletionServer(t, http.StatusInternalServerError, "", nil)
	client := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, testLogger(), nil)

	assert.Equal(t, DefaultFallbackReply, client.GenerateReply(context.Background(), BusinessProfile{}, "hi"))
}

func TestGenerateReplyEmptyCompletion(t *testing.T) {
	srv := newCompletionServer(t, http.StatusOK, "   ", nil)
	client := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, testLogger(), nil)

	assert.Equal(t, DefaultEmptyReply, client.GenerateReply(context.Background(), BusinessProfile{}, "hi"))
}

func TestGenerateReplyPromptOverrides(t *testing.T) {
	client := New(Config{Prompts: Prompts{Fallback: "Owner will reply soon."}}, testLogger(), nil)
	assert.Equal(t, "Owner will reply soon.", client.GenerateReply(context.Background(), BusinessProfile{}, "hi"))
}

func TestBuildBusinessContextMarksBlanks(t *testing.T) {
	ctx := BuildBusinessContext(BusinessProfile{Name: "Acme", Services: "Haircut 10 USD"})
	lines := strings.Split(ctx, "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "Business name: Acme", lines[0])
	assert.Equal(t, "Description: Not provided", lines[1])
	assert.Equal(t, "Services and prices: Haircut 10 USD", lines[2])
	assert.Equal(t, "Contact phone: Not provided", lines[5])
}

func TestBuildUserPrompt(t *testing.T) {
	prompt := BuildUserPrompt(BusinessProfile{}, " hello ")
	assert.True(t, strings.HasPrefix(prompt, "BUSINESS_DATA:\nBusiness name: Not provided"))
	assert.True(t, strings.HasSuffix(prompt, "\n\nCUSTOMER_MESSAGE: hello\n\nWrite a direct customer reply now."))
}
