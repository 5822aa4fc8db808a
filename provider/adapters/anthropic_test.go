package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/modelmesh/provider"
)

func anthropicDescriptor(baseURL string) provider.Descriptor {
	return provider.Descriptor{
		ProviderID:     "anthropic",
		ModelID:        "claude-sonnet-4-5",
		Kind:           provider.KindCloud,
		Adapter:        "anthropic",
		MaxContextSize: 200000,
		BaseURL:        baseURL,
		CredentialRef:  "TEST_ANTHROPIC_KEY",
	}
}

func TestAnthropicInvokeSuccess(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "key-123")

	var gotKey, gotVersion string
	var gotBody anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Equal(t, "/v1/messages", r.URL.Path)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":   "msg-1",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": "hello "},
				{"type": "text", "text": "world"},
			},
			"model":       "claude-sonnet-4-5",
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	req := provider.Request{
		Model: "claude-sonnet-4-5",
		Messages: []provider.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hello"},
		},
	}

	adapter := &AnthropicAdapter{}
	resp, err := adapter.Invoke(context.Background(), anthropicDescriptor(srv.URL), req, provider.Options{})
	require.NoError(t, err)

	// Text blocks concatenate; usage sums both directions.
	assert.Equal(t, "hello world", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	assert.Equal(t, "key-123", gotKey)
	assert.Equal(t, anthropicVersion, gotVersion)

	// The system message moves out of band.
	assert.Equal(t, "be terse", gotBody.System)
	require.Len(t, gotBody.Messages, 1)
	assert.Equal(t, "user", gotBody.Messages[0].Role)
	assert.Equal(t, 4096, gotBody.MaxTokens, "default max_tokens applies")
}

func TestAnthropicAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "overloaded_error", "message": "overloaded"},
		})
	}))
	defer srv.Close()

	adapter := &AnthropicAdapter{}
	_, err := adapter.Invoke(context.Background(), anthropicDescriptor(srv.URL), chatRequest(), provider.Options{})
	require.Error(t, err)
	assert.Equal(t, provider.KindProviderUnavailable, provider.KindOf(err))
}

func TestAnthropicStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"event: message_start\n" +
				`data: {"type":"message_start"}` + "\n\n" +
				"event: content_block_delta\n" +
				`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"foo"}}` + "\n\n" +
				"event: content_block_delta\n" +
				`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"bar"}}` + "\n\n" +
				"event: message_stop\n" +
				`data: {"type":"message_stop"}` + "\n\n"))
	}))
	defer srv.Close()

	adapter := &AnthropicAdapter{}
	chunks, err := adapter.InvokeStream(context.Background(), anthropicDescriptor(srv.URL), chatRequest(), provider.Options{})
	require.NoError(t, err)

	var content string
	var sawFinal bool
	for c := range chunks {
		require.NoError(t, c.Err)
		content += c.Delta
		if c.Final {
			sawFinal = true
		}
	}
	assert.Equal(t, "foobar", content)
	assert.True(t, sawFinal)
}

func TestAnthropicStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			`data: {"type":"error","error":{"type":"overloaded_error","message":"too busy"}}` + "\n\n"))
	}))
	defer srv.Close()

	adapter := &AnthropicAdapter{}
	chunks, err := adapter.InvokeStream(context.Background(), anthropicDescriptor(srv.URL), chatRequest(), provider.Options{})
	require.NoError(t, err)

	var streamErr error
	for c := range chunks {
		if c.Err != nil {
			streamErr = c.Err
		}
	}
	require.Error(t, streamErr)
	assert.Equal(t, provider.KindProviderUnavailable, provider.KindOf(streamErr))
	assert.Contains(t, streamErr.Error(), "too busy")
}
