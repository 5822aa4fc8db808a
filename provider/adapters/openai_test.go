package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/modelmesh/provider"
)

func openAIDescriptor(baseURL string) provider.Descriptor {
	return provider.Descriptor{
		ProviderID:     "local-ollama",
		ModelID:        "qwen2.5-coder:32b",
		Kind:           provider.KindLocal,
		Adapter:        "openai",
		MaxContextSize: 32768,
		BaseURL:        baseURL,
		CredentialRef:  "TEST_OPENAI_KEY",
	}
}

func chatRequest() provider.Request {
	return provider.Request{
		Model: "qwen2.5-coder:32b",
		Messages: []provider.Message{
			{Role: "user", Content: "hello"},
		},
	}
}

func TestOpenAIInvokeSuccess(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")

	var gotAuth string
	var gotBody openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Equal(t, "/chat/completions", r.URL.Path)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "qwen2.5-coder:32b",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": "hi there"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 4, "completion_tokens": 3, "total_tokens": 7},
		})
	}))
	defer srv.Close()

	adapter := &OpenAIAdapter{}
	resp, err := adapter.Invoke(context.Background(), openAIDescriptor(srv.URL), chatRequest(), provider.Options{})
	require.NoError(t, err)

	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 7, resp.Usage.TotalTokens)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "qwen2.5-coder:32b", gotBody.Model)
	assert.False(t, gotBody.Stream)
}

func TestOpenAIRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": "rate limit"}`))
	}))
	defer srv.Close()

	adapter := &OpenAIAdapter{}
	_, err := adapter.Invoke(context.Background(), openAIDescriptor(srv.URL), chatRequest(), provider.Options{})
	require.Error(t, err)

	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.KindRateLimited, pe.Kind)
	assert.Equal(t, 7*time.Second, pe.RetryAfter)
	assert.True(t, pe.Retryable())
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   provider.ErrorKind
	}{
		{http.StatusUnauthorized, provider.KindAuth},
		{http.StatusForbidden, provider.KindAuth},
		{http.StatusRequestEntityTooLarge, provider.KindContextTooLarge},
		{http.StatusInternalServerError, provider.KindProviderUnavailable},
		{http.StatusBadRequest, provider.KindInvalidResponse},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		adapter := &OpenAIAdapter{}
		_, err := adapter.Invoke(context.Background(), openAIDescriptor(srv.URL), chatRequest(), provider.Options{})
		srv.Close()

		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.want, provider.KindOf(err), "status %d", tt.status)
	}
}

func TestOpenAIInvalidResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	adapter := &OpenAIAdapter{}
	_, err := adapter.Invoke(context.Background(), openAIDescriptor(srv.URL), chatRequest(), provider.Options{})
	require.Error(t, err)
	assert.Equal(t, provider.KindInvalidResponse, provider.KindOf(err))
}

func TestOpenAIEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "x", "model": "m", "choices": []}`))
	}))
	defer srv.Close()

	adapter := &OpenAIAdapter{}
	_, err := adapter.Invoke(context.Background(), openAIDescriptor(srv.URL), chatRequest(), provider.Options{})
	require.Error(t, err)
	assert.Equal(t, provider.KindInvalidResponse, provider.KindOf(err))
}

func TestOpenAIStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			`data: {"choices":[{"delta":{"content":"hel"}}]}` + "\n\n" +
				`data: {"choices":[{"delta":{"content":"lo"}}]}` + "\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	adapter := &OpenAIAdapter{}
	chunks, err := adapter.InvokeStream(context.Background(), openAIDescriptor(srv.URL), chatRequest(), provider.Options{})
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
	assert.Equal(t, "hello", content)
	assert.True(t, sawFinal, "stream must end with a final chunk")
}

func TestOpenAIStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"partial"}}]}` + "\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release // hold the stream open until the client goes away
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	adapter := &OpenAIAdapter{}
	chunks, err := adapter.InvokeStream(ctx, openAIDescriptor(srv.URL), chatRequest(), provider.Options{})
	require.NoError(t, err)

	first, ok := <-chunks
	require.True(t, ok)
	assert.Equal(t, "partial", first.Delta)

	cancel()

	// The stream closes after cancellation, possibly after an error chunk.
	for c := range chunks {
		if c.Err != nil {
			assert.True(t, errors.Is(c.Err, context.Canceled) || provider.KindOf(c.Err) == provider.KindProviderUnavailable)
		}
	}
}

func TestOpenAIURLNormalization(t *testing.T) {
	adapter := &OpenAIAdapter{}

	assert.Equal(t, "https://api.openai.com/v1/chat/completions", adapter.url(""))
	assert.Equal(t, "http://localhost:11434/v1/chat/completions", adapter.url("http://localhost:11434/v1"))
	assert.Equal(t, "http://localhost:11434/v1/chat/completions", adapter.url("http://localhost:11434/v1/"))
	assert.Equal(t, "http://host/v1/chat/completions", adapter.url("http://host/v1/chat/completions"))
}
