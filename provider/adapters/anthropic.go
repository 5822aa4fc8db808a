package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/modelmesh/provider"
)

// AnthropicAdapter speaks the Anthropic messages API.
type AnthropicAdapter struct{}

// anthropicVersion is the API version to use.
const anthropicVersion = "2023-06-01"

func init() {
	provider.RegisterAdapter(&AnthropicAdapter{})
}

// Name returns the adapter identifier.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

func (a *AnthropicAdapter) url(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return strings.TrimSuffix(baseURL, "/") + "/v1/messages"
}

func (a *AnthropicAdapter) headers(d provider.Descriptor) map[string]string {
	h := map[string]string{"anthropic-version": anthropicVersion}
	if key := apiKey(d, "ANTHROPIC_API_KEY"); key != "" {
		h["x-api-key"] = key
	}
	return h
}

// anthropicRequest is the Anthropic API request format.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (a *AnthropicAdapter) buildBody(req provider.Request, stream bool) ([]byte, error) {
	// Anthropic takes the system prompt out of band.
	var systemPrompt string
	var apiMessages []anthropicMessage

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemPrompt = msg.Content
		} else {
			apiMessages = append(apiMessages, anthropicMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Messages:    apiMessages,
		System:      systemPrompt,
		Temperature: req.Temperature, // nil = use default, 0 = deterministic
		Stream:      stream,
	}

	return json.Marshal(body)
}

// anthropicResponse is the Anthropic API response format.
type anthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Invoke executes a blocking request.
func (a *AnthropicAdapter) Invoke(ctx context.Context, d provider.Descriptor, req provider.Request, opts provider.Options) (*provider.Response, error) {
	body, err := a.buildBody(req, false)
	if err != nil {
		return nil, provider.NewError(provider.KindInvalidResponse, fmt.Errorf("build request body: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, invokeTimeout(opts))
	defer cancel()

	respBody, err := doJSON(ctx, a.url(d.BaseURL), body, a.headers(d))
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, provider.NewError(provider.KindInvalidResponse, fmt.Errorf("parse anthropic response: %w", err))
	}
	if resp.Error != nil {
		kind := provider.KindInvalidResponse
		if resp.Error.Type == "overloaded_error" {
			kind = provider.KindProviderUnavailable
		}
		return nil, provider.NewError(kind, fmt.Errorf("anthropic: %s", resp.Error.Message))
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	totalTokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
	return &provider.Response{
		Content: content,
		Model:   resp.Model,
		Usage: provider.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      totalTokens,
		},
		FinishReason: resp.StopReason,
	}, nil
}

// anthropicStreamEvent is one SSE event in a streaming response.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// InvokeStream executes a streaming request.
func (a *AnthropicAdapter) InvokeStream(ctx context.Context, d provider.Descriptor, req provider.Request, opts provider.Options) (<-chan provider.Chunk, error) {
	body, err := a.buildBody(req, true)
	if err != nil {
		return nil, provider.NewError(provider.KindInvalidResponse, fmt.Errorf("build request body: %w", err))
	}

	// The stream deadline covers the whole consumption, not one chunk.
	ctx, cancel := context.WithTimeout(ctx, invokeTimeout(opts))

	chunks, err := streamSSE(ctx, a.url(d.BaseURL), body, a.headers(d),
		func(data string, emit func(provider.Chunk)) bool {
			var ev anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				// Skip malformed keepalive noise rather than killing the stream.
				return false
			}
			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					emit(provider.Chunk{Delta: ev.Delta.Text})
				}
			case "message_stop":
				emit(provider.Chunk{Final: true})
				return true
			case "error":
				msg := "stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				emit(provider.Chunk{Err: provider.NewError(provider.KindProviderUnavailable, fmt.Errorf("anthropic: %s", msg))})
				return true
			}
			return false
		})
	if err != nil {
		cancel()
		return nil, err
	}

	return cancelOnClose(chunks, cancel), nil
}
