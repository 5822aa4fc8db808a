package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/modelmesh/provider"
)

// OpenAIAdapter speaks the OpenAI chat completions API. It also covers
// Ollama, vLLM, OpenRouter and other OpenAI-compatible runtimes; point
// the descriptor's BaseURL at the runtime and set Kind accordingly.
type OpenAIAdapter struct{}

func init() {
	provider.RegisterAdapter(&OpenAIAdapter{})
}

// Name returns the adapter identifier.
func (o *OpenAIAdapter) Name() string {
	return "openai"
}

func (o *OpenAIAdapter) url(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

func (o *OpenAIAdapter) headers(d provider.Descriptor) map[string]string {
	h := map[string]string{}
	if key := apiKey(d, "OPENAI_API_KEY"); key != "" {
		h["Authorization"] = "Bearer " + key
	}
	return h
}

// openAIRequest is the OpenAI-compatible request format.
type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (o *OpenAIAdapter) buildBody(req provider.Request, stream bool) ([]byte, error) {
	apiMessages := make([]openAIMessage, len(req.Messages))
	for i, msg := range req.Messages {
		apiMessages[i] = openAIMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	body := openAIRequest{
		Model:       req.Model,
		Messages:    apiMessages,
		Temperature: req.Temperature, // nil = use default, 0 = deterministic
		Stream:      stream,
	}

	// Only set max_tokens if explicitly provided
	if req.MaxTokens > 0 {
		body.MaxTokens = &req.MaxTokens
	}

	return json.Marshal(body)
}

// openAIResponse is the OpenAI-compatible response format.
type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke executes a blocking request.
func (o *OpenAIAdapter) Invoke(ctx context.Context, d provider.Descriptor, req provider.Request, opts provider.Options) (*provider.Response, error) {
	body, err := o.buildBody(req, false)
	if err != nil {
		return nil, provider.NewError(provider.KindInvalidResponse, fmt.Errorf("build request body: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, invokeTimeout(opts))
	defer cancel()

	respBody, err := doJSON(ctx, o.url(d.BaseURL), body, o.headers(d))
	if err != nil {
		return nil, err
	}

	var resp openAIResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, provider.NewError(provider.KindInvalidResponse, fmt.Errorf("parse openai response: %w", err))
	}

	if len(resp.Choices) == 0 {
		return nil, provider.NewError(provider.KindInvalidResponse, fmt.Errorf("no choices in response"))
	}

	return &provider.Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: provider.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}

// openAIStreamEvent is one SSE event in a streaming response.
type openAIStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// InvokeStream executes a streaming request. The OpenAI protocol
// terminates the stream with a literal "[DONE]" data line.
func (o *OpenAIAdapter) InvokeStream(ctx context.Context, d provider.Descriptor, req provider.Request, opts provider.Options) (<-chan provider.Chunk, error) {
	body, err := o.buildBody(req, true)
	if err != nil {
		return nil, provider.NewError(provider.KindInvalidResponse, fmt.Errorf("build request body: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, invokeTimeout(opts))

	chunks, err := streamSSE(ctx, o.url(d.BaseURL), body, o.headers(d),
		func(data string, emit func(provider.Chunk)) bool {
			if data == "[DONE]" {
				emit(provider.Chunk{Final: true})
				return true
			}
			var ev openAIStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return false
			}
			if len(ev.Choices) == 0 {
				return false
			}
			if delta := ev.Choices[0].Delta.Content; delta != "" {
				emit(provider.Chunk{Delta: delta})
			}
			return false
		})
	if err != nil {
		cancel()
		return nil, err
	}

	return cancelOnClose(chunks, cancel), nil
}
