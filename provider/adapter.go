package provider

import (
	"context"
	"sync"
	"time"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines one model invocation.
type Request struct {
	// Model is the model identifier to send to the provider.
	Model string

	// Messages is the chat history to send.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// Options control how an invocation is executed.
type Options struct {
	// Streaming requests partial chunks instead of one blocking response.
	Streaming bool

	// Timeout bounds the whole invocation. 0 uses the adapter default.
	Timeout time.Duration
}

// TokenUsage represents token consumption for one invocation.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains a completed invocation result.
type Response struct {
	// Content is the generated text.
	Content string

	// Model is the actual model that served the request.
	Model string

	// Usage contains token consumption metrics when the provider reports them.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Chunk is one element of a streaming invocation. The stream is a lazy,
// finite sequence: the producer closes the channel after sending a chunk
// with Final set, or after a chunk carrying Err. Consumers may stop
// reading at any point by cancelling the invocation context.
type Chunk struct {
	// Delta is the partial content carried by this chunk.
	Delta string

	// Final marks the end-of-stream terminator.
	Final bool

	// Err terminates the stream with a classified failure.
	Err error
}

// Adapter is the uniform invocation contract wrapping one endpoint
// protocol. Implementations must be stateless and safe for concurrent
// use; they never touch health or rate records.
type Adapter interface {
	// Name returns the adapter identifier referenced by Descriptor.Adapter.
	Name() string

	// Invoke executes a blocking request and returns the full response.
	// Failures are classified *Error values.
	Invoke(ctx context.Context, d Descriptor, req Request, opts Options) (*Response, error)

	// InvokeStream executes a streaming request. The returned channel is
	// closed after the terminator or error chunk. Cancelling ctx closes
	// the stream; partial content is discarded by the caller.
	InvokeStream(ctx context.Context, d Descriptor, req Request, opts Options) (<-chan Chunk, error)
}

// adapterRegistry holds registered adapters.
var (
	adapterRegistry = make(map[string]Adapter)
	adapterMu       sync.RWMutex
)

// RegisterAdapter adds an adapter to the registry. Typically called from
// an adapter package's init().
func RegisterAdapter(a Adapter) {
	adapterMu.Lock()
	defer adapterMu.Unlock()
	adapterRegistry[a.Name()] = a
}

// GetAdapter retrieves an adapter by name. Returns nil if unknown.
func GetAdapter(name string) Adapter {
	adapterMu.RLock()
	defer adapterMu.RUnlock()
	return adapterRegistry[name]
}

// ListAdapters returns all registered adapter names.
func ListAdapters() []string {
	adapterMu.RLock()
	defer adapterMu.RUnlock()

	names := make([]string, 0, len(adapterRegistry))
	for name := range adapterRegistry {
		names = append(names, name)
	}
	return names
}
