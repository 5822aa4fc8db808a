// Package testutil provides test utilities for the provider package.
// It includes a scriptable mock adapter for orchestration tests.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/modelmesh/provider"
)

// Step is one scripted invocation result. Err takes precedence.
type Step struct {
	Response *provider.Response
	Err      error
}

// MockAdapter is a thread-safe scriptable adapter for testing.
// It returns scripted results in sequence, keyed per provider ID, and
// records every request for verification.
//
// Usage:
//
//	mock := testutil.NewMockAdapter("mock")
//	mock.Script("fast-cloud",
//	    testutil.Step{Err: provider.NewError(provider.KindTimeout, errors.New("deadline"))},
//	    testutil.Step{Response: &provider.Response{Content: "ok"}},
//	)
//	provider.RegisterAdapter(mock)
type MockAdapter struct {
	mu      sync.Mutex
	name    string
	scripts map[string][]Step
	cursor  map[string]int
	calls   []Call

	// Default is returned when a provider's script is exhausted or
	// absent. Nil default yields an empty success response.
	Default *Step

	// StreamChunks overrides streaming output; each string becomes one
	// chunk delta. Empty means the blocking response content is sent as
	// a single chunk.
	StreamChunks []string
}

// Call records one invocation received by the mock.
type Call struct {
	Provider string
	Model    string
	Request  provider.Request
	Stream   bool
}

// NewMockAdapter creates a mock registered under the given name.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		name:    name,
		scripts: make(map[string][]Step),
		cursor:  make(map[string]int),
	}
}

// Name implements provider.Adapter.
func (m *MockAdapter) Name() string { return m.name }

// Script sets the result sequence for one provider ID.
func (m *MockAdapter) Script(providerID string, steps ...Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[providerID] = steps
	m.cursor[providerID] = 0
}

// Invoke implements provider.Adapter.
func (m *MockAdapter) Invoke(ctx context.Context, d provider.Descriptor, req provider.Request, opts provider.Options) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := m.next(d, req, false)
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

// InvokeStream implements provider.Adapter.
func (m *MockAdapter) InvokeStream(ctx context.Context, d provider.Descriptor, req provider.Request, opts provider.Options) (<-chan provider.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := m.next(d, req, true)
	if step.Err != nil {
		return nil, step.Err
	}

	m.mu.Lock()
	deltas := append([]string(nil), m.StreamChunks...)
	m.mu.Unlock()
	if len(deltas) == 0 && step.Response != nil {
		deltas = []string{step.Response.Content}
	}

	out := make(chan provider.Chunk, len(deltas)+1)
	go func() {
		defer close(out)
		for _, delta := range deltas {
			select {
			case <-ctx.Done():
				return
			case out <- provider.Chunk{Delta: delta}:
			}
		}
		out <- provider.Chunk{Final: true}
	}()
	return out, nil
}

// next records the call and advances the provider's script.
func (m *MockAdapter) next(d provider.Descriptor, req provider.Request, stream bool) Step {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{
		Provider: d.ProviderID,
		Model:    d.ModelID,
		Request:  req,
		Stream:   stream,
	})

	steps := m.scripts[d.ProviderID]
	i := m.cursor[d.ProviderID]
	if i < len(steps) {
		m.cursor[d.ProviderID] = i + 1
		return steps[i]
	}
	if m.Default != nil {
		return *m.Default
	}
	return Step{Response: &provider.Response{Content: "mock response", Model: d.ModelID}}
}

// Calls returns a copy of every recorded invocation, in order.
func (m *MockAdapter) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns invocations received for one provider ID.
func (m *MockAdapter) CallCount(providerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Provider == providerID {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and rewinds every script.
func (m *MockAdapter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	for k := range m.cursor {
		m.cursor[k] = 0
	}
}
