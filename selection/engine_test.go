package selection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/modelmesh/health"
	"github.com/c360studio/modelmesh/provider"
	"github.com/c360studio/modelmesh/task"
)

func codeProvider(id string, cost float64) provider.Descriptor {
	return provider.Descriptor{
		ProviderID:     id,
		ModelID:        "model-" + id,
		Kind:           provider.KindCloud,
		Adapter:        "mock",
		Capabilities:   []provider.Capability{provider.CapabilityCode},
		CostPerUnit:    cost,
		MaxContextSize: 100000,
	}
}

// deterministic removes jitter so ranking follows the scored terms only.
func deterministic() Option {
	return WithWeights(Weights{Affinity: 0.4, Cost: 0.3, Latency: 0.2, Jitter: 0})
}

func TestSelectPrefersCategoryAffinity(t *testing.T) {
	a := codeProvider("with-code", 0.5)
	b := codeProvider("no-code", 0.5)
	b.Capabilities = nil

	tracker := health.NewTracker(health.DefaultConfig())
	engine := NewEngine([]provider.Descriptor{b, a}, tracker, deterministic())

	// Generation prefers the code capability; identical cost and latency.
	ranked, err := engine.Select(task.New(task.CategoryGeneration, "write a parser"), SelectOptions{})
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "with-code", ranked[0].Descriptor.ProviderID)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestSelectFiltersRequiredCapabilities(t *testing.T) {
	a := codeProvider("a", 0.5)
	b := codeProvider("b", 0.1)
	b.Capabilities = []provider.Capability{provider.CapabilityVision}

	engine := NewEngine([]provider.Descriptor{a, b}, nil, deterministic())

	tk := task.New(task.CategoryGeneration, "payload",
		task.WithConstraints(task.Constraints{
			RequiredCapabilities: []provider.Capability{provider.CapabilityCode},
		}))

	ranked, err := engine.Select(tk, SelectOptions{})
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "a", ranked[0].Descriptor.ProviderID)
}

func TestSelectFiltersContextSize(t *testing.T) {
	small := codeProvider("small", 0.1)
	small.MaxContextSize = 10
	big := codeProvider("big", 0.9)

	engine := NewEngine([]provider.Descriptor{small, big}, nil, deterministic())

	// ~250 estimated tokens exceeds the small provider's window.
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = 'x'
	}
	ranked, err := engine.Select(task.New(task.CategoryGeneration, string(payload)), SelectOptions{})
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "big", ranked[0].Descriptor.ProviderID)
}

func TestSelectFiltersCostCeiling(t *testing.T) {
	cheap := codeProvider("cheap", 0.01)
	pricey := codeProvider("pricey", 5.0)

	engine := NewEngine([]provider.Descriptor{pricey, cheap}, nil, deterministic())

	tk := task.New(task.CategoryGeneration, "payload",
		task.WithConstraints(task.Constraints{MaxCostPerUnit: 1.0}))

	ranked, err := engine.Select(tk, SelectOptions{})
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "cheap", ranked[0].Descriptor.ProviderID)
}

func TestSelectSkipsUnavailableProviders(t *testing.T) {
	a := codeProvider("a", 0.5)
	b := codeProvider("b", 0.5)

	tracker := health.NewTracker(health.Config{FailureThreshold: 1})
	engine := NewEngine([]provider.Descriptor{a, b}, tracker, deterministic())

	tracker.RecordOutcome("a", provider.Invocation{Outcome: provider.OutcomeFailure})

	ranked, err := engine.Select(task.New(task.CategoryGeneration, "payload"), SelectOptions{})
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "b", ranked[0].Descriptor.ProviderID)
}

func TestSelectNoProviderAvailable(t *testing.T) {
	a := codeProvider("a", 0.5)

	tracker := health.NewTracker(health.Config{FailureThreshold: 1})
	engine := NewEngine([]provider.Descriptor{a}, tracker, deterministic())
	tracker.RecordOutcome("a", provider.Invocation{Outcome: provider.OutcomeFailure})

	_, err := engine.Select(task.New(task.CategoryGeneration, "payload"), SelectOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
}

func TestSelectExcludeSet(t *testing.T) {
	a := codeProvider("a", 0.5)
	b := codeProvider("b", 0.5)

	engine := NewEngine([]provider.Descriptor{a, b}, nil, deterministic())

	ranked, err := engine.Select(task.New(task.CategoryGeneration, "payload"),
		SelectOptions{Exclude: map[string]bool{"a": true}})
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "b", ranked[0].Descriptor.ProviderID)
}

func TestSelectTieBreakIsDeclarationOrder(t *testing.T) {
	// Identical descriptors except the id: same score, declaration wins.
	first := codeProvider("first", 0.5)
	second := codeProvider("second", 0.5)

	engine := NewEngine([]provider.Descriptor{first, second}, nil, deterministic())

	for i := 0; i < 10; i++ {
		ranked, err := engine.Select(task.New(task.CategoryGeneration, "payload"), SelectOptions{})
		require.NoError(t, err)
		assert.Equal(t, "first", ranked[0].Descriptor.ProviderID)
	}
}

func TestSelectSeededJitterIsReproducible(t *testing.T) {
	descriptors := []provider.Descriptor{
		codeProvider("a", 0.5),
		codeProvider("b", 0.5),
		codeProvider("c", 0.5),
	}

	run := func() []string {
		engine := NewEngine(descriptors, nil, WithSeed(42))
		ranked, err := engine.Select(task.New(task.CategoryGeneration, "payload"), SelectOptions{})
		require.NoError(t, err)
		ids := make([]string, len(ranked))
		for i, c := range ranked {
			ids[i] = c.Descriptor.ProviderID
		}
		return ids
	}

	assert.Equal(t, run(), run())
}

func TestSelectCheapProviderWinsOnCost(t *testing.T) {
	cheap := codeProvider("cheap", 0.1)
	pricey := codeProvider("pricey", 0.9)

	engine := NewEngine([]provider.Descriptor{pricey, cheap}, nil, deterministic())

	tk := task.New(task.CategoryGeneration, "payload",
		task.WithConstraints(task.Constraints{MaxCostPerUnit: 1.0}))

	ranked, err := engine.Select(tk, SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cheap", ranked[0].Descriptor.ProviderID)
}

func TestSelectLatencyBiasesRanking(t *testing.T) {
	fast := codeProvider("fast", 0.5)
	slow := codeProvider("slow", 0.5)

	tracker := health.NewTracker(health.DefaultConfig())
	engine := NewEngine([]provider.Descriptor{slow, fast}, tracker, deterministic())

	tracker.RecordOutcome("fast", provider.Invocation{Outcome: provider.OutcomeSuccess, Duration: 50 * time.Millisecond})
	tracker.RecordOutcome("slow", provider.Invocation{Outcome: provider.OutcomeSuccess, Duration: 5 * time.Second})

	ranked, err := engine.Select(task.New(task.CategoryGeneration, "payload"), SelectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fast", ranked[0].Descriptor.ProviderID)
}

func TestSetDescriptorsReplacesTable(t *testing.T) {
	engine := NewEngine([]provider.Descriptor{codeProvider("old", 0.5)}, nil, deterministic())

	engine.SetDescriptors([]provider.Descriptor{codeProvider("new", 0.5)})

	ranked, err := engine.Select(task.New(task.CategoryGeneration, "payload"), SelectOptions{})
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "new", ranked[0].Descriptor.ProviderID)
}
