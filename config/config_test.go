package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/modelmesh/provider"
)

const sampleYAML = `providers:
  - provider_id: anthropic
    model_id: claude-sonnet-4-5
    kind: cloud
    adapter: anthropic
    capabilities: [code, long-context]
    cost_per_unit: 3.0
    max_context_size: 200000
    rate_limit: 50
  - provider_id: local-ollama
    model_id: qwen2.5-coder:32b
    kind: local
    adapter: openai
    capabilities: [code]
    cost_per_unit: 0.0
    max_context_size: 32768
    base_url: http://localhost:11434/v1
health:
  failure_threshold: 5
  cooldown: 1m
retry:
  max_retries_per_node: 2
nats:
  url: nats://localhost:4222
`

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Health.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Health.Cooldown)
	assert.Equal(t, 3, cfg.Retry.MaxRetriesPerNode)
	assert.InDelta(t, 0.4, cfg.Selection.AffinityWeight, 1e-9)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modelmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "anthropic", cfg.Providers[0].ProviderID)
	assert.Equal(t, provider.KindCloud, cfg.Providers[0].Kind)
	assert.Equal(t, 50, cfg.Providers[0].RateLimit)
	assert.Contains(t, cfg.Providers[0].Capabilities, provider.CapabilityLongContext)
	assert.Equal(t, "http://localhost:11434/v1", cfg.Providers[1].BaseURL)

	// File values override defaults; untouched fields keep defaults.
	assert.Equal(t, 5, cfg.Health.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Health.Cooldown)
	assert.Equal(t, 10*time.Minute, cfg.Health.MaxCooldown)
	assert.Equal(t, 2, cfg.Retry.MaxRetriesPerNode)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestValidateRejectsBadProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = []provider.Descriptor{{ProviderID: "p"}} // missing model/kind

	require.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateEndpoints(t *testing.T) {
	d := provider.Descriptor{
		ProviderID: "p", ModelID: "m", Kind: provider.KindCloud,
		Adapter: "openai", MaxContextSize: 1000,
	}
	cfg := DefaultConfig()
	cfg.Providers = []provider.Descriptor{d, d}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestMergePrecedence(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		Health: HealthConfig{FailureThreshold: 7},
		NATS:   NATSConfig{URL: "nats://remote:4222"},
	})

	assert.Equal(t, 7, base.Health.FailureThreshold)
	assert.Equal(t, "nats://remote:4222", base.NATS.URL)
	// Untouched fields survive the merge.
	assert.Equal(t, 30*time.Second, base.Health.Cooldown)
	assert.Equal(t, 3, base.Retry.MaxRetriesPerNode)
}

func TestConversionHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Health.FailureThreshold = 4
	cfg.Retry.MaxRetriesPerNode = 5

	hc := cfg.HealthTrackerConfig()
	assert.Equal(t, 4, hc.FailureThreshold)

	p := cfg.OrchestratorPolicy()
	assert.Equal(t, 5, p.MaxRetriesPerNode)
	// Zero config fields fall back to policy defaults.
	assert.Equal(t, 500*time.Millisecond, p.BackoffBase)

	w := cfg.SelectionWeights()
	assert.InDelta(t, 0.3, w.Cost, 1e-9)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.NATS.URL = "nats://roundtrip:4222"
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://roundtrip:4222", loaded.NATS.URL)
}
