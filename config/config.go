// Package config provides configuration loading and management for
// modelmesh: provider descriptors, health and retry policy, workflow
// graph locations, and serving endpoints.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/modelmesh/health"
	"github.com/c360studio/modelmesh/orchestrator"
	"github.com/c360studio/modelmesh/provider"
	"github.com/c360studio/modelmesh/selection"
)

// Config represents the complete modelmesh configuration.
type Config struct {
	Providers []provider.Descriptor `yaml:"providers"`
	Health    HealthConfig          `yaml:"health"`
	Selection SelectionConfig       `yaml:"selection"`
	Retry     RetryConfig           `yaml:"retry"`
	Workflows WorkflowsConfig       `yaml:"workflows"`
	NATS      NATSConfig            `yaml:"nats"`
	Metrics   MetricsConfig         `yaml:"metrics"`
}

// HealthConfig configures the provider health tracker.
type HealthConfig struct {
	// FailureThreshold is the consecutive-failure count that marks a
	// provider unavailable.
	FailureThreshold int `yaml:"failure_threshold"`
	// Cooldown is the initial unavailability period.
	Cooldown time.Duration `yaml:"cooldown"`
	// CooldownMultiplier grows the cooldown on repeated probation failures.
	CooldownMultiplier float64 `yaml:"cooldown_multiplier"`
	// MaxCooldown caps the grown cooldown.
	MaxCooldown time.Duration `yaml:"max_cooldown"`
	// RateWindow is the sliding window for per-provider request quotas.
	RateWindow time.Duration `yaml:"rate_window"`
}

// SelectionConfig configures provider scoring.
type SelectionConfig struct {
	// AffinityWeight rewards category-preferred capabilities.
	AffinityWeight float64 `yaml:"affinity_weight"`
	// CostWeight rewards cheap providers.
	CostWeight float64 `yaml:"cost_weight"`
	// LatencyWeight rewards low recent latency.
	LatencyWeight float64 `yaml:"latency_weight"`
	// JitterWeight adds randomness so equal providers rotate.
	JitterWeight float64 `yaml:"jitter_weight"`
}

// RetryConfig configures per-node retry and concurrency policy.
type RetryConfig struct {
	// MaxRetriesPerNode bounds invocation attempts per workflow node.
	MaxRetriesPerNode int `yaml:"max_retries_per_node"`
	// BackoffBase is the initial same-provider retry delay.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffMax caps the grown delay.
	BackoffMax time.Duration `yaml:"backoff_max"`
	// MaxConcurrentRuns bounds parallel workflow runs.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
	// DefaultTimeout bounds one invocation when the task sets no deadline.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// WorkflowsConfig configures workflow graph loading.
type WorkflowsConfig struct {
	// Globs are doublestar patterns locating graph YAML files.
	Globs []string `yaml:"globs"`
	// Watch reloads provider descriptors and graphs on file change.
	Watch bool `yaml:"watch"`
}

// NATSConfig configures the event stream connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = events go to the log only).
	URL string `yaml:"url"`
	// SubjectPrefix overrides the default event subject prefix.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled).
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	hc := health.DefaultConfig()
	w := selection.DefaultWeights()
	p := orchestrator.DefaultPolicy()

	return &Config{
		Health: HealthConfig{
			FailureThreshold:   hc.FailureThreshold,
			Cooldown:           hc.Cooldown,
			CooldownMultiplier: hc.CooldownMultiplier,
			MaxCooldown:        hc.MaxCooldown,
			RateWindow:         hc.RateWindow,
		},
		Selection: SelectionConfig{
			AffinityWeight: w.Affinity,
			CostWeight:     w.Cost,
			LatencyWeight:  w.Latency,
			JitterWeight:   w.Jitter,
		},
		Retry: RetryConfig{
			MaxRetriesPerNode: p.MaxRetriesPerNode,
			BackoffBase:       p.BackoffBase,
			BackoffMax:        p.BackoffMax,
			MaxConcurrentRuns: p.MaxConcurrentRuns,
			DefaultTimeout:    p.DefaultTimeout,
		},
		Workflows: WorkflowsConfig{
			Globs: []string{"workflows/**/*.yaml"},
		},
		Metrics: MetricsConfig{
			Addr: ":9109",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, d := range c.Providers {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("provider config: %w", err)
		}
		if seen[d.ProviderID+"/"+d.ModelID] {
			return fmt.Errorf("duplicate provider endpoint %s", d.Name())
		}
		seen[d.ProviderID+"/"+d.ModelID] = true
	}

	if c.Health.FailureThreshold < 0 {
		return fmt.Errorf("health.failure_threshold cannot be negative")
	}
	if c.Retry.MaxRetriesPerNode < 0 {
		return fmt.Errorf("retry.max_retries_per_node cannot be negative")
	}

	weights := []float64{
		c.Selection.AffinityWeight,
		c.Selection.CostWeight,
		c.Selection.LatencyWeight,
		c.Selection.JitterWeight,
	}
	for _, w := range weights {
		if w < 0 {
			return fmt.Errorf("selection weights cannot be negative")
		}
	}

	return nil
}

// HealthTrackerConfig converts to the health package's config type.
func (c *Config) HealthTrackerConfig() health.Config {
	return health.Config{
		FailureThreshold:   c.Health.FailureThreshold,
		Cooldown:           c.Health.Cooldown,
		CooldownMultiplier: c.Health.CooldownMultiplier,
		MaxCooldown:        c.Health.MaxCooldown,
		RateWindow:         c.Health.RateWindow,
	}
}

// SelectionWeights converts to the selection package's weights type.
func (c *Config) SelectionWeights() selection.Weights {
	return selection.Weights{
		Affinity: c.Selection.AffinityWeight,
		Cost:     c.Selection.CostWeight,
		Latency:  c.Selection.LatencyWeight,
		Jitter:   c.Selection.JitterWeight,
	}
}

// OrchestratorPolicy converts to the orchestrator's policy type.
// Unset fields keep their defaults.
func (c *Config) OrchestratorPolicy() orchestrator.Policy {
	p := orchestrator.DefaultPolicy()
	if c.Retry.MaxRetriesPerNode > 0 {
		p.MaxRetriesPerNode = c.Retry.MaxRetriesPerNode
	}
	if c.Retry.BackoffBase > 0 {
		p.BackoffBase = c.Retry.BackoffBase
	}
	if c.Retry.BackoffMax > 0 {
		p.BackoffMax = c.Retry.BackoffMax
	}
	if c.Retry.MaxConcurrentRuns > 0 {
		p.MaxConcurrentRuns = c.Retry.MaxConcurrentRuns
	}
	if c.Retry.DefaultTimeout > 0 {
		p.DefaultTimeout = c.Retry.DefaultTimeout
	}
	return p
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if len(other.Providers) > 0 {
		c.Providers = other.Providers
	}

	if other.Health.FailureThreshold != 0 {
		c.Health.FailureThreshold = other.Health.FailureThreshold
	}
	if other.Health.Cooldown != 0 {
		c.Health.Cooldown = other.Health.Cooldown
	}
	if other.Health.CooldownMultiplier != 0 {
		c.Health.CooldownMultiplier = other.Health.CooldownMultiplier
	}
	if other.Health.MaxCooldown != 0 {
		c.Health.MaxCooldown = other.Health.MaxCooldown
	}
	if other.Health.RateWindow != 0 {
		c.Health.RateWindow = other.Health.RateWindow
	}

	if other.Selection != (SelectionConfig{}) {
		c.Selection = other.Selection
	}

	if other.Retry.MaxRetriesPerNode != 0 {
		c.Retry.MaxRetriesPerNode = other.Retry.MaxRetriesPerNode
	}
	if other.Retry.BackoffBase != 0 {
		c.Retry.BackoffBase = other.Retry.BackoffBase
	}
	if other.Retry.BackoffMax != 0 {
		c.Retry.BackoffMax = other.Retry.BackoffMax
	}
	if other.Retry.MaxConcurrentRuns != 0 {
		c.Retry.MaxConcurrentRuns = other.Retry.MaxConcurrentRuns
	}
	if other.Retry.DefaultTimeout != 0 {
		c.Retry.DefaultTimeout = other.Retry.DefaultTimeout
	}

	if len(other.Workflows.Globs) > 0 {
		c.Workflows.Globs = other.Workflows.Globs
	}
	if other.Workflows.Watch {
		c.Workflows.Watch = true
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.SubjectPrefix != "" {
		c.NATS.SubjectPrefix = other.NATS.SubjectPrefix
	}

	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
