// Package provider defines the uniform invocation contract for model
// endpoints. A Descriptor declares what an endpoint can do; an Adapter
// knows how to call it. Adapters are stateless: health bookkeeping is
// the caller's responsibility so adapters stay independently testable.
package provider

import "fmt"

// Capability is a feature tag a model endpoint may advertise.
type Capability string

const (
	// CapabilityCode marks endpoints tuned for code tasks.
	CapabilityCode Capability = "code"

	// CapabilityVision marks endpoints that accept image input.
	CapabilityVision Capability = "vision"

	// CapabilityLongContext marks endpoints with large context windows.
	CapabilityLongContext Capability = "long-context"

	// CapabilityFunctionCalling marks endpoints with tool-use support.
	CapabilityFunctionCalling Capability = "function-calling"
)

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityCode, CapabilityVision, CapabilityLongContext, CapabilityFunctionCalling:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// Kind distinguishes cloud APIs from local runtimes.
type Kind string

const (
	KindCloud Kind = "cloud"
	KindLocal Kind = "local"
)

// Descriptor is the static capability record for one provider+model
// endpoint. Descriptors are loaded at startup, immutable during a run,
// and replaced wholesale on configuration reload.
type Descriptor struct {
	// ProviderID identifies the provider. It is the key for health and
	// rate tracking, so endpoints sharing a quota share a ProviderID.
	ProviderID string `json:"provider_id" yaml:"provider_id"`

	// ModelID is the model identifier sent to the provider.
	ModelID string `json:"model_id" yaml:"model_id"`

	// Kind is cloud or local.
	Kind Kind `json:"kind" yaml:"kind"`

	// Adapter names the registered adapter that speaks this endpoint's
	// protocol ("anthropic", "openai").
	Adapter string `json:"adapter" yaml:"adapter"`

	// Capabilities are the feature tags this endpoint advertises.
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`

	// CostPerUnit is the relative cost of one invocation unit.
	CostPerUnit float64 `json:"cost_per_unit" yaml:"cost_per_unit"`

	// MaxContextSize is the context window in tokens.
	MaxContextSize int `json:"max_context_size" yaml:"max_context_size"`

	// BaseURL overrides the adapter's default endpoint URL.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// CredentialRef names the environment variable holding the API key.
	// Empty means the adapter's conventional variable.
	CredentialRef string `json:"credential_ref,omitempty" yaml:"credential_ref,omitempty"`

	// RateLimit is the allowed requests per rate window. 0 means unlimited.
	RateLimit int `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// Name returns a human-readable endpoint identifier.
func (d Descriptor) Name() string {
	return d.ProviderID + "/" + d.ModelID
}

// HasCapability reports whether the descriptor advertises cap.
func (d Descriptor) HasCapability(cap Capability) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HasAllCapabilities reports whether the descriptor advertises every
// capability in caps.
func (d Descriptor) HasAllCapabilities(caps []Capability) bool {
	for _, c := range caps {
		if !d.HasCapability(c) {
			return false
		}
	}
	return true
}

// Validate checks that the descriptor is complete enough to dispatch to.
func (d Descriptor) Validate() error {
	if d.ProviderID == "" {
		return fmt.Errorf("provider_id is required")
	}
	if d.ModelID == "" {
		return fmt.Errorf("model_id is required")
	}
	if d.Kind != KindCloud && d.Kind != KindLocal {
		return fmt.Errorf("provider %s: kind must be cloud or local, got %q", d.ProviderID, d.Kind)
	}
	if d.Adapter == "" {
		return fmt.Errorf("provider %s: adapter is required", d.ProviderID)
	}
	if d.MaxContextSize <= 0 {
		return fmt.Errorf("provider %s: max_context_size must be positive", d.ProviderID)
	}
	if d.CostPerUnit < 0 {
		return fmt.Errorf("provider %s: cost_per_unit cannot be negative", d.ProviderID)
	}
	for _, c := range d.Capabilities {
		if !c.IsValid() {
			return fmt.Errorf("provider %s: unknown capability %q", d.ProviderID, c)
		}
	}
	return nil
}
