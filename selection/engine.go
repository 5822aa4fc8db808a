// Package selection chooses a provider+model for a task from live
// health and rate data. Ranking is advisory: the orchestrator walks the
// ranked list and re-checks dispatchability before each attempt.
package selection

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/c360studio/modelmesh/health"
	"github.com/c360studio/modelmesh/provider"
	"github.com/c360studio/modelmesh/task"
)

// ErrNoProviderAvailable signals that no registered provider satisfies
// the task's constraints and is currently dispatchable. The orchestrator
// fails the node rather than waiting.
var ErrNoProviderAvailable = errors.New("no provider available")

// Weights configure the scoring terms. Each term scores in [0,1]; the
// final score is the weighted sum.
type Weights struct {
	// Affinity rewards capability tags preferred by the task category.
	Affinity float64

	// Cost rewards cheap providers, scaled by the task's cost ceiling.
	Cost float64

	// Latency rewards providers with low recent latency.
	Latency float64

	// Jitter adds a small random term so equally scored providers do
	// not starve each other.
	Jitter float64
}

// DefaultWeights returns the default scoring weights.
func DefaultWeights() Weights {
	return Weights{
		Affinity: 0.4,
		Cost:     0.3,
		Latency:  0.2,
		Jitter:   0.1,
	}
}

// categoryAffinity maps task categories to the capability tags their
// providers should favor. Static policy, mirrored in scoring.
var categoryAffinity = map[task.Category][]provider.Capability{
	task.CategoryGeneration:    {provider.CapabilityCode},
	task.CategoryBugDetection:  {provider.CapabilityCode, provider.CapabilityLongContext},
	task.CategoryAnalysis:      {provider.CapabilityLongContext},
	task.CategoryDocumentation: {},
	task.CategoryRefactor:      {provider.CapabilityCode, provider.CapabilityFunctionCalling},
}

// Candidate is one ranked selection result.
type Candidate struct {
	Descriptor provider.Descriptor
	Score      float64
}

// Engine ranks providers for tasks.
type Engine struct {
	mu          sync.RWMutex
	descriptors []provider.Descriptor // declaration order is the tie-break
	tracker     *health.Tracker
	weights     Weights
	rng         *rand.Rand
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithWeights sets the scoring weights.
func WithWeights(w Weights) Option {
	return func(e *Engine) { e.weights = w }
}

// WithSeed fixes the jitter source. Tests use this with Jitter weight 0
// or a fixed seed to make ranking reproducible.
func WithSeed(seed uint64) Option {
	return func(e *Engine) { e.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a selection engine over the given descriptors.
// Declaration order is preserved and used for deterministic tie-breaks.
func NewEngine(descriptors []provider.Descriptor, tracker *health.Tracker, opts ...Option) *Engine {
	e := &Engine{
		descriptors: append([]provider.Descriptor(nil), descriptors...),
		tracker:     tracker,
		weights:     DefaultWeights(),
		rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetDescriptors replaces the descriptor table, preserving the new
// declaration order. Used on configuration reload.
func (e *Engine) SetDescriptors(descriptors []provider.Descriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.descriptors = append([]provider.Descriptor(nil), descriptors...)
}

// Descriptors returns a copy of the descriptor table.
func (e *Engine) Descriptors() []provider.Descriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]provider.Descriptor(nil), e.descriptors...)
}

// SelectOptions refine one selection call.
type SelectOptions struct {
	// Exclude removes providers already attempted for this node.
	Exclude map[string]bool
}

// Select returns providers able to serve the task, ranked descending by
// score. Ties keep declaration order. Returns ErrNoProviderAvailable
// when nothing survives filtering.
func (e *Engine) Select(t task.Task, opts SelectOptions) ([]Candidate, error) {
	e.mu.RLock()
	descriptors := e.descriptors
	weights := e.weights
	e.mu.RUnlock()

	needed := t.EstimatedTokens()

	type scored struct {
		cand Candidate
		decl int
	}
	var candidates []scored

	for i, d := range descriptors {
		if opts.Exclude[d.ProviderID] {
			continue
		}
		if !d.HasAllCapabilities(t.Constraints.RequiredCapabilities) {
			continue
		}
		if d.MaxContextSize < needed {
			continue
		}
		if ceiling := t.Constraints.MaxCostPerUnit; ceiling > 0 && d.CostPerUnit > ceiling {
			continue
		}
		if e.tracker != nil && !e.tracker.CanDispatch(d.ProviderID) {
			continue
		}

		candidates = append(candidates, scored{
			cand: Candidate{Descriptor: d, Score: e.score(t, d, weights)},
			decl: i,
		})
	}

	if len(candidates) == 0 {
		e.logger.Debug("No provider available",
			"task", t.ID,
			"category", t.Category,
			"providers", len(descriptors))
		return nil, fmt.Errorf("task %s (category %s): %w", t.ID, t.Category, ErrNoProviderAvailable)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].cand.Score != candidates[j].cand.Score {
			return candidates[i].cand.Score > candidates[j].cand.Score
		}
		return candidates[i].decl < candidates[j].decl
	})

	ranked := make([]Candidate, len(candidates))
	for i, c := range candidates {
		ranked[i] = c.cand
	}
	return ranked, nil
}

// score computes the weighted sum for one descriptor.
func (e *Engine) score(t task.Task, d provider.Descriptor, w Weights) float64 {
	score := w.Affinity * affinityScore(t.Category, d)
	score += w.Cost * costScore(d.CostPerUnit, t.Constraints.MaxCostPerUnit)
	score += w.Latency * e.latencyScore(d.ProviderID)
	if w.Jitter > 0 {
		e.mu.Lock()
		score += w.Jitter * e.rng.Float64()
		e.mu.Unlock()
	}
	return score
}

// affinityScore is the fraction of the category's preferred tags the
// descriptor advertises. Categories with no preference score neutral.
func affinityScore(cat task.Category, d provider.Descriptor) float64 {
	preferred := categoryAffinity[cat]
	if len(preferred) == 0 {
		return 0.5
	}
	hits := 0
	for _, cap := range preferred {
		if d.HasCapability(cap) {
			hits++
		}
	}
	return float64(hits) / float64(len(preferred))
}

// costScore rewards cheap providers. With a ceiling the score is linear
// headroom under it; without one, a simple inverse.
func costScore(cost, ceiling float64) float64 {
	if ceiling > 0 {
		s := 1 - cost/ceiling
		if s < 0 {
			return 0
		}
		return s
	}
	return 1 / (1 + cost)
}

// latencyScore rewards low recent latency, neutral when unknown.
func (e *Engine) latencyScore(providerID string) float64 {
	if e.tracker == nil {
		return 0.5
	}
	last := e.tracker.LastLatency(providerID)
	if last <= 0 {
		return 0.5
	}
	// 1.0 at instant, 0.5 at one second, toward 0 as latency grows.
	return 1000 / (1000 + float64(last.Milliseconds()))
}
