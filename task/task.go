// Package task defines the unit of work submitted to the orchestration
// engine. Tasks are immutable once created: the orchestrator reads them
// but never writes back.
package task

import (
	"fmt"
	"time"

	"github.com/c360studio/modelmesh/provider"
	"github.com/google/uuid"
)

// Category classifies what kind of work a task represents.
// Selection uses it to bias provider scoring toward matching capabilities.
type Category string

const (
	// CategoryGeneration is code or content generation.
	CategoryGeneration Category = "generation"

	// CategoryBugDetection is defect analysis over existing code.
	CategoryBugDetection Category = "bug_detection"

	// CategoryAnalysis is general project/code analysis.
	CategoryAnalysis Category = "analysis"

	// CategoryDocumentation is documentation writing.
	CategoryDocumentation Category = "documentation"

	// CategoryRefactor is code transformation with behavior preserved.
	CategoryRefactor Category = "refactor"
)

// IsValid checks if a category string is a known category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryGeneration, CategoryBugDetection, CategoryAnalysis,
		CategoryDocumentation, CategoryRefactor:
		return true
	}
	return false
}

// String returns the string representation of the category.
func (c Category) String() string {
	return string(c)
}

// ParseCategory converts a string to a Category, returning empty for
// unknown values.
func ParseCategory(s string) Category {
	c := Category(s)
	if c.IsValid() {
		return c
	}
	return ""
}

// Constraints bound which providers may serve a task.
type Constraints struct {
	// MaxCostPerUnit excludes providers above this cost. 0 means no ceiling.
	MaxCostPerUnit float64 `json:"max_cost_per_unit,omitempty"`

	// MaxLatency is the per-invocation deadline. 0 uses the engine default.
	MaxLatency time.Duration `json:"max_latency,omitempty"`

	// RequiredCapabilities must all be present on a candidate provider.
	RequiredCapabilities []provider.Capability `json:"required_capabilities,omitempty"`
}

// ProjectContext is an opaque reference to project analysis produced by
// an external collaborator. The engine attaches it to invocations but
// never inspects it.
type ProjectContext struct {
	// Ref identifies the context blob (path, URL, or store key).
	Ref string `json:"ref,omitempty"`

	// Attrs carries collaborator-defined metadata.
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Task is an immutable request for AI-assisted work.
type Task struct {
	ID             string         `json:"id"`
	Category       Category       `json:"category"`
	Payload        string         `json:"payload"`
	ProjectContext ProjectContext `json:"project_context,omitempty"`
	Constraints    Constraints    `json:"constraints,omitempty"`
	SubmittedAt    time.Time      `json:"submitted_at"`
}

// Option configures a task at creation time.
type Option func(*Task)

// WithConstraints sets the task constraints.
func WithConstraints(c Constraints) Option {
	return func(t *Task) { t.Constraints = c }
}

// WithProjectContext attaches an opaque project context reference.
func WithProjectContext(pc ProjectContext) Option {
	return func(t *Task) { t.ProjectContext = pc }
}

// New creates a task with a generated ID.
func New(category Category, payload string, opts ...Option) Task {
	t := Task{
		ID:          uuid.New().String(),
		Category:    category,
		Payload:     payload,
		SubmittedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// Validate checks that the task is well-formed before submission.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if !t.Category.IsValid() {
		return fmt.Errorf("unknown task category: %q", t.Category)
	}
	if t.Payload == "" {
		return fmt.Errorf("task payload is required")
	}
	return nil
}

// EstimatedTokens approximates the token count of the payload for
// context-size filtering. Uses the common 4-characters-per-token
// heuristic; selection only needs a rough bound.
func (t Task) EstimatedTokens() int {
	return len(t.Payload)/4 + 1
}
