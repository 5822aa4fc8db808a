// Package event defines the structured events the orchestration core
// emits for external logging and telemetry collaborators. The core never
// performs its own formatted output; it hands events to an Emitter.
package event

import (
	"context"
	"time"
)

// Type identifies an event.
type Type string

const (
	TypeNodeStarted           Type = "node.started"
	TypeNodeSucceeded         Type = "node.succeeded"
	TypeNodeFailed            Type = "node.failed"
	TypeProviderHealthChanged Type = "provider.health_changed"
	TypeRunCompleted          Type = "run.completed"
	TypeRunFailed             Type = "run.failed"
	TypeRunCancelled          Type = "run.cancelled"
	TypeStreamChunk           Type = "stream.chunk"
)

// Event is one structured observation from the core.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Node      string         `json:"node,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Emitter consumes events. Implementations must be safe for concurrent
// use and must never block a run: slow sinks drop or buffer internally.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// New builds an event stamped with the current time.
func New(t Type) Event {
	return Event{Type: t, Timestamp: time.Now()}
}

// Nop is an Emitter that discards everything.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(context.Context, Event) {}

// Multi fans one event out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}
