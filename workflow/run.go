package workflow

import (
	"fmt"
	"time"

	"github.com/c360studio/modelmesh/task"
	"github.com/google/uuid"
)

// Status is the lifecycle state of one run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends the run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// EntryOutcome classifies one executed node in run history.
type EntryOutcome string

const (
	EntrySuccess EntryOutcome = "success"
	EntryFailure EntryOutcome = "failure"
	EntrySkipped EntryOutcome = "skipped"
)

// Entry is one executed node in the run history, with the shared-state
// snapshot as of its commit. Snapshots make rollback possible: restoring
// an entry re-enters its node with the state it committed.
type Entry struct {
	Node        string         `json:"node"`
	Outcome     EntryOutcome   `json:"outcome"`
	Provider    string         `json:"provider,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Error       string         `json:"error,omitempty"`
	State       map[string]any `json:"state,omitempty"`
}

// StuckError is the terminal failure for a run that exceeded a node's
// iteration cap: an unresolved loop converted into a diagnosable error.
type StuckError struct {
	Node   string
	Visits int
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("workflow stuck: node %s visited %d times", e.Node, e.Visits)
}

// Run is one live execution of a graph against a task. A run is owned
// exclusively by the orchestrator goroutine executing it; nothing here
// is shared across runs, so no locking is needed.
type Run struct {
	ID      string
	Task    task.Task
	GraphID string

	// Current is the active node id.
	Current string

	// State is the shared key→value map accumulated across nodes.
	State map[string]any

	// History is strictly ordered by execution time within the run.
	History []Entry

	// Status is the lifecycle state.
	Status Status

	// Failure carries the terminal error for failed runs.
	Failure error

	visits map[string]int
}

// NewRun creates a run positioned at the graph entry.
func NewRun(t task.Task, g *Graph) *Run {
	return &Run{
		ID:      uuid.New().String(),
		Task:    t,
		GraphID: g.ID,
		Current: g.Entry,
		State:   make(map[string]any),
		Status:  StatusRunning,
		visits:  make(map[string]int),
	}
}

// Visit counts a node entry and returns the visit total for this run.
func (r *Run) Visit(node string) int {
	r.visits[node]++
	return r.visits[node]
}

// Set writes a shared-state value.
func (r *Run) Set(key string, value any) {
	r.State[key] = value
}

// Commit appends a history entry carrying a snapshot of the current
// shared state. Call after the node's state merge.
func (r *Run) Commit(entry Entry) {
	entry.State = snapshotState(r.State)
	r.History = append(r.History, entry)
}

// SnapshotState returns a copy of the shared state safe to hand out.
func (r *Run) SnapshotState() map[string]any {
	return snapshotState(r.State)
}

// RollbackTo restores shared state as of history entry i and re-enters
// that node. Internal error recovery, not user-facing undo.
func (r *Run) RollbackTo(i int) error {
	if i < 0 || i >= len(r.History) {
		return fmt.Errorf("rollback index %d out of range (history length %d)", i, len(r.History))
	}
	entry := r.History[i]
	r.State = snapshotState(entry.State)
	r.Current = entry.Node
	r.History = r.History[:i+1]
	return nil
}

// Complete marks the run finished successfully.
func (r *Run) Complete() {
	r.Status = StatusCompleted
}

// Fail marks the run failed with a terminal error.
func (r *Run) Fail(err error) {
	r.Status = StatusFailed
	r.Failure = err
}

// Cancel freezes the run at the last committed node.
func (r *Run) Cancel() {
	r.Status = StatusCancelled
}

// snapshotState deep-copies nested string-keyed maps and slices; leaf
// values are shared, which is safe because node outputs are never
// mutated after commit.
func snapshotState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = snapshotValue(v)
	}
	return out
}

func snapshotValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return snapshotState(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = snapshotValue(item)
		}
		return out
	default:
		return v
	}
}
