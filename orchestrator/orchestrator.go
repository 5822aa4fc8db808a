// Package orchestrator is the top-level coordinator: it accepts tasks,
// drives workflow runs, selects and invokes providers with fallback
// chains, and feeds every invocation outcome back into health tracking.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/c360studio/modelmesh/event"
	"github.com/c360studio/modelmesh/health"
	"github.com/c360studio/modelmesh/metric"
	"github.com/c360studio/modelmesh/selection"
	"github.com/c360studio/modelmesh/task"
	"github.com/c360studio/modelmesh/workflow"
)

// Policy holds the orchestrator's retry and concurrency knobs.
type Policy struct {
	// MaxRetriesPerNode is the total invocation attempts per node across
	// the fallback chain.
	MaxRetriesPerNode int

	// BackoffBase is the initial delay between attempts on the same provider.
	BackoffBase time.Duration

	// BackoffMultiplier grows the delay per same-provider retry.
	BackoffMultiplier float64

	// BackoffMax caps the delay.
	BackoffMax time.Duration

	// MaxConcurrentRuns bounds parallel workflow runs. 0 means unbounded.
	MaxConcurrentRuns int

	// DefaultTimeout bounds one invocation when the task sets no
	// latency ceiling.
	DefaultTimeout time.Duration
}

// DefaultPolicy returns the default orchestration policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetriesPerNode: 3,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		BackoffMax:        8 * time.Second,
		MaxConcurrentRuns: 16,
		DefaultTimeout:    180 * time.Second,
	}
}

// Result is the terminal outcome of one submitted task.
type Result struct {
	TaskID  string           `json:"task_id"`
	RunID   string           `json:"run_id"`
	GraphID string           `json:"graph_id"`
	Status  workflow.Status  `json:"status"`
	Output  string           `json:"output,omitempty"`
	State   map[string]any   `json:"state,omitempty"`
	History []workflow.Entry `json:"history,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Orchestrator coordinates runs. Safe for concurrent Submit calls; each
// run executes on the calling goroutine and owns its Run exclusively.
type Orchestrator struct {
	graphs  *workflow.Registry
	engine  *selection.Engine
	tracker *health.Tracker
	emitter event.Emitter
	metrics *metric.Set
	policy  Policy
	logger  *slog.Logger
	slots   chan struct{}

	// sleep is swappable so tests skip real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the orchestration policy.
func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithEmitter sets the event sink.
func WithEmitter(e event.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metric.Set) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an orchestrator over a graph registry, selection engine,
// and health tracker.
func New(graphs *workflow.Registry, engine *selection.Engine, tracker *health.Tracker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		graphs:  graphs,
		engine:  engine,
		tracker: tracker,
		emitter: event.Nop{},
		policy:  DefaultPolicy(),
		logger:  slog.Default(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.policy.MaxConcurrentRuns > 0 {
		o.slots = make(chan struct{}, o.policy.MaxConcurrentRuns)
	}
	tracker.OnStateChange(o.emitHealthChange)
	return o
}

// emitHealthChange republishes tracker state transitions as structured
// events. Transitions happen on invocation outcomes and operator
// resets, outside any single run, so no run fields are set.
func (o *Orchestrator) emitHealthChange(providerID string, from, to health.State) {
	ev := event.New(event.TypeProviderHealthChanged)
	ev.Provider = providerID
	ev.Detail = map[string]any{"from": string(from), "to": string(to)}
	o.emitter.Emit(context.Background(), ev)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Submit executes a task against a workflow graph and blocks until the
// run reaches a terminal status. An empty graphID resolves to the
// category default or the implicit single-node graph. The returned
// error is non-nil for failed runs (ProvidersExhausted, WorkflowStuck,
// selection failures) and for invalid submissions; the Result is
// populated whenever a run was actually started.
func (o *Orchestrator) Submit(ctx context.Context, t task.Task, graphID string) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	g, err := o.graphs.Resolve(graphID, t.Category)
	if err != nil {
		return nil, err
	}

	if o.slots != nil {
		select {
		case o.slots <- struct{}{}:
			defer func() { <-o.slots }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	run := workflow.NewRun(t, g)
	o.execute(ctx, run, g)

	result := &Result{
		TaskID:  t.ID,
		RunID:   run.ID,
		GraphID: g.ID,
		Status:  run.Status,
		State:   run.SnapshotState(),
		History: run.History,
	}
	if out, ok := run.State["last_output"].(string); ok {
		result.Output = out
	}
	if run.Failure != nil {
		result.Error = run.Failure.Error()
	}

	switch run.Status {
	case workflow.StatusFailed:
		return result, run.Failure
	case workflow.StatusCancelled:
		return result, context.Cause(ctx)
	default:
		return result, nil
	}
}

// execute drives the run to a terminal status. Cancellation is checked
// at every node boundary; a cancelled run freezes at the last committed
// node with sharedState intact.
func (o *Orchestrator) execute(ctx context.Context, run *workflow.Run, g *workflow.Graph) {
	started := time.Now()
	if o.metrics != nil {
		o.metrics.RunStarted()
	}

	for run.Status == workflow.StatusRunning {
		if ctx.Err() != nil {
			run.Cancel()
			break
		}

		node := g.Node(run.Current)
		if node == nil {
			run.Fail(fmt.Errorf("run %s: unknown node %q", run.ID, run.Current))
			break
		}

		visits := run.Visit(node.ID)
		if limit := g.CapFor(node); visits > limit {
			run.Fail(&workflow.StuckError{Node: node.ID, Visits: visits})
			break
		}

		o.emitNode(ctx, event.TypeNodeStarted, run, node.ID, "", nil)

		var err error
		switch {
		case node.Type == workflow.NodeModelSelector:
			err = o.execSelector(ctx, run, g, node)
		case node.Type == workflow.NodeCondition:
			err = o.execCondition(ctx, run, node)
		case node.Parallel:
			err = o.execParallel(ctx, run, g, node)
		default:
			err = o.execInvoke(ctx, run, g, node)
		}

		if err != nil {
			if errors.Is(err, context.Canceled) || run.Status == workflow.StatusCancelled {
				run.Cancel()
				break
			}
			o.emitNode(ctx, event.TypeNodeFailed, run, node.ID, "", map[string]any{"error": err.Error()})
			if node.OnError != "" {
				// Declared error handler: roll shared state back to the
				// last committed snapshot, record the failure, divert.
				if n := len(run.History); n > 0 {
					_ = run.RollbackTo(n - 1)
				}
				run.Commit(workflow.Entry{
					Node:        node.ID,
					Outcome:     workflow.EntryFailure,
					StartedAt:   time.Now(),
					CompletedAt: time.Now(),
					Error:       err.Error(),
				})
				run.Current = node.OnError
				continue
			}
			run.Fail(err)
		}
	}

	o.finish(ctx, run, time.Since(started))
}

// finish emits the terminal event and metrics for a run.
func (o *Orchestrator) finish(ctx context.Context, run *workflow.Run, elapsed time.Duration) {
	if o.metrics != nil {
		o.metrics.RunFinished()
		o.metrics.ObserveRun(string(run.Status), elapsed)
	}

	ev := event.New(event.TypeRunCompleted)
	switch run.Status {
	case workflow.StatusFailed:
		ev = event.New(event.TypeRunFailed)
		if run.Failure != nil {
			ev.Detail = map[string]any{"error": run.Failure.Error()}
		}
	case workflow.StatusCancelled:
		ev = event.New(event.TypeRunCancelled)
	}
	ev.RunID = run.ID
	ev.TaskID = run.Task.ID
	o.emitter.Emit(ctx, ev)

	o.logger.Info("Run finished",
		"run_id", run.ID,
		"task_id", run.Task.ID,
		"status", run.Status,
		"nodes", len(run.History),
		"elapsed", elapsed)
}

// emitNode publishes a node lifecycle event.
func (o *Orchestrator) emitNode(ctx context.Context, t event.Type, run *workflow.Run, node, providerID string, detail map[string]any) {
	ev := event.New(t)
	ev.RunID = run.ID
	ev.TaskID = run.Task.ID
	ev.Node = node
	ev.Provider = providerID
	ev.Detail = detail
	o.emitter.Emit(ctx, ev)
}

// backoff computes the delay before retry n (1-based) on the same
// provider tier, with ±25% jitter against synchronized retries.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= o.policy.BackoffMultiplier
	}

	d := time.Duration(float64(o.policy.BackoffBase) * multiplier)
	if d > o.policy.BackoffMax {
		d = o.policy.BackoffMax
	}

	jitter := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(jitter)
}
