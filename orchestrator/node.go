package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/modelmesh/event"
	"github.com/c360studio/modelmesh/provider"
	"github.com/c360studio/modelmesh/selection"
	"github.com/c360studio/modelmesh/task"
	"github.com/c360studio/modelmesh/workflow"
)

// selectedProviderKey is the shared-state key a model_selector node
// writes and agent/tool nodes read for sticky provider choice.
const selectedProviderKey = "selected_provider"

// execSelector runs provider selection and records the winner into
// shared state, then advances to the node's single successor.
func (o *Orchestrator) execSelector(ctx context.Context, run *workflow.Run, g *workflow.Graph, node *workflow.NodeSpec) error {
	started := time.Now()

	candidates, err := o.engine.Select(run.Task, selection.SelectOptions{})
	if err != nil {
		if errors.Is(err, selection.ErrNoProviderAvailable) && o.metrics != nil {
			o.metrics.IncSelectionMiss(string(run.Task.Category))
		}
		return err
	}

	chosen := candidates[0].Descriptor
	run.Set(selectedProviderKey, chosen.ProviderID)
	run.Set(selectedProviderKey+"_model", chosen.ModelID)

	run.Commit(workflow.Entry{
		Node:        node.ID,
		Outcome:     workflow.EntrySuccess,
		Provider:    chosen.ProviderID,
		StartedAt:   started,
		CompletedAt: time.Now(),
	})
	o.emitNode(ctx, event.TypeNodeSucceeded, run, node.ID, chosen.ProviderID, nil)

	run.Current = node.Next[0].Node
	return nil
}

// execCondition branches purely over shared state. Deterministic: the
// first candidate whose guard is satisfied (or is unguarded) wins.
func (o *Orchestrator) execCondition(ctx context.Context, run *workflow.Run, node *workflow.NodeSpec) error {
	started := time.Now()

	next, ok := pickNext(node.Next, run.State)
	if !ok {
		return fmt.Errorf("condition node %s: no transition matched", node.ID)
	}

	run.Commit(workflow.Entry{
		Node:        node.ID,
		Outcome:     workflow.EntrySuccess,
		StartedAt:   started,
		CompletedAt: time.Now(),
	})
	o.emitNode(ctx, event.TypeNodeSucceeded, run, node.ID, "", map[string]any{"next": next})

	run.Current = next
	return nil
}

// execInvoke runs one agent/tool node through the fallback chain, merges
// the result into shared state, and advances.
func (o *Orchestrator) execInvoke(ctx context.Context, run *workflow.Run, g *workflow.Graph, node *workflow.NodeSpec) error {
	started := time.Now()

	resp, providerID, err := o.invokeWithFallback(ctx, run, node)
	if err != nil {
		return err
	}

	o.mergeOutput(run, node, resp)
	run.Commit(workflow.Entry{
		Node:        node.ID,
		Outcome:     workflow.EntrySuccess,
		Provider:    providerID,
		StartedAt:   started,
		CompletedAt: time.Now(),
	})
	o.emitNode(ctx, event.TypeNodeSucceeded, run, node.ID, providerID, map[string]any{
		"tokens": resp.Usage.TotalTokens,
	})

	return o.advance(run, node)
}

// advance evaluates transition candidates after a successful node.
// A node with no candidates and a successful outcome completes the run.
func (o *Orchestrator) advance(run *workflow.Run, node *workflow.NodeSpec) error {
	if len(node.Next) == 0 {
		run.Complete()
		return nil
	}
	next, ok := pickNext(node.Next, run.State)
	if !ok {
		return fmt.Errorf("node %s: no transition matched", node.ID)
	}
	run.Current = next
	return nil
}

// pickNext returns the first candidate whose guard is satisfied.
func pickNext(candidates []workflow.Next, state map[string]any) (string, bool) {
	for _, c := range candidates {
		if c.Guard == nil || c.Guard.Evaluate(state) {
			return c.Node, true
		}
	}
	return "", false
}

// mergeOutput writes an invocation result into shared state under the
// node's output key, plus the run-level last_output convenience key.
func (o *Orchestrator) mergeOutput(run *workflow.Run, node *workflow.NodeSpec, resp *provider.Response) {
	key := node.OutputKey
	if key == "" {
		key = "nodes." + node.ID + ".output"
	}
	setPath(run.State, key, resp.Content)
	setPath(run.State, "nodes."+node.ID+".model", resp.Model)
	run.Set("last_output", resp.Content)
}

// setPath writes a value at a dotted key path, creating intermediate
// maps, so guards can address outputs as "nodes.review.output".
func setPath(state map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	cur := state
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// buildRequest assembles the provider request for a node. The node
// prompt is an instruction layered over the run input: the task payload
// at the entry, the previous node's output downstream. Nodes without a
// prompt pass the input through unchanged.
func buildRequest(t task.Task, node *workflow.NodeSpec, d provider.Descriptor, state map[string]any) provider.Request {
	input := t.Payload
	if prev, ok := state["last_output"].(string); ok && prev != "" {
		input = prev
	}

	// Instructions collapse into one system message; the Anthropic
	// adapter carries only a single out-of-band system prompt.
	var system []string
	if ref := t.ProjectContext.Ref; ref != "" {
		system = append(system, "Project context reference: "+ref)
	}
	if node.Prompt != "" {
		system = append(system, node.Prompt)
	}

	var messages []provider.Message
	if len(system) > 0 {
		messages = append(messages, provider.Message{
			Role:    "system",
			Content: strings.Join(system, "\n\n"),
		})
	}
	messages = append(messages, provider.Message{Role: "user", Content: input})

	return provider.Request{
		Model:    d.ModelID,
		Messages: messages,
	}
}

// invokeWithFallback walks the ranked candidate list for a node:
// transient same-provider failures back off and retry in place,
// provider-level failures move to the next candidate without delay, and
// fatal errors surface immediately. The health tracker is consulted
// before every attempt so unavailable alternates are skipped without
// consuming a retry.
func (o *Orchestrator) invokeWithFallback(ctx context.Context, run *workflow.Run, node *workflow.NodeSpec) (*provider.Response, string, error) {
	exclude := make(map[string]bool)
	var attempts []Attempt
	attemptsUsed := 0
	sameTierRetries := 0

	sticky, _ := run.State[selectedProviderKey].(string)

	for attemptsUsed < o.policy.MaxRetriesPerNode {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}

		d, err := o.nextCandidate(run.Task, sticky, exclude)
		if err != nil {
			if len(attempts) > 0 {
				return nil, "", &ExhaustedError{Node: node.ID, Attempts: attempts}
			}
			if errors.Is(err, selection.ErrNoProviderAvailable) && o.metrics != nil {
				o.metrics.IncSelectionMiss(string(run.Task.Category))
			}
			return nil, "", err
		}

		// Admission consumes a rate slot; denial skips the candidate
		// without consuming a retry.
		if err := o.tracker.AdmitRequest(d.ProviderID); err != nil {
			o.logger.Debug("Provider not admitted, skipping",
				"provider", d.ProviderID,
				"error", err)
			exclude[d.ProviderID] = true
			if sticky == d.ProviderID {
				sticky = ""
			}
			continue
		}

		attemptsUsed++
		resp, err := o.invokeOnce(ctx, run, node, d)
		if err == nil {
			return resp, d.ProviderID, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, "", err
		}

		kind := provider.KindOf(err)
		attempts = append(attempts, Attempt{Provider: d.ProviderID, Kind: kind})
		o.logger.Warn("Provider invocation failed",
			"run_id", run.ID,
			"node", node.ID,
			"provider", d.ProviderID,
			"kind", kind,
			"error", err)

		switch kind {
		case provider.KindAuth, provider.KindContextTooLarge:
			// Config/input problems: never retried, surface immediately.
			return nil, "", err

		case provider.KindRateLimited, provider.KindTimeout:
			// Transparent retry on the same tier, with backoff.
			sameTierRetries++
			delay := o.backoff(sameTierRetries)
			var pe *provider.Error
			if errors.As(err, &pe) && pe.RetryAfter > delay {
				delay = pe.RetryAfter
			}
			if attemptsUsed < o.policy.MaxRetriesPerNode {
				if err := o.sleep(ctx, delay); err != nil {
					return nil, "", err
				}
			}

		default:
			// Move to the next-ranked candidate without delay.
			exclude[d.ProviderID] = true
			if sticky == d.ProviderID {
				sticky = ""
			}
		}
	}

	return nil, "", &ExhaustedError{Node: node.ID, Attempts: attempts}
}

// nextCandidate picks the provider for the next attempt: the sticky
// selector choice when still eligible, else the top-ranked survivor.
func (o *Orchestrator) nextCandidate(t task.Task, sticky string, exclude map[string]bool) (provider.Descriptor, error) {
	if sticky != "" && !exclude[sticky] && o.tracker.CanDispatch(sticky) {
		for _, d := range o.engine.Descriptors() {
			if d.ProviderID == sticky {
				return d, nil
			}
		}
	}

	candidates, err := o.engine.Select(t, selection.SelectOptions{Exclude: exclude})
	if err != nil {
		return provider.Descriptor{}, err
	}
	return candidates[0].Descriptor, nil
}

// invokeOnce performs one attempt against one provider, records the
// outcome with the health tracker, and observes metrics.
func (o *Orchestrator) invokeOnce(ctx context.Context, run *workflow.Run, node *workflow.NodeSpec, d provider.Descriptor) (*provider.Response, error) {
	adapter := provider.GetAdapter(d.Adapter)
	if adapter == nil {
		return nil, provider.NewError(provider.KindProviderUnavailable,
			fmt.Errorf("no adapter registered for %q", d.Adapter))
	}

	opts := provider.Options{
		Streaming: node.Stream,
		Timeout:   run.Task.Constraints.MaxLatency,
	}
	if opts.Timeout <= 0 {
		opts.Timeout = o.policy.DefaultTimeout
	}

	req := buildRequest(run.Task, node, d, run.State)
	started := time.Now()

	var resp *provider.Response
	var err error
	if node.Stream {
		resp, err = o.consumeStream(ctx, run, node, d, adapter, req, opts)
	} else {
		resp, err = adapter.Invoke(ctx, d, req, opts)
	}

	inv := provider.NewInvocation(d, started, err)
	if !errors.Is(err, context.Canceled) {
		o.tracker.RecordOutcome(d.ProviderID, inv)
	}
	if o.metrics != nil {
		o.metrics.ObserveInvocation(d.ProviderID, string(inv.Outcome), inv.Duration)
	}

	return resp, err
}

// consumeStream drains a streaming invocation, forwarding each chunk as
// an event and accumulating the full content. Cancelling ctx closes the
// stream; the partial result is discarded by the caller.
func (o *Orchestrator) consumeStream(ctx context.Context, run *workflow.Run, node *workflow.NodeSpec, d provider.Descriptor, adapter provider.Adapter, req provider.Request, opts provider.Options) (*provider.Response, error) {
	chunks, err := adapter.InvokeStream(ctx, d, req, opts)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if chunk.Delta != "" {
			sb.WriteString(chunk.Delta)
			o.emitNode(ctx, event.TypeStreamChunk, run, node.ID, d.ProviderID, map[string]any{
				"delta": chunk.Delta,
			})
		}
		if chunk.Final {
			break
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return &provider.Response{
		Content:      sb.String(),
		Model:        d.ModelID,
		FinishReason: "stop",
	}, nil
}

// branchResult is one completed branch of a parallel fan-out.
type branchResult struct {
	node     string
	provider string
	resp     *provider.Response
	err      error
	started  time.Time
	finished time.Time
}

// execParallel fans the node's targets out concurrently, merges their
// outputs with the declared reducer, and continues at the join node.
// Any branch failure fails the fan-out; completed branches are still
// recorded in history for diagnosis.
func (o *Orchestrator) execParallel(ctx context.Context, run *workflow.Run, g *workflow.Graph, node *workflow.NodeSpec) error {
	started := time.Now()

	results := make([]branchResult, len(node.Next))
	var wg sync.WaitGroup

	for i, next := range node.Next {
		branch := g.Node(next.Node)
		if branch == nil || (branch.Type != workflow.NodeAgent && branch.Type != workflow.NodeTool) {
			return fmt.Errorf("parallel node %s: branch %q is not an agent/tool node", node.ID, next.Node)
		}

		wg.Add(1)
		go func(i int, branch *workflow.NodeSpec) {
			defer wg.Done()
			r := branchResult{node: branch.ID, started: time.Now()}
			r.resp, r.provider, r.err = o.invokeWithFallback(ctx, run, branch)
			r.finished = time.Now()
			results[i] = r
		}(i, branch)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Commit branch entries in completion order so history stays
	// strictly time-ordered.
	ordered := append([]branchResult(nil), results...)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].finished.Before(ordered[i].finished) {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}

	var firstErr error
	for _, r := range ordered {
		entry := workflow.Entry{
			Node:        r.node,
			Provider:    r.provider,
			StartedAt:   r.started,
			CompletedAt: r.finished,
			Outcome:     workflow.EntrySuccess,
		}
		if r.err != nil {
			entry.Outcome = workflow.EntryFailure
			entry.Error = r.err.Error()
			if firstErr == nil {
				firstErr = fmt.Errorf("parallel branch %s: %w", r.node, r.err)
			}
		}
		run.Commit(entry)
	}
	if firstErr != nil {
		return firstErr
	}

	merged := reduce(node.Reducer, ordered)
	key := node.OutputKey
	if key == "" {
		key = "nodes." + node.ID + ".output"
	}
	setPath(run.State, key, merged)
	if s, ok := merged.(string); ok {
		run.Set("last_output", s)
	}

	run.Commit(workflow.Entry{
		Node:        node.ID,
		Outcome:     workflow.EntrySuccess,
		StartedAt:   started,
		CompletedAt: time.Now(),
	})
	o.emitNode(ctx, event.TypeNodeSucceeded, run, node.ID, "", map[string]any{
		"branches": len(node.Next),
		"reducer":  node.Reducer,
	})

	if node.Join == "" {
		run.Complete()
		return nil
	}
	run.Current = node.Join
	return nil
}

// reduce merges parallel branch outputs. Branches arrive in completion
// order.
func reduce(reducer string, branches []branchResult) any {
	switch reducer {
	case "concat":
		var sb strings.Builder
		for _, b := range branches {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.resp.Content)
		}
		return sb.String()
	case "first":
		return branches[0].resp.Content
	default: // collect
		out := make([]any, len(branches))
		for i, b := range branches {
			out[i] = b.resp.Content
		}
		return out
	}
}
