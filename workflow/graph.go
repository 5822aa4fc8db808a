// Package workflow represents multi-step task execution plans as
// declarative data. A Graph is an arena of NodeSpecs referenced by id;
// transitions are guard predicates over shared state, not code, so
// graphs can be validated, persisted, and replayed deterministically.
package workflow

import (
	"fmt"

	"github.com/c360studio/modelmesh/task"
)

// NodeType determines how a node executes.
type NodeType string

const (
	// NodeAgent invokes the selected provider with the node prompt.
	NodeAgent NodeType = "agent"

	// NodeTool invokes the selected provider in tool mode.
	NodeTool NodeType = "tool"

	// NodeCondition branches purely over shared state, no provider call.
	NodeCondition NodeType = "condition"

	// NodeModelSelector runs provider selection and records the choice.
	NodeModelSelector NodeType = "model_selector"
)

// IsValid checks if a node type is known.
func (n NodeType) IsValid() bool {
	switch n {
	case NodeAgent, NodeTool, NodeCondition, NodeModelSelector:
		return true
	}
	return false
}

// Next is one transition candidate: a target node with an optional
// guard. Unguarded candidates always match.
type Next struct {
	Node  string `yaml:"node" json:"node"`
	Guard *Guard `yaml:"guard,omitempty" json:"guard,omitempty"`
}

// NodeSpec is one declarative workflow step.
type NodeSpec struct {
	ID   string   `yaml:"id" json:"id"`
	Type NodeType `yaml:"type" json:"type"`

	// Prompt is the template sent to the provider for agent/tool nodes.
	// Empty means the task payload is sent as-is.
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	// OutputKey is the shared-state key receiving the node's result.
	// Empty defaults to "nodes.<id>.output".
	OutputKey string `yaml:"output_key,omitempty" json:"output_key,omitempty"`

	// Next lists transition candidates in evaluation order. The first
	// candidate whose guard is satisfied wins. An empty list makes the
	// node terminal.
	Next []Next `yaml:"next,omitempty" json:"next,omitempty"`

	// Stream requests a streaming invocation for agent/tool nodes.
	Stream bool `yaml:"stream,omitempty" json:"stream,omitempty"`

	// Parallel executes every Next target concurrently and merges their
	// outputs with Reducer before continuing at Join.
	Parallel bool `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	// Reducer names the merge strategy for parallel fan-out:
	// "collect" (list of outputs), "concat" (joined text), or
	// "first" (first completed).
	Reducer string `yaml:"reducer,omitempty" json:"reducer,omitempty"`

	// Join is where the run continues after a parallel fan-out merges.
	// Empty makes the fan-out terminal.
	Join string `yaml:"join,omitempty" json:"join,omitempty"`

	// IterationCap bounds visits to this node within one run. 0 uses
	// the graph default. A run exceeding the cap fails as stuck rather
	// than looping forever.
	IterationCap int `yaml:"iteration_cap,omitempty" json:"iteration_cap,omitempty"`

	// OnError diverts the run to the named node when this node fails
	// after fallback is exhausted, instead of failing the run.
	OnError string `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// DefaultIterationCap bounds node revisits when neither the node nor
// the graph overrides it.
const DefaultIterationCap = 10

// knownReducers are the merge strategies executable by the orchestrator.
var knownReducers = map[string]bool{
	"":        true, // defaults to collect
	"collect": true,
	"concat":  true,
	"first":   true,
}

// Graph is a static workflow definition, loaded once and shared
// read-only across runs.
type Graph struct {
	// ID names the graph for task submission.
	ID string `yaml:"id" json:"id"`

	// Description explains what the graph is for.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Category optionally makes this graph the default for a task category.
	Category task.Category `yaml:"category,omitempty" json:"category,omitempty"`

	// Entry is the id of the first node.
	Entry string `yaml:"entry" json:"entry"`

	// IterationCap overrides DefaultIterationCap for every node.
	IterationCap int `yaml:"iteration_cap,omitempty" json:"iteration_cap,omitempty"`

	// Nodes is the node arena.
	Nodes []NodeSpec `yaml:"nodes" json:"nodes"`

	index map[string]*NodeSpec
}

// Node returns the definition for an id, nil if unknown.
func (g *Graph) Node(id string) *NodeSpec {
	if g.index == nil {
		g.buildIndex()
	}
	return g.index[id]
}

func (g *Graph) buildIndex() {
	g.index = make(map[string]*NodeSpec, len(g.Nodes))
	for i := range g.Nodes {
		g.index[g.Nodes[i].ID] = &g.Nodes[i]
	}
}

// CapFor returns the effective iteration cap for a node.
func (g *Graph) CapFor(n *NodeSpec) int {
	if n.IterationCap > 0 {
		return n.IterationCap
	}
	if g.IterationCap > 0 {
		return g.IterationCap
	}
	return DefaultIterationCap
}

// Validate checks structural integrity: ids resolve, the entry exists,
// node types are known, and parallel/selector shapes are well-formed.
func (g *Graph) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("graph id is required")
	}
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph %s: at least one node is required", g.ID)
	}

	g.buildIndex()
	if len(g.index) != len(g.Nodes) {
		return fmt.Errorf("graph %s: duplicate node ids", g.ID)
	}

	if g.Entry == "" {
		return fmt.Errorf("graph %s: entry is required", g.ID)
	}
	if g.Node(g.Entry) == nil {
		return fmt.Errorf("graph %s: entry node %q not found", g.ID, g.Entry)
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("graph %s: node %d has no id", g.ID, i)
		}
		if !n.Type.IsValid() {
			return fmt.Errorf("graph %s: node %s has unknown type %q", g.ID, n.ID, n.Type)
		}
		if n.OnError != "" && g.Node(n.OnError) == nil {
			return fmt.Errorf("graph %s: node %s has unknown on_error node %q", g.ID, n.ID, n.OnError)
		}
		for _, next := range n.Next {
			if g.Node(next.Node) == nil {
				return fmt.Errorf("graph %s: node %s references unknown node %q", g.ID, n.ID, next.Node)
			}
			if next.Guard != nil {
				if err := next.Guard.Validate(); err != nil {
					return fmt.Errorf("graph %s: node %s: %w", g.ID, n.ID, err)
				}
			}
		}

		switch {
		case n.Type == NodeModelSelector:
			if len(n.Next) != 1 {
				return fmt.Errorf("graph %s: model_selector node %s must have exactly one next", g.ID, n.ID)
			}
		case n.Type == NodeCondition:
			if len(n.Next) == 0 {
				return fmt.Errorf("graph %s: condition node %s needs transition candidates", g.ID, n.ID)
			}
		case n.Parallel:
			if n.Type == NodeCondition || n.Type == NodeModelSelector {
				return fmt.Errorf("graph %s: node %s: only agent/tool nodes fan out", g.ID, n.ID)
			}
			if len(n.Next) < 2 {
				return fmt.Errorf("graph %s: parallel node %s needs at least two targets", g.ID, n.ID)
			}
			if !knownReducers[n.Reducer] {
				return fmt.Errorf("graph %s: parallel node %s has unknown reducer %q", g.ID, n.ID, n.Reducer)
			}
			if n.Join != "" && g.Node(n.Join) == nil {
				return fmt.Errorf("graph %s: parallel node %s joins at unknown node %q", g.ID, n.ID, n.Join)
			}
		}
	}

	return nil
}

// SingleNodeGraph builds the implicit graph used when a task is
// submitted without a graph id: select a model, run one agent node.
func SingleNodeGraph() *Graph {
	return &Graph{
		ID:          "single",
		Description: "Implicit single-step graph for direct task submission",
		Entry:       "select",
		Nodes: []NodeSpec{
			{ID: "select", Type: NodeModelSelector, Next: []Next{{Node: "execute"}}},
			{ID: "execute", Type: NodeAgent},
		},
	}
}
