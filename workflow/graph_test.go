package workflow

import (
	"strings"
	"testing"
)

func twoNodeGraph() *Graph {
	return &Graph{
		ID:    "review-loop",
		Entry: "draft",
		Nodes: []NodeSpec{
			{ID: "draft", Type: NodeAgent, Next: []Next{{Node: "review"}}},
			{ID: "review", Type: NodeAgent},
		},
	}
}

func TestGraphValidateAccepts(t *testing.T) {
	if err := twoNodeGraph().Validate(); err != nil {
		t.Fatalf("valid graph rejected: %v", err)
	}
}

func TestGraphValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Graph)
		wantMsg string
	}{
		{"missing id", func(g *Graph) { g.ID = "" }, "id is required"},
		{"no nodes", func(g *Graph) { g.Nodes = nil }, "at least one node"},
		{"missing entry", func(g *Graph) { g.Entry = "" }, "entry is required"},
		{"entry unknown", func(g *Graph) { g.Entry = "ghost" }, "entry node"},
		{"duplicate ids", func(g *Graph) { g.Nodes[1].ID = "draft" }, "duplicate"},
		{"unknown type", func(g *Graph) { g.Nodes[0].Type = "robot" }, "unknown type"},
		{"dangling next", func(g *Graph) { g.Nodes[1].Next = []Next{{Node: "ghost"}} }, "unknown node"},
		{"dangling on_error", func(g *Graph) { g.Nodes[0].OnError = "ghost" }, "on_error"},
		{"bad guard", func(g *Graph) {
			g.Nodes[0].Next[0].Guard = &Guard{Op: OpEquals, Value: "x"}
		}, "guard key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := twoNodeGraph()
			tt.mutate(g)
			err := g.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestGraphValidateSelectorShape(t *testing.T) {
	g := &Graph{
		ID:    "g",
		Entry: "sel",
		Nodes: []NodeSpec{
			{ID: "sel", Type: NodeModelSelector, Next: []Next{{Node: "a"}, {Node: "b"}}},
			{ID: "a", Type: NodeAgent},
			{ID: "b", Type: NodeAgent},
		},
	}
	if err := g.Validate(); err == nil {
		t.Error("model_selector with two nexts should be rejected")
	}

	g.Nodes[0].Next = []Next{{Node: "a"}}
	if err := g.Validate(); err != nil {
		t.Errorf("model_selector with one next should validate: %v", err)
	}
}

func TestGraphValidateConditionNeedsCandidates(t *testing.T) {
	g := &Graph{
		ID:    "g",
		Entry: "cond",
		Nodes: []NodeSpec{
			{ID: "cond", Type: NodeCondition},
		},
	}
	if err := g.Validate(); err == nil {
		t.Error("condition without candidates should be rejected")
	}
}

func TestGraphValidateParallelShape(t *testing.T) {
	base := func() *Graph {
		return &Graph{
			ID:    "fanout",
			Entry: "split",
			Nodes: []NodeSpec{
				{ID: "split", Type: NodeAgent, Parallel: true, Reducer: "collect",
					Next: []Next{{Node: "a"}, {Node: "b"}}, Join: "merge"},
				{ID: "a", Type: NodeAgent},
				{ID: "b", Type: NodeAgent},
				{ID: "merge", Type: NodeAgent},
			},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid parallel graph rejected: %v", err)
	}

	g := base()
	g.Nodes[0].Next = g.Nodes[0].Next[:1]
	if err := g.Validate(); err == nil {
		t.Error("parallel with one target should be rejected")
	}

	g = base()
	g.Nodes[0].Reducer = "vote"
	if err := g.Validate(); err == nil {
		t.Error("unknown reducer should be rejected")
	}

	g = base()
	g.Nodes[0].Join = "ghost"
	if err := g.Validate(); err == nil {
		t.Error("unknown join target should be rejected")
	}
}

func TestCapForPrecedence(t *testing.T) {
	g := twoNodeGraph()
	n := g.Node("draft")

	if got := g.CapFor(n); got != DefaultIterationCap {
		t.Errorf("expected default cap %d, got %d", DefaultIterationCap, got)
	}

	g.IterationCap = 5
	if got := g.CapFor(n); got != 5 {
		t.Errorf("graph cap should win over default, got %d", got)
	}

	n.IterationCap = 2
	if got := g.CapFor(n); got != 2 {
		t.Errorf("node cap should win over graph cap, got %d", got)
	}
}

func TestSingleNodeGraphValidates(t *testing.T) {
	g := SingleNodeGraph()
	if err := g.Validate(); err != nil {
		t.Fatalf("implicit graph must validate: %v", err)
	}
	if g.Node(g.Entry).Type != NodeModelSelector {
		t.Error("implicit graph should start with a selector node")
	}
}
