package workflow

import "testing"

func TestGuardEvaluate(t *testing.T) {
	state := map[string]any{
		"status":   "approved",
		"attempts": 3,
		"score":    0.85,
		"nodes": map[string]any{
			"review": map[string]any{
				"output": "LGTM with nits",
			},
		},
	}

	tests := []struct {
		name  string
		guard Guard
		want  bool
	}{
		{"eq string match", Guard{Key: "status", Op: OpEquals, Value: "approved"}, true},
		{"eq string miss", Guard{Key: "status", Op: OpEquals, Value: "rejected"}, false},
		{"eq numeric cross-type", Guard{Key: "attempts", Op: OpEquals, Value: 3.0}, true},
		{"ne", Guard{Key: "status", Op: OpNotEquals, Value: "rejected"}, true},
		{"gt true", Guard{Key: "attempts", Op: OpGreater, Value: 2}, true},
		{"gt false", Guard{Key: "attempts", Op: OpGreater, Value: 3}, false},
		{"lt float", Guard{Key: "score", Op: OpLess, Value: 0.9}, true},
		{"gt non-numeric", Guard{Key: "status", Op: OpGreater, Value: 1}, false},
		{"contains", Guard{Key: "nodes.review.output", Op: OpContains, Value: "LGTM"}, true},
		{"contains miss", Guard{Key: "nodes.review.output", Op: OpContains, Value: "reject"}, false},
		{"exists nested", Guard{Key: "nodes.review.output", Op: OpExists}, true},
		{"exists missing", Guard{Key: "nodes.lint.output", Op: OpExists}, false},
		{"absent missing", Guard{Key: "nope", Op: OpAbsent}, true},
		{"absent present", Guard{Key: "status", Op: OpAbsent}, false},
		{"comparison on missing key", Guard{Key: "nope", Op: OpEquals, Value: "x"}, false},
		{"path through non-map", Guard{Key: "status.deeper", Op: OpExists}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.guard.Evaluate(state); got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGuardValidate(t *testing.T) {
	valid := []Guard{
		{Key: "a", Op: OpEquals, Value: "x"},
		{Key: "a", Op: OpExists},
		{Key: "a", Op: OpAbsent},
	}
	for _, g := range valid {
		if err := g.Validate(); err != nil {
			t.Errorf("guard %+v should validate: %v", g, err)
		}
	}

	invalid := []Guard{
		{Op: OpEquals, Value: "x"},             // no key
		{Key: "a", Op: OpEquals},               // comparison without value
		{Key: "a", Op: GuardOp("~"), Value: 1}, // unknown op
	}
	for _, g := range invalid {
		if err := g.Validate(); err == nil {
			t.Errorf("guard %+v should fail validation", g)
		}
	}
}
