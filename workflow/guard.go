package workflow

import (
	"fmt"
	"strings"
)

// GuardOp is a comparison operator in a guard predicate.
type GuardOp string

const (
	OpEquals    GuardOp = "eq"
	OpNotEquals GuardOp = "ne"
	OpGreater   GuardOp = "gt"
	OpLess      GuardOp = "lt"
	OpContains  GuardOp = "contains"
	OpExists    GuardOp = "exists"
	OpAbsent    GuardOp = "absent"
)

// Guard is a declarative predicate over shared state: a key path, an
// operator, and a comparison value. Guards are data, not code, so
// transitions stay replayable.
type Guard struct {
	// Key is the shared-state key, with dots traversing nested maps
	// ("nodes.review.output").
	Key string `yaml:"key" json:"key"`

	// Op is the comparison operator.
	Op GuardOp `yaml:"op" json:"op"`

	// Value is the right-hand side. Unused for exists/absent.
	Value any `yaml:"value,omitempty" json:"value,omitempty"`
}

// Validate checks the guard shape.
func (g Guard) Validate() error {
	if g.Key == "" {
		return fmt.Errorf("guard key is required")
	}
	switch g.Op {
	case OpEquals, OpNotEquals, OpGreater, OpLess, OpContains:
		if g.Value == nil {
			return fmt.Errorf("guard %s %s requires a value", g.Key, g.Op)
		}
	case OpExists, OpAbsent:
		// No value needed.
	default:
		return fmt.Errorf("unknown guard op %q", g.Op)
	}
	return nil
}

// Evaluate applies the predicate to shared state. Missing keys satisfy
// only absent; comparisons on missing keys are false.
func (g Guard) Evaluate(state map[string]any) bool {
	val, ok := lookup(state, g.Key)

	switch g.Op {
	case OpExists:
		return ok
	case OpAbsent:
		return !ok
	}
	if !ok {
		return false
	}

	switch g.Op {
	case OpEquals:
		return looseEqual(val, g.Value)
	case OpNotEquals:
		return !looseEqual(val, g.Value)
	case OpGreater:
		a, aok := asFloat(val)
		b, bok := asFloat(g.Value)
		return aok && bok && a > b
	case OpLess:
		a, aok := asFloat(val)
		b, bok := asFloat(g.Value)
		return aok && bok && a < b
	case OpContains:
		return strings.Contains(asString(val), asString(g.Value))
	}
	return false
}

// lookup resolves a dotted key path through nested string-keyed maps.
func lookup(state map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ".")
	var cur any = state
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares across the types YAML and JSON produce for the
// same literal (int vs float64, etc).
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return asString(a) == asString(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
