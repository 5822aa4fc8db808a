package orchestrator

import (
	"fmt"
	"strings"

	"github.com/c360studio/modelmesh/provider"
)

// Attempt records one provider tried during a node's fallback chain.
type Attempt struct {
	Provider string             `json:"provider"`
	Kind     provider.ErrorKind `json:"kind"`
}

// ExhaustedError is the terminal node failure after the fallback chain
// ran out of candidates. It carries every (provider, errorKind) pair
// attempted, in order, for diagnosis.
type ExhaustedError struct {
	Node     string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s(%s)", a.Provider, a.Kind)
	}
	return fmt.Sprintf("providers exhausted at node %s: [%s]", e.Node, strings.Join(parts, ", "))
}
