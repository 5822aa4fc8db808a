package provider

import "time"

// Outcome classifies how one invocation attempt ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Invocation records one attempt at calling a provider for a node.
// It is the unit the health tracker consumes.
type Invocation struct {
	// Provider is the descriptor that was invoked.
	Provider Descriptor

	// StartedAt is when the attempt began.
	StartedAt time.Time

	// Duration is how long the attempt took, success or not.
	Duration time.Duration

	// Outcome is the attempt classification.
	Outcome Outcome

	// ErrKind carries the failure classification for non-success outcomes.
	ErrKind ErrorKind
}

// NewInvocation builds an invocation record from an attempt result.
func NewInvocation(d Descriptor, startedAt time.Time, err error) Invocation {
	inv := Invocation{
		Provider:  d,
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
	}
	switch {
	case err == nil:
		inv.Outcome = OutcomeSuccess
	case KindOf(err) == KindTimeout:
		inv.Outcome = OutcomeTimeout
		inv.ErrKind = KindTimeout
	default:
		inv.Outcome = OutcomeFailure
		inv.ErrKind = KindOf(err)
	}
	return inv
}
