// Package health tracks per-provider availability, latency, and quota
// state. The Tracker owns every HealthRecord exclusively: other
// components read snapshots and write only through Tracker methods, so
// updates from concurrent runs are linearized per provider.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/modelmesh/provider"
)

// State is the availability classification of one provider.
type State string

const (
	// StateHealthy means the provider is fully dispatchable.
	StateHealthy State = "healthy"

	// StateDegraded means recent failures below the threshold.
	StateDegraded State = "degraded"

	// StateUnavailable means the failure threshold was crossed and the
	// provider is cooling down.
	StateUnavailable State = "unavailable"
)

// Record is a read-only snapshot of one provider's health.
type Record struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastLatency         time.Duration `json:"last_latency"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	CooldownUntil       time.Time     `json:"cooldown_until,omitempty"`
	Probation           bool          `json:"probation"`
	RateWindowStart     time.Time     `json:"rate_window_start,omitempty"`
	RequestsInWindow    int           `json:"requests_in_window"`
	RateLimit           int           `json:"rate_limit"`
}

// Config configures tracking behavior. All values are policy, not law:
// operators tune them per deployment.
type Config struct {
	// FailureThreshold is the consecutive-failure count that marks a
	// provider Unavailable.
	FailureThreshold int

	// Cooldown is the initial unavailability period.
	Cooldown time.Duration

	// CooldownMultiplier grows the cooldown on repeated probation failures.
	CooldownMultiplier float64

	// MaxCooldown caps the grown cooldown.
	MaxCooldown time.Duration

	// RateWindow is the fixed-size sliding window for request quotas.
	RateWindow time.Duration
}

// DefaultConfig returns sensible defaults for health tracking.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   3,
		Cooldown:           30 * time.Second,
		CooldownMultiplier: 2.0,
		MaxCooldown:        10 * time.Minute,
		RateWindow:         60 * time.Second,
	}
}

// record is the mutable per-provider state. Guarded by Tracker.mu.
type record struct {
	state               State
	consecutiveFailures int
	lastLatency         time.Duration
	lastSuccess         time.Time
	lastFailure         time.Time
	cooldownUntil       time.Time
	curCooldown         time.Duration
	probation           bool // one trial request in flight after cooldown
	rateWindowStart     time.Time
	requestsInWindow    int
	rateLimit           int
}

// StateChangeFunc observes provider state transitions. Called outside
// the tracker lock.
type StateChangeFunc func(providerID string, from, to State)

// Tracker is the process-wide health and rate table.
type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	records  map[string]*record
	now      func() time.Time
	onChange StateChangeFunc
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithStateChangeFunc registers a state-transition observer.
func WithStateChangeFunc(fn StateChangeFunc) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// NewTracker creates a tracker with the given policy.
func NewTracker(cfg Config, opts ...Option) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.CooldownMultiplier <= 1 {
		cfg.CooldownMultiplier = DefaultConfig().CooldownMultiplier
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = DefaultConfig().MaxCooldown
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultConfig().RateWindow
	}

	t := &Tracker{
		cfg:     cfg,
		records: make(map[string]*record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnStateChange appends a state-transition observer, chaining after
// any observer registered at construction. Callbacks run outside the
// tracker lock, in registration order.
func (t *Tracker) OnStateChange(fn StateChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.onChange
	if prev == nil {
		t.onChange = fn
		return
	}
	t.onChange = func(providerID string, from, to State) {
		prev(providerID, from, to)
		fn(providerID, from, to)
	}
}

// Register declares a provider and its rate limit. Unregistered
// providers are tracked on first use with no rate limit.
func (t *Tracker) Register(providerID string, rateLimit int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.getOrCreate(providerID)
	r.rateLimit = rateLimit
}

// getOrCreate returns the record for a provider, creating if needed.
// Caller holds t.mu.
func (t *Tracker) getOrCreate(providerID string) *record {
	if r, ok := t.records[providerID]; ok {
		return r
	}
	r := &record{
		state:       StateHealthy,
		curCooldown: t.cfg.Cooldown,
	}
	t.records[providerID] = r
	return r
}

// RecordOutcome folds one invocation result into the provider's record.
// Success resets the failure streak and closes any cooldown; failure or
// timeout advances toward (or re-triggers) unavailability.
func (t *Tracker) RecordOutcome(providerID string, inv provider.Invocation) {
	t.mu.Lock()
	r := t.getOrCreate(providerID)
	from := r.state
	now := t.now()

	switch inv.Outcome {
	case provider.OutcomeSuccess:
		r.consecutiveFailures = 0
		r.lastLatency = inv.Duration
		r.lastSuccess = now
		r.probation = false
		r.cooldownUntil = time.Time{}
		r.curCooldown = t.cfg.Cooldown
		r.state = StateHealthy

	case provider.OutcomeFailure, provider.OutcomeTimeout:
		r.consecutiveFailures++
		r.lastFailure = now
		r.lastLatency = inv.Duration

		if r.probation {
			// Trial request failed: re-enter full cooldown with backoff.
			r.probation = false
			next := time.Duration(float64(r.curCooldown) * t.cfg.CooldownMultiplier)
			if next > t.cfg.MaxCooldown {
				next = t.cfg.MaxCooldown
			}
			r.curCooldown = next
			r.cooldownUntil = now.Add(next)
			r.state = StateUnavailable
		} else if r.consecutiveFailures >= t.cfg.FailureThreshold {
			r.cooldownUntil = now.Add(r.curCooldown)
			r.state = StateUnavailable
		} else {
			r.state = StateDegraded
		}
	}

	to := r.state
	onChange := t.onChange
	t.mu.Unlock()

	if onChange != nil && from != to {
		onChange(providerID, from, to)
	}
}

// CanDispatch reports whether a request to the provider would be
// admitted right now: not cooling down, not over quota, and not already
// running its single probation trial.
func (t *Tracker) CanDispatch(providerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[providerID]
	if !ok {
		return true // unknown provider = dispatchable
	}
	return t.canDispatchLocked(r)
}

// canDispatchLocked implements the dispatch check. Caller holds t.mu.
func (t *Tracker) canDispatchLocked(r *record) bool {
	now := t.now()

	if r.state == StateUnavailable {
		if now.Before(r.cooldownUntil) {
			return false
		}
		// Cooldown elapsed: eligible for a single trial request.
		if r.probation {
			return false // trial already in flight
		}
	}

	t.rollWindowLocked(r, now)
	if r.rateLimit > 0 && r.requestsInWindow >= r.rateLimit {
		return false
	}
	return true
}

// rollWindowLocked clears the request count when the window has rolled.
func (t *Tracker) rollWindowLocked(r *record, now time.Time) {
	if r.rateWindowStart.IsZero() || now.Sub(r.rateWindowStart) >= t.cfg.RateWindow {
		r.rateWindowStart = now
		r.requestsInWindow = 0
	}
}

// AdmitRequest atomically admits one request, consuming a rate-window
// slot. Returns a classified error when the provider is over quota or
// still cooling down, without contacting the provider.
func (t *Tracker) AdmitRequest(providerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.getOrCreate(providerID)
	now := t.now()

	if r.state == StateUnavailable {
		if now.Before(r.cooldownUntil) || r.probation {
			return provider.NewError(provider.KindProviderUnavailable,
				fmt.Errorf("provider %s is cooling down until %s", providerID, r.cooldownUntil.Format(time.RFC3339)))
		}
		// Admit the single probation trial.
		r.probation = true
	}

	t.rollWindowLocked(r, now)
	if r.rateLimit > 0 && r.requestsInWindow >= r.rateLimit {
		retryAfter := t.cfg.RateWindow - now.Sub(r.rateWindowStart)
		return provider.NewRateLimitError(
			fmt.Errorf("provider %s rate window full (limit %d)", providerID, r.rateLimit), retryAfter)
	}
	r.requestsInWindow++
	return nil
}

// Snapshot returns a copy of the provider's record. The second return
// is false when the provider has never been seen.
func (t *Tracker) Snapshot(providerID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[providerID]
	if !ok {
		return Record{}, false
	}
	return Record{
		State:               r.state,
		ConsecutiveFailures: r.consecutiveFailures,
		LastLatency:         r.lastLatency,
		LastSuccess:         r.lastSuccess,
		LastFailure:         r.lastFailure,
		CooldownUntil:       r.cooldownUntil,
		Probation:           r.probation,
		RateWindowStart:     r.rateWindowStart,
		RequestsInWindow:    r.requestsInWindow,
		RateLimit:           r.rateLimit,
	}, true
}

// LastLatency returns the provider's most recent invocation latency.
// Zero when unknown; selection treats that as neutral.
func (t *Tracker) LastLatency(providerID string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[providerID]; ok {
		return r.lastLatency
	}
	return 0
}

// Reset clears a provider's record. Operator action only.
func (t *Tracker) Reset(providerID string) {
	t.mu.Lock()
	r, ok := t.records[providerID]
	var from State
	var limit int
	if ok {
		from = r.state
		limit = r.rateLimit
		delete(t.records, providerID)
		if limit > 0 {
			t.getOrCreate(providerID).rateLimit = limit
		}
	}
	onChange := t.onChange
	t.mu.Unlock()

	if ok && onChange != nil && from != StateHealthy {
		onChange(providerID, from, StateHealthy)
	}
}

// Providers returns every tracked provider ID.
func (t *Tracker) Providers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	return ids
}
