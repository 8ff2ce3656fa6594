// Package breaker implements the circuit breaker that guards calls to the
// upstream chat-completions API.
package breaker

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	Closed   State = iota // calls pass through
	Open                  // calls are rejected until the cooldown elapses
	HalfOpen              // probing after cooldown
)

// String returns the label used in metrics and health output.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// Snapshot is a point-in-time view of the breaker, safe to serialize.
type Snapshot struct {
	State         string     `json:"state"`
	FailureCount  int        `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets how many failures open the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the circuit stays open before a probe is allowed.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateChange registers a callback invoked after every transition.
// It runs outside the breaker lock.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
// Callers check CanExecute before contacting the upstream and report the
// outcome with RecordSuccess or RecordFailure.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failureCount int
	lastFailure  time.Time

	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(from, to State)
}

// New creates a closed breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:     Closed,
		threshold: DefaultFailureThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CanExecute reports whether a call may proceed. An open breaker whose
// cooldown has elapsed moves to HalfOpen as part of this check.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	switch b.state {
	case Closed, HalfOpen:
		b.mu.Unlock()
		return true
	}

	if b.now().Sub(b.lastFailure) <= b.cooldown {
		b.mu.Unlock()
		return false
	}
	from := b.transitionLocked(HalfOpen)
	b.mu.Unlock()

	b.notify(from, HalfOpen)
	return true
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failureCount = 0
	from := b.transitionLocked(Closed)
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure counts a failure and opens the circuit once the threshold
// is reached. From HalfOpen the count is already past the threshold, so a
// single failure re-opens it with a fresh timestamp.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failureCount++
	b.lastFailure = b.now()
	from := b.state
	if b.failureCount >= b.threshold {
		from = b.transitionLocked(Open)
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StateLabel returns the current state as a string.
func (b *Breaker) StateLabel() string {
	return b.State().String()
}

// FailureCount returns the number of failures since the last success.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Snapshot returns the breaker's current state for monitoring.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		State:        b.state.String(),
		FailureCount: b.failureCount,
	}
	if !b.lastFailure.IsZero() {
		last := b.lastFailure
		s.LastFailureAt = &last
	}
	if b.state == Open {
		until := b.lastFailure.Add(b.cooldown)
		s.CooldownUntil = &until
	}
	return s
}

// transitionLocked sets the new state and returns the previous one.
// Caller must hold mu.
func (b *Breaker) transitionLocked(to State) State {
	from := b.state
	b.state = to
	return from
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}
