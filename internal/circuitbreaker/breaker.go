// Package circuitbreaker guards calls to an external processor. After a run
// of consecutive failures the circuit opens and callers fail fast; once the
// cooldown elapses a single probe is let through to test recovery.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of the circuit.
type State int

const (
	StateClosed   State = iota // requests flow
	StateOpen                  // requests rejected
	StateHalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "securetrade",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by circuit name.",
}, []string{"name", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

// Breaker is a single circuit protecting one downstream dependency.
// The zero value is not usable; construct with New.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for cooldown before probing. The name labels metrics.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call should proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits the caller as a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(StateHalfOpen)
		return true
	case StateHalfOpen:
		// A probe is already out; hold further callers back.
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure run and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
	b.failures = 0
}

// RecordFailure counts a failure. A failed probe reopens immediately; a
// closed circuit opens once the run reaches the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch {
	case b.state == StateHalfOpen:
		b.open()
	case b.state == StateClosed && b.failures >= b.threshold:
		b.open()
	}
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// open must be called with b.mu held.
func (b *Breaker) open() {
	b.openedAt = time.Now()
	b.transition(StateOpen)
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	stateTransitions.WithLabelValues(b.name, b.state.String(), to.String()).Inc()
	b.state = to
}
