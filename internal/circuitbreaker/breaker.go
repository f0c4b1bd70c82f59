// Package circuitbreaker short-circuits chain reads for RPC methods that keep
// failing, so a broken provider costs one timeout per window instead of one
// per request.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Reads flow through
	StateOpen                  // Reads short-circuit to their fallback
	StateHalfOpen              // One probe read allowed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "defiagents",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Chain read circuit transitions by RPC method, from-state, and to-state.",
}, []string{"method", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per RPC method.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures of a
// method and probes again after openDuration.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// Allow reports whether a read of method may hit the provider.
func (b *Breaker) Allow(method string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[method]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, method, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// Record feeds the outcome of a read back into the breaker.
func (b *Breaker) Record(method string, err error) {
	if err == nil {
		b.recordSuccess(method)
		return
	}
	b.recordFailure(method)
}

func (b *Breaker) recordSuccess(method string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[method]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, method, StateClosed)
	}
	e.failures = 0
}

func (b *Breaker) recordFailure(method string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[method]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[method] = e
	}

	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, method, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, method, StateOpen)
	}
}

// State returns the current state for a method.
func (b *Breaker) State(method string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[method]; ok {
		return e.state
	}
	return StateClosed
}

// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, method string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	transitions.WithLabelValues(method, from.String(), to.String()).Inc()
}
