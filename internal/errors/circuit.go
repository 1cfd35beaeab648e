package errors

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the backend while its breaker
// is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a breaker state as reported on the status endpoint.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func (s State) String() string { return string(s) }

// CircuitBreaker opens after maxFailures consecutive failures of one
// backend. Once resetTimeout has passed since the last failure a single
// trial call is let through: success closes the breaker, failure re-opens
// it for another resetTimeout.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu       sync.Mutex
	open     bool
	failures int
	openedAt time.Time
	trying   bool
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithMaxFailures sets how many consecutive failures open the breaker.
func WithMaxFailures(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.maxFailures = n
		}
	}
}

// WithResetTimeout sets how long an open breaker waits before trying again.
func WithResetTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.resetTimeout = d
		}
	}
}

// NewCircuitBreaker creates a closed breaker that opens after 5 failures
// and tries again after 30 seconds unless options say otherwise.
func NewCircuitBreaker(name string, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{name: name, maxFailures: 5, resetTimeout: 30 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the name of the guarded backend.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() State {
	switch {
	case !cb.open:
		return StateClosed
	case cb.now().Sub(cb.openedAt) > cb.resetTimeout:
		return StateHalfOpen
	default:
		return StateOpen
	}
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Execute calls fn unless the breaker is open or a trial call is already in
// flight, in which case it returns ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.trying {
			return false
		}
		cb.trying = true
	}
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trying = false
	if err == nil {
		cb.failures = 0
		cb.open = false
		return
	}
	cb.failures++
	if cb.open || cb.failures >= cb.maxFailures {
		cb.open = true
		cb.openedAt = cb.now()
	}
}
