package connectivity

import (
	"context"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation, calls pass through.
	BreakerOpen                         // Calls rejected immediately.
	BreakerHalfOpen                     // A bounded number of trial calls allowed.
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// MarshalText makes states render as their names in JSON.
func (s BreakerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// BreakerSnapshot is a consistent copy of the breaker fields.
type BreakerSnapshot struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	HalfOpenSuccesses   int          `json:"half_open_successes"`
	OpenedAt            time.Time    `json:"opened_at,omitzero"`
	LastSuccessAt       time.Time    `json:"last_success_at,omitzero"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitzero"`
}

// TransitionFunc observes state changes. It runs after the breaker lock is
// released, so it may call back into the breaker.
type TransitionFunc func(source string, from, to BreakerState)

// CircuitBreaker implements the circuit breaker pattern for one source.
// Every read and write of its fields goes through mu, whether the caller is
// live traffic or a canary probe.
type CircuitBreaker struct {
	mu           sync.Mutex
	source       string
	state        BreakerState
	failures     int
	successes    int
	inFlight     int // half-open trial calls admitted but not yet recorded
	generation   uint64
	threshold    int           // failures before opening
	resetTimeout time.Duration // how long to stay open before half-open
	halfOpenMax  int           // successes in half-open before closing
	openedAt     time.Time
	lastSuccess  time.Time
	lastFailure  time.Time
	now          func() time.Time // injectable clock for testing
	onTransition TransitionFunc
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets the consecutive failure count that trips the breaker open.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.threshold = n
		}
	}
}

// WithBreakerResetTimeout sets how long the breaker stays open before the
// next call moves it to half-open.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.resetTimeout = d
		}
	}
}

// WithBreakerHalfOpenMax sets how many successes in half-open are needed to
// close the breaker. It is also the number of concurrent trial calls allowed.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.halfOpenMax = n
		}
	}
}

// WithBreakerClock sets a custom clock function (for testing).
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// WithBreakerTransitions registers a state change observer.
func WithBreakerTransitions(fn TransitionFunc) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onTransition = fn }
}

// NewCircuitBreaker creates a breaker with sensible defaults:
// 5 failures to open, 30s reset timeout, 2 successes to close from half-open.
func NewCircuitBreaker(source string, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		source:       source,
		state:        BreakerClosed,
		threshold:    5,
		resetTimeout: 30 * time.Second,
		halfOpenMax:  2,
		now:          time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// Source returns the name the breaker was created for.
func (cb *CircuitBreaker) Source() string { return cb.source }

// State returns the current breaker state. It does not move an expired Open
// breaker to half-open; only a call attempt does that.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a copy of all breaker fields taken under the lock.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		HalfOpenSuccesses:   cb.successes,
		OpenedAt:            cb.openedAt,
		LastSuccessAt:       cb.lastSuccess,
		LastFailureAt:       cb.lastFailure,
	}
}

// RecoveryDue reports whether an open breaker would admit the next call.
func (cb *CircuitBreaker) RecoveryDue() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout
}

// ticket records how a call was admitted so its outcome is applied to the
// right half-open round.
type ticket struct {
	trial      bool
	generation uint64
}

// admit decides whether a call may proceed.
func (cb *CircuitBreaker) admit() (ticket, bool) {
	cb.mu.Lock()
	var fire func()
	defer func() {
		cb.mu.Unlock()
		if fire != nil {
			fire()
		}
	}()

	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		fire = cb.setState(BreakerHalfOpen)
	}

	switch cb.state {
	case BreakerClosed:
		return ticket{}, true
	case BreakerHalfOpen:
		if cb.inFlight >= cb.halfOpenMax {
			return ticket{}, false
		}
		cb.inFlight++
		return ticket{trial: true, generation: cb.generation}, true
	}
	return ticket{}, false
}

// record applies the outcome of an admitted call.
func (cb *CircuitBreaker) record(t ticket, err error) {
	cb.mu.Lock()
	var fire func()
	defer func() {
		cb.mu.Unlock()
		if fire != nil {
			fire()
		}
	}()

	current := t.trial && t.generation == cb.generation && cb.state == BreakerHalfOpen
	if current {
		cb.inFlight--
	}

	if err == nil {
		cb.lastSuccess = cb.now()
		switch cb.state {
		case BreakerClosed:
			cb.failures = 0
		case BreakerHalfOpen:
			if current {
				cb.successes++
				if cb.successes >= cb.halfOpenMax {
					fire = cb.setState(BreakerClosed)
				}
			}
		}
		return
	}

	if !countsAgainstBreaker(err) {
		return
	}

	cb.lastFailure = cb.now()
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			fire = cb.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		if current {
			cb.failures++
			fire = cb.setState(BreakerOpen)
		}
	}
}

// setState mutates state and returns the observer call to run once the lock
// is released. Must be called with mu held.
func (cb *CircuitBreaker) setState(to BreakerState) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	switch to {
	case BreakerOpen:
		cb.openedAt = cb.now()
		cb.successes = 0
	case BreakerHalfOpen:
		cb.generation++
		cb.successes = 0
		cb.inFlight = 0
	case BreakerClosed:
		cb.failures = 0
		cb.successes = 0
		cb.inFlight = 0
	}
	if cb.onTransition == nil {
		return nil
	}
	fn, source := cb.onTransition, cb.source
	return func() { fn(source, from, to) }
}

// Execute runs fn if the breaker admits it and records the outcome. When the
// breaker is open it returns *ErrCircuitOpen without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) (err error) {
	t, ok := cb.admit()
	if !ok {
		return &ErrCircuitOpen{Source: cb.source}
	}
	defer func() {
		if r := recover(); r != nil {
			cb.record(t, &ErrPanic{Value: r})
			panic(r)
		}
		cb.record(t, err)
	}()
	return fn()
}

// Reset forces the breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	fire := cb.setState(BreakerClosed)
	cb.failures = 0
	cb.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// WithCircuitBreaker returns a HandlerMiddleware that gates calls through
// the breaker. When the breaker is open, calls are rejected immediately with
// ErrCircuitOpen.
func WithCircuitBreaker(cb *CircuitBreaker) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			var resp []byte
			err := cb.Execute(func() error {
				var err error
				resp, err = next(ctx, req)
				return err
			})
			return resp, err
		}
	}
}
