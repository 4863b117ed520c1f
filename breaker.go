package scopez

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
)

// Circuit states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// Observability constants for CircuitBreaker.
const (
	BreakerRejectedTotal = metricz.Key("breaker.rejected.total")
	BreakerOpenedTotal   = metricz.Key("breaker.opened.total")

	BreakerEventOpened   = hookz.Key("breaker.opened")
	BreakerEventHalfOpen = hookz.Key("breaker.half_open")
	BreakerEventClosed   = hookz.Key("breaker.closed")
)

// BreakerEvent is emitted on every state change.
type BreakerEvent struct {
	Timestamp  time.Time
	Name       Name
	State      string
	Failures   int
	Threshold  int
	Generation int
}

// CircuitBreaker stops sending operations to a resource that keeps failing.
//
// Closed, it passes operations through and counts consecutive failures that
// point at the resource itself: transport failures (translated or not),
// timeouts and errors from terminals that are not scopez errors. Invalid
// operations, auth failures, rate limiting and cancellation do not count.
// At threshold it opens and rejects every operation with a CircuitOpenError
// (Retryable) without calling next. Once resetTimeout has passed it lets a
// single trial operation through (half-open) and rejects the rest while
// the trial runs: success closes the circuit, failure opens it again.
//
// CRITICAL: CircuitBreaker is a STATEFUL stage. Build it once and share it
// across sessions; a breaker created per operation never opens.
//
// Example:
//
//	var dbBreaker = scopez.NewCircuitBreaker("db", 5, 30*time.Second)
type CircuitBreaker struct {
	lastFailure  time.Time
	clock        clockz.Clock
	metrics      *metricz.Registry
	hooks        *hookz.Hooks[BreakerEvent]
	name         Name
	state        string
	resetTimeout time.Duration
	threshold    int
	failures     int
	generation   int
	mu           sync.Mutex
	trial        bool
}

// NewCircuitBreaker creates a breaker that opens after threshold consecutive
// failures and tries again after resetTimeout. threshold is raised to 1.
func NewCircuitBreaker(name Name, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}

	metrics := metricz.New()
	metrics.Counter(BreakerRejectedTotal)
	metrics.Counter(BreakerOpenedTotal)

	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		metrics:      metrics,
		hooks:        hookz.New[BreakerEvent](),
	}
}

// Handle implements Stage.
func (cb *CircuitBreaker) Handle(ctx context.Context, op Operation, next Next) (Result, error) {
	cb.mu.Lock()
	cb.maybeHalfOpen(ctx)
	if cb.state == StateOpen || (cb.state == StateHalfOpen && cb.trial) {
		cb.mu.Unlock()
		cb.metrics.Counter(BreakerRejectedTotal).Inc()
		return Result{}, CircuitOpenError(op.Name, cb.name)
	}
	if cb.state == StateHalfOpen {
		cb.trial = true
	}
	generation := cb.generation
	cb.mu.Unlock()

	result, err := next(ctx, op)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	// A Reset or a state change by a concurrent trial makes this outcome stale.
	if cb.generation != generation {
		return result, err
	}
	// A trial that neither succeeds nor trips leaves the circuit half-open
	// for the next caller.
	cb.trial = false
	if err != nil && tripsBreaker(err) {
		cb.onFailure(ctx)
	} else if err == nil {
		cb.onSuccess(ctx)
	}
	return result, err
}

func tripsBreaker(err error) bool {
	var serr *Error
	if !errors.As(err, &serr) {
		return true
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}

// maybeHalfOpen moves an open circuit to half-open once resetTimeout has
// passed. Must be called with mu held.
func (cb *CircuitBreaker) maybeHalfOpen(ctx context.Context) {
	if cb.state != StateOpen || cb.getClock().Since(cb.lastFailure) < cb.resetTimeout {
		return
	}
	cb.transition(ctx, StateHalfOpen, BreakerEventHalfOpen)
}

func (cb *CircuitBreaker) onSuccess(ctx context.Context) {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.failures = 0
		cb.transition(ctx, StateClosed, BreakerEventClosed)
	}
}

func (cb *CircuitBreaker) onFailure(ctx context.Context) {
	cb.lastFailure = cb.getClock().Now()
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.open(ctx)
		}
	case StateHalfOpen:
		cb.open(ctx)
	}
}

func (cb *CircuitBreaker) open(ctx context.Context) {
	cb.metrics.Counter(BreakerOpenedTotal).Inc()
	cb.transition(ctx, StateOpen, BreakerEventOpened)
}

// transition changes state and bumps the generation. Must be called with mu held.
func (cb *CircuitBreaker) transition(ctx context.Context, state string, key hookz.Key) {
	cb.state = state
	cb.generation++
	cb.trial = false
	event := BreakerEvent{
		Name:       cb.name,
		State:      state,
		Failures:   cb.failures,
		Threshold:  cb.threshold,
		Generation: cb.generation,
		Timestamp:  cb.getClock().Now(),
	}
	if state != StateClosed {
		cb.failures = 0
	}
	_ = cb.hooks.Emit(ctx, key, event) //nolint:errcheck
}

// State returns the current state, reporting half-open once an open
// circuit's reset timeout has passed.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.getClock().Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the circuit and clears the failure count.
func (cb *CircuitBreaker) Reset() *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.generation++
	cb.trial = false
	return cb
}

// Threshold returns the consecutive failures needed to open the circuit.
func (cb *CircuitBreaker) Threshold() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.threshold
}

// ResetTimeout returns how long the circuit stays open.
func (cb *CircuitBreaker) ResetTimeout() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.resetTimeout
}

// Name returns the name of this stage.
func (cb *CircuitBreaker) Name() Name {
	return cb.name
}

// Metrics returns the metrics registry for this stage.
func (cb *CircuitBreaker) Metrics() *metricz.Registry {
	return cb.metrics
}

// OnOpened registers a handler called asynchronously when the circuit opens.
func (cb *CircuitBreaker) OnOpened(handler func(context.Context, BreakerEvent) error) error {
	_, err := cb.hooks.Hook(BreakerEventOpened, handler)
	return err
}

// OnHalfOpen registers a handler called asynchronously when a trial
// operation is let through.
func (cb *CircuitBreaker) OnHalfOpen(handler func(context.Context, BreakerEvent) error) error {
	_, err := cb.hooks.Hook(BreakerEventHalfOpen, handler)
	return err
}

// OnClosed registers a handler called asynchronously when the circuit closes
// after a successful trial.
func (cb *CircuitBreaker) OnClosed(handler func(context.Context, BreakerEvent) error) error {
	_, err := cb.hooks.Hook(BreakerEventClosed, handler)
	return err
}

// Close removes all hooks.
func (cb *CircuitBreaker) Close() error {
	cb.hooks.Close()
	return nil
}

// WithClock sets a custom clock for testing.
func (cb *CircuitBreaker) WithClock(clock clockz.Clock) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.clock = clock
	return cb
}

func (cb *CircuitBreaker) getClock() clockz.Clock {
	if cb.clock == nil {
		return clockz.RealClock
	}
	return cb.clock
}
