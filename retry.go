package scopez

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
)

// Observability constants for Retry.
const (
	RetryAttemptsTotal  = metricz.Key("retry.attempts.total")
	RetryRetriesTotal   = metricz.Key("retry.retries.total")
	RetryExhaustedTotal = metricz.Key("retry.exhausted.total")

	RetryEventAttempt   = hookz.Key("retry.attempt")
	RetryEventExhausted = hookz.Key("retry.exhausted")
)

// MaxBackoff is the longest wait doubling can reach between attempts.
const MaxBackoff = time.Hour

// RetryEvent describes one failed attempt, or the final exhaustion.
type RetryEvent struct {
	Timestamp   time.Time
	Error       error
	Name        Name
	Operation   string
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

// Retry calls the rest of the pipeline again when it fails with a Retryable
// failure. Fatal and Invalid failures, and failures nobody classified, are
// returned at once.
//
// With maxRetries = N the rest of the pipeline runs at most N+1 times.
// Attempts are strictly sequential, spaced by exponential backoff starting
// at backoffBase (base, 2*base, 4*base, ...) and growing no further than
// MaxBackoff, or backoffBase itself if that is larger. When retries run out the last
// attempt's result and failure are returned unchanged. If ctx ends during a
// backoff wait the failure is a CancelledError or TimeoutError.
//
// Retry makes no promise about idempotency. Whether running an operation
// twice is safe is a property of the terminal operation, not of the stage.
//
// Example:
//
//	retry := scopez.NewRetry("retry", 3, 100*time.Millisecond)
//	pipeline := scopez.Build("api", []scopez.Stage{retry, scopez.NewTranslate("translate", nil)}, scopez.Perform)
type Retry struct {
	clock       clockz.Clock
	metrics     *metricz.Registry
	hooks       *hookz.Hooks[RetryEvent]
	name        Name
	backoffBase time.Duration
	maxRetries  int
	mu          sync.RWMutex
}

// NewRetry creates a Retry stage. Negative maxRetries is treated as zero.
func NewRetry(name Name, maxRetries int, backoffBase time.Duration) *Retry {
	if maxRetries < 0 {
		maxRetries = 0
	}

	metrics := metricz.New()
	metrics.Counter(RetryAttemptsTotal)
	metrics.Counter(RetryRetriesTotal)
	metrics.Counter(RetryExhaustedTotal)

	return &Retry{
		name:        name,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		metrics:     metrics,
		hooks:       hookz.New[RetryEvent](),
	}
}

// Handle implements Stage.
func (r *Retry) Handle(ctx context.Context, op Operation, next Next) (Result, error) {
	r.mu.RLock()
	maxRetries := r.maxRetries
	delay := r.backoffBase
	clock := r.getClock()
	r.mu.RUnlock()

	maxAttempts := maxRetries + 1
	var result Result
	var err error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r.metrics.Counter(RetryAttemptsTotal).Inc()
		result, err = next(ctx, op)
		if err == nil || Classify(err) != Retryable {
			return result, err
		}

		if attempt == maxAttempts {
			break
		}

		_ = r.hooks.Emit(ctx, RetryEventAttempt, RetryEvent{ //nolint:errcheck
			Name:        r.name,
			Operation:   op.Name,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			Delay:       delay,
			Error:       err,
			Timestamp:   time.Now(),
		})

		if delay > 0 {
			select {
			case <-clock.After(delay):
			case <-ctx.Done():
				return result, ContextError(op.Name, ctx.Err())
			}
			delay = nextBackoff(delay)
		} else if cerr := ContextError(op.Name, ctx.Err()); cerr != nil {
			return result, cerr
		}
		r.metrics.Counter(RetryRetriesTotal).Inc()
	}

	r.metrics.Counter(RetryExhaustedTotal).Inc()
	_ = r.hooks.Emit(ctx, RetryEventExhausted, RetryEvent{ //nolint:errcheck
		Name:        r.name,
		Operation:   op.Name,
		Attempt:     maxAttempts,
		MaxAttempts: maxAttempts,
		Error:       err,
		Timestamp:   time.Now(),
	})
	return result, err
}

// SetMaxRetries updates the number of retries after the first attempt.
func (r *Retry) SetMaxRetries(n int) *Retry {
	if n < 0 {
		n = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxRetries = n
	return r
}

// MaxRetries returns the current retry budget.
func (r *Retry) MaxRetries() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxRetries
}

// BackoffBase returns the delay before the first retry.
func (r *Retry) BackoffBase() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backoffBase
}

// Name returns the name of this stage.
func (r *Retry) Name() Name {
	return r.name
}

// Metrics returns the metrics registry for this stage.
func (r *Retry) Metrics() *metricz.Registry {
	return r.metrics
}

// OnAttempt registers a handler called asynchronously after each failed
// attempt that will be retried.
func (r *Retry) OnAttempt(handler func(context.Context, RetryEvent) error) error {
	_, err := r.hooks.Hook(RetryEventAttempt, handler)
	return err
}

// OnExhausted registers a handler called asynchronously when every attempt
// failed with a Retryable failure.
func (r *Retry) OnExhausted(handler func(context.Context, RetryEvent) error) error {
	_, err := r.hooks.Hook(RetryEventExhausted, handler)
	return err
}

// Close shuts down the event hooks.
func (r *Retry) Close() error {
	r.hooks.Close()
	return nil
}

// WithClock sets a custom clock for testing.
func (r *Retry) WithClock(clock clockz.Clock) *Retry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
	return r
}

func (r *Retry) getClock() clockz.Clock {
	if r.clock == nil {
		return clockz.RealClock
	}
	return r.clock
}

func nextBackoff(d time.Duration) time.Duration {
	if d >= MaxBackoff/2 {
		return max(d, MaxBackoff)
	}
	return d * 2
}
