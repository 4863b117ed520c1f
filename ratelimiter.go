package scopez

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"golang.org/x/time/rate"
)

// Rate limiter modes.
const (
	// ModeWindow grants perWindow tokens at the start of every window.
	// Unused tokens do not carry over.
	ModeWindow = "window"
	// ModeSmooth is a token bucket holding at most perWindow tokens and
	// refilling one token every window/perWindow.
	ModeSmooth = "smooth"
)

// Observability constants for RateLimiter.
const (
	RateLimiterAllowedTotal  = metricz.Key("ratelimiter.allowed.total")
	RateLimiterRejectedTotal = metricz.Key("ratelimiter.rejected.total")

	RateLimiterEventRejected = hookz.Key("ratelimiter.rejected")
)

// RateLimiterEvent is emitted when an operation is rejected.
type RateLimiterEvent struct {
	Timestamp time.Time
	Name      Name
	Operation string
	Mode      string
	PerWindow int
	Window    time.Duration
}

// RateLimiter maintains a token budget and rejects operations once it is
// exhausted. A rejected operation never reaches the rest of the pipeline;
// the failure is a RateLimitedError, classified Retryable. The limiter never
// retries on its own: retrying after a backoff is up to whoever called it,
// for example an outer Retry stage.
//
// CRITICAL: RateLimiter is a STATEFUL stage. Build it once and share the
// instance; a limiter created per operation never limits anything. The
// budget is protected by the limiter's own lock, so one instance can serve
// many pipelines and sessions.
//
// Example:
//
//	// 100 operations per second, budget reset every second
//	var apiLimiter = scopez.NewRateLimiter("api", 100, time.Second)
type RateLimiter struct {
	windowStart time.Time
	clock       clockz.Clock
	bucket      *rate.Limiter
	metrics     *metricz.Registry
	hooks       *hookz.Hooks[RateLimiterEvent]
	name        Name
	mode        string
	window      time.Duration
	perWindow   int
	used        int
	mu          sync.Mutex
}

// NewRateLimiter creates a RateLimiter allowing perWindow operations per
// window. Non-positive values are raised to 1 and 1ms respectively.
func NewRateLimiter(name Name, perWindow int, window time.Duration) *RateLimiter {
	if perWindow < 1 {
		perWindow = 1
	}
	if window <= 0 {
		window = time.Millisecond
	}

	metrics := metricz.New()
	metrics.Counter(RateLimiterAllowedTotal)
	metrics.Counter(RateLimiterRejectedTotal)

	return &RateLimiter{
		name:      name,
		perWindow: perWindow,
		window:    window,
		mode:      ModeWindow,
		metrics:   metrics,
		hooks:     hookz.New[RateLimiterEvent](),
	}
}

// Handle implements Stage.
func (r *RateLimiter) Handle(ctx context.Context, op Operation, next Next) (Result, error) {
	if !r.take() {
		r.metrics.Counter(RateLimiterRejectedTotal).Inc()
		r.mu.Lock()
		event := RateLimiterEvent{
			Name:      r.name,
			Operation: op.Name,
			Mode:      r.mode,
			PerWindow: r.perWindow,
			Window:    r.window,
			Timestamp: time.Now(),
		}
		r.mu.Unlock()
		_ = r.hooks.Emit(ctx, RateLimiterEventRejected, event) //nolint:errcheck
		return Result{}, RateLimitedError(op.Name, r.name)
	}
	r.metrics.Counter(RateLimiterAllowedTotal).Inc()
	return next(ctx, op)
}

// take consumes one token if available.
func (r *RateLimiter) take() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.getClock().Now()
	if r.mode == ModeSmooth {
		if r.bucket == nil {
			limit := rate.Limit(float64(r.perWindow) / r.window.Seconds())
			r.bucket = rate.NewLimiter(limit, r.perWindow)
		}
		return r.bucket.AllowN(now, 1)
	}

	if r.windowStart.IsZero() || now.Sub(r.windowStart) >= r.window {
		// Realign to the schedule rather than to the first call after a gap.
		if r.windowStart.IsZero() {
			r.windowStart = now
		} else {
			elapsed := now.Sub(r.windowStart)
			r.windowStart = r.windowStart.Add(elapsed - elapsed%r.window)
		}
		r.used = 0
	}
	if r.used >= r.perWindow {
		return false
	}
	r.used++
	return true
}

// SetMode switches between ModeWindow and ModeSmooth. Unknown modes are
// ignored. Switching resets the budget.
func (r *RateLimiter) SetMode(mode string) *RateLimiter {
	if mode != ModeWindow && mode != ModeSmooth {
		return r
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
	r.bucket = nil
	r.windowStart = time.Time{}
	r.used = 0
	return r
}

// Mode returns the current mode.
func (r *RateLimiter) Mode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Remaining returns the tokens left in the current window.
func (r *RateLimiter) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode == ModeSmooth {
		if r.bucket == nil {
			return r.perWindow
		}
		return int(r.bucket.TokensAt(r.getClock().Now()))
	}
	if r.windowStart.IsZero() || r.getClock().Now().Sub(r.windowStart) >= r.window {
		return r.perWindow
	}
	return r.perWindow - r.used
}

// Name returns the name of this stage.
func (r *RateLimiter) Name() Name {
	return r.name
}

// Metrics returns the metrics registry for this stage.
func (r *RateLimiter) Metrics() *metricz.Registry {
	return r.metrics
}

// OnRejected registers a handler called asynchronously for every rejection.
func (r *RateLimiter) OnRejected(handler func(context.Context, RateLimiterEvent) error) error {
	_, err := r.hooks.Hook(RateLimiterEventRejected, handler)
	return err
}

// Close shuts down the event hooks.
func (r *RateLimiter) Close() error {
	r.hooks.Close()
	return nil
}

// WithClock sets a custom clock for testing.
func (r *RateLimiter) WithClock(clock clockz.Clock) *RateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
	return r
}

func (r *RateLimiter) getClock() clockz.Clock {
	if r.clock == nil {
		return clockz.RealClock
	}
	return r.clock
}
