package scopez

import (
	"context"
	"errors"
	"time"

	"github.com/zoobzio/clockz"
)

// Timeout bounds the rest of the pipeline with a deadline.
// Timeout derives a context that expires after duration and passes it on.
// The inner stages and the backend are expected to respect it; when the
// deadline fires the failure becomes a TimeoutError, and the handle is left
// open for later operations.
//
// A caller-supplied deadline that is earlier than duration still wins.
//
// Example:
//
//	timeout := scopez.NewTimeout("deadline", 2*time.Second)
type Timeout struct {
	clock    clockz.Clock
	name     Name
	duration time.Duration
}

// NewTimeout creates a Timeout stage. A non-positive duration disables it.
func NewTimeout(name Name, duration time.Duration) *Timeout {
	return &Timeout{name: name, duration: duration}
}

// Handle implements Stage.
func (t *Timeout) Handle(ctx context.Context, op Operation, next Next) (Result, error) {
	if t.duration <= 0 {
		return next(ctx, op)
	}

	ctx, cancel := t.getClock().WithTimeout(ctx, t.duration)
	defer cancel()

	result, err := next(ctx, op)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		terr := ContextError(op.Name, ctx.Err())
		terr.Stage = t.name
		return result, terr
	}
	return result, err
}

// Duration returns the configured deadline.
func (t *Timeout) Duration() time.Duration {
	return t.duration
}

// Name returns the name of this stage.
func (t *Timeout) Name() Name {
	return t.name
}

// WithClock sets a custom clock for testing.
func (t *Timeout) WithClock(clock clockz.Clock) *Timeout {
	t.clock = clock
	return t
}

func (t *Timeout) getClock() clockz.Clock {
	if t.clock == nil {
		return clockz.RealClock
	}
	return t.clock
}
