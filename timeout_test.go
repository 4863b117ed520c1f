package scopez

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("Deadline Becomes Timeout Error", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		timeout := NewTimeout("deadline", 100*time.Millisecond).WithClock(clock)
		wait := func(ctx context.Context, _ Operation) (Result, error) {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(time.Second):
				return Result{Payload: "late"}, nil
			}
		}
		p := Build("bounded", []Stage{timeout}, wait)

		done := make(chan error, 1)
		go func() {
			_, err := p.Invoke(ctx, NewOperation("slow"))
			done <- err
		}()

		time.Sleep(10 * time.Millisecond)
		clock.Advance(100 * time.Millisecond)
		clock.BlockUntilReady()

		err := <-done
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
		var serr *Error
		if !errors.As(err, &serr) || !serr.IsTimeout() || serr.Stage != "deadline" {
			t.Errorf("unexpected error detail: %+v", serr)
		}
		if Classify(err) != Fatal {
			t.Errorf("expected fatal, got %s", Classify(err))
		}
	})

	t.Run("Fast Operations Pass", func(t *testing.T) {
		p := Build("bounded", []Stage{NewTimeout("deadline", time.Second)}, func(_ context.Context, op Operation) (Result, error) {
			return Result{Payload: op.Name}, nil
		})

		result, err := p.Invoke(ctx, NewOperation("quick"))
		if err != nil || result.Payload != "quick" {
			t.Errorf("expected quick, got %v %v", result.Payload, err)
		}
	})

	t.Run("Other Failures Untouched", func(t *testing.T) {
		cause := InvalidError("op", errors.New("bad"))
		p := Build("bounded", []Stage{NewTimeout("deadline", time.Second)}, func(context.Context, Operation) (Result, error) {
			return Result{}, cause
		})

		if _, err := p.Invoke(ctx, NewOperation("op")); !errors.Is(err, cause) {
			t.Errorf("expected invalid failure, got %v", err)
		}
	})

	t.Run("Disabled When Non Positive", func(t *testing.T) {
		timeout := NewTimeout("deadline", 0)
		p := Build("bounded", []Stage{timeout}, func(ctx context.Context, _ Operation) (Result, error) {
			if _, ok := ctx.Deadline(); ok {
				return Result{}, errors.New("unexpected deadline")
			}
			return Result{}, nil
		})

		if _, err := p.Invoke(ctx, NewOperation("op")); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if timeout.Duration() != 0 {
			t.Errorf("expected 0, got %v", timeout.Duration())
		}
	})
}
