package scopez

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("Serializes Backend Calls", func(t *testing.T) {
		backend := newFakeBackend()
		var inFlight, peak atomic.Int32
		backend.perform = func(_ context.Context, op Operation) (any, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			return op.Arg(0), nil
		}
		s, err := Open(ctx, backend, "target", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer s.Close()

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _ = s.Run(ctx, NewOperation("echo", i)) //nolint:errcheck
			}(i)
		}
		wg.Wait()

		if peak.Load() != 1 {
			t.Errorf("expected serialized access, peak concurrency %d", peak.Load())
		}
	})

	t.Run("Close Waits For In-flight Operation", func(t *testing.T) {
		backend := newFakeBackend()
		started := make(chan struct{})
		release := make(chan struct{})
		var finished atomic.Bool
		backend.perform = func(context.Context, Operation) (any, error) {
			close(started)
			<-release
			finished.Store(true)
			return nil, nil
		}
		s, err := Open(ctx, backend, "target", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		go func() {
			_, _ = s.Run(ctx, NewOperation("slow")) //nolint:errcheck
		}()
		<-started

		closed := make(chan struct{})
		go func() {
			_ = s.Close() //nolint:errcheck
			close(closed)
		}()

		select {
		case <-closed:
			t.Fatal("close returned while an operation was in flight")
		case <-time.After(20 * time.Millisecond):
		}
		close(release)
		<-closed

		if !finished.Load() {
			t.Error("operation should have completed before release")
		}
		select {
		case <-s.Handle().Done():
		default:
			t.Error("done channel should be closed")
		}
	})

	t.Run("Backend Failures Become Transport Errors", func(t *testing.T) {
		backend := newFakeBackend()
		cause := errors.New("broken pipe")
		backend.perform = func(context.Context, Operation) (any, error) { return nil, cause }
		s, err := Open(ctx, backend, "target", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer s.Close()

		_, err = s.Run(ctx, NewOperation("op"))
		if !errors.Is(err, ErrTransport) || !errors.Is(err, cause) {
			t.Errorf("expected transport failure wrapping cause, got %v", err)
		}
		if Classify(err) != Fatal {
			t.Errorf("untranslated transport failure should be fatal, got %s", Classify(err))
		}
	})

	t.Run("Backend Scopez Errors Pass Through", func(t *testing.T) {
		backend := newFakeBackend()
		cause := InvalidError("op", errors.New("bad arg"))
		backend.perform = func(context.Context, Operation) (any, error) { return nil, cause }
		s, err := Open(ctx, backend, "target", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer s.Close()

		_, err = s.Run(ctx, NewOperation("op"))
		if !errors.Is(err, cause) {
			t.Errorf("expected backend failure unchanged, got %v", err)
		}
	})

	t.Run("Handle Travels In Context", func(t *testing.T) {
		if _, ok := HandleFrom(ctx); ok {
			t.Error("expected no handle")
		}
		h := newHandle(newFakeBackend(), "x", &fakeRaw{})
		got, ok := HandleFrom(WithHandle(ctx, h))
		if !ok || got != h {
			t.Error("expected handle from context")
		}
	})
}
