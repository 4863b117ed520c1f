package scopez

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestCache(t *testing.T) {
	ctx := context.Background()

	t.Run("Serves Fresh Results Without Reaching Terminal", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		cache := NewCache("cache", time.Minute).WithClock(clock)
		var calls atomic.Int32
		p := Build("cached", []Stage{cache}, failing(&calls))

		first, err := p.Invoke(ctx, NewOperation("get", "k"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		second, err := p.Invoke(ctx, NewOperation("get", "k"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if first.Cached || !second.Cached {
			t.Errorf("expected only the second result cached, got %v %v", first.Cached, second.Cached)
		}
		if second.Payload != "k" {
			t.Errorf("expected k, got %v", second.Payload)
		}
		if calls.Load() != 1 {
			t.Errorf("expected 1 terminal call, got %d", calls.Load())
		}
		if v := cache.Metrics().Counter(CacheHitsTotal).Value(); v != 1 {
			t.Errorf("expected 1 hit, got %v", v)
		}
	})

	t.Run("Entries Expire", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		cache := NewCache("cache", time.Minute).WithClock(clock)
		var calls atomic.Int32
		p := Build("cached", []Stage{cache}, failing(&calls))

		_, _ = p.Invoke(ctx, NewOperation("get", "k")) //nolint:errcheck
		clock.Advance(time.Minute)
		result, _ := p.Invoke(ctx, NewOperation("get", "k")) //nolint:errcheck

		if result.Cached {
			t.Error("expired entry should not be served")
		}
		if calls.Load() != 2 {
			t.Errorf("expected 2 terminal calls, got %d", calls.Load())
		}
	})

	t.Run("Arguments Distinguish Entries", func(t *testing.T) {
		cache := NewCache("cache", time.Minute)
		var calls atomic.Int32
		p := Build("cached", []Stage{cache}, failing(&calls))

		_, _ = p.Invoke(ctx, NewOperation("get", 1))   //nolint:errcheck
		_, _ = p.Invoke(ctx, NewOperation("get", "1")) //nolint:errcheck
		_, _ = p.Invoke(ctx, NewOperation("len"))      //nolint:errcheck

		if calls.Load() != 3 {
			t.Errorf("expected 3 distinct calls, got %d", calls.Load())
		}
		if cache.Len() != 3 {
			t.Errorf("expected 3 entries, got %d", cache.Len())
		}
	})

	t.Run("Failures Are Not Cached", func(t *testing.T) {
		cache := NewCache("cache", time.Minute)
		var calls atomic.Int32
		p := Build("cached", []Stage{cache}, failing(&calls, errors.New("boom")))

		if _, err := p.Invoke(ctx, NewOperation("get", "k")); err == nil {
			t.Fatal("expected failure")
		}
		result, err := p.Invoke(ctx, NewOperation("get", "k"))
		if err != nil || result.Cached {
			t.Errorf("expected fresh success, got %v %v", result, err)
		}
	})

	t.Run("Custom Key Can Bypass", func(t *testing.T) {
		cache := NewCache("cache", time.Minute).WithKey(func(op Operation) (string, bool) {
			return op.Name, op.Name != "append"
		})
		var calls atomic.Int32
		p := Build("cached", []Stage{cache}, failing(&calls))

		_, _ = p.Invoke(ctx, NewOperation("append", "a")) //nolint:errcheck
		_, _ = p.Invoke(ctx, NewOperation("append", "a")) //nolint:errcheck
		if calls.Load() != 2 {
			t.Errorf("bypassed operations should always run, got %d calls", calls.Load())
		}

		cache.Invalidate()
		if cache.Len() != 0 {
			t.Errorf("expected empty cache, got %d", cache.Len())
		}
	})
}
