package scopez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError(t *testing.T) {
	t.Run("Kinds Match Through errors.Is", func(t *testing.T) {
		cases := []struct {
			err  error
			kind error
		}{
			{AcquisitionError("db", errors.New("refused")), ErrAcquisition},
			{TransportError("get", errors.New("reset")), ErrTransport},
			{RateLimitedError("get", "limiter"), ErrRateLimited},
			{AuthError("get", errors.New("expired")), ErrAuth},
			{InvalidError("get", errors.New("bad")), ErrInvalid},
			{ResourceClosedError("get"), ErrResourceClosed},
			{ContextError("get", context.Canceled), ErrCancelled},
			{ContextError("get", context.DeadlineExceeded), ErrTimeout},
		}
		all := []error{ErrAcquisition, ErrTransport, ErrRateLimited, ErrAuth, ErrInvalid, ErrResourceClosed, ErrCancelled, ErrTimeout}

		for _, tc := range cases {
			for _, kind := range all {
				if got := errors.Is(tc.err, kind); got != (kind == tc.kind) {
					t.Errorf("%v: errors.Is(%v) = %v", tc.err, kind, got)
				}
			}
		}
	})

	t.Run("Classify", func(t *testing.T) {
		cases := map[string]struct {
			err  error
			want Class
		}{
			"nil":           {nil, Unclassified},
			"plain":         {errors.New("x"), Fatal},
			"transport":     {TransportError("op", errors.New("x")), Fatal},
			"rate limited":  {RateLimitedError("op", "l"), Retryable},
			"wrapped limit": {fmt.Errorf("outer: %w", RateLimitedError("op", "l")), Retryable},
			"invalid":       {InvalidError("op", errors.New("x")), Invalid},
			"auth":          {AuthError("op", errors.New("x")), Fatal},
			"reclassified":  {Reclassify(TransportError("op", errors.New("x")), Retryable), Retryable},
		}
		for name, tc := range cases {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("%s: expected %s, got %s", name, tc.want, got)
			}
		}
	})

	t.Run("Reclassify Does Not Mutate", func(t *testing.T) {
		orig := TransportError("op", errors.New("x"))
		re := Reclassify(orig, Retryable)
		if orig.Class != Unclassified {
			t.Errorf("original mutated: %s", orig.Class)
		}
		if !errors.Is(re, ErrTransport) {
			t.Errorf("kind lost: %v", re)
		}
		if Reclassify(nil, Fatal) != nil {
			t.Error("nil should stay nil")
		}
	})

	t.Run("ContextError Ignores Other Failures", func(t *testing.T) {
		if ContextError("op", errors.New("x")) != nil {
			t.Error("expected nil")
		}
		if ContextError("op", nil) != nil {
			t.Error("expected nil")
		}
	})

	t.Run("Message Carries Context", func(t *testing.T) {
		err := TransportError("get", errors.New("connection reset"))
		err.Stage = "translate"
		err.Class = Retryable
		msg := err.Error()
		for _, part := range []string{`operation "get"`, `stage "translate"`, "transport failure", "retryable", "connection reset"} {
			if !strings.Contains(msg, part) {
				t.Errorf("message %q missing %q", msg, part)
			}
		}
	})

	t.Run("ScopeError Unwraps To Primary Only", func(t *testing.T) {
		primary := errors.New("block")
		closeErr := errors.New("close")
		err := &ScopeError{Err: primary, CloseErr: closeErr}

		if !errors.Is(err, primary) {
			t.Error("expected primary to match")
		}
		if errors.Is(err, closeErr) {
			t.Error("close failure should not match")
		}
		if !strings.Contains(err.Error(), "close") {
			t.Errorf("message should mention close failure: %s", err)
		}
	})

	t.Run("Timeout And Cancel Predicates", func(t *testing.T) {
		if !ContextError("op", context.DeadlineExceeded).IsTimeout() {
			t.Error("expected timeout")
		}
		if !ContextError("op", context.Canceled).IsCanceled() {
			t.Error("expected canceled")
		}
		if TransportError("op", errors.New("x")).IsTimeout() {
			t.Error("unexpected timeout")
		}
	})
}
