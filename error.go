package scopez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Failure kinds. Every failure surfaced by a session, pipeline or sequence
// matches exactly one of these through errors.Is.
var (
	ErrAcquisition    = errors.New("acquisition failed")
	ErrTransport      = errors.New("transport failure")
	ErrRateLimited    = errors.New("rate limited")
	ErrAuth           = errors.New("authentication failed")
	ErrInvalid        = errors.New("invalid operation")
	ErrResourceClosed = errors.New("resource closed")
	ErrCancelled      = errors.New("cancelled")
	ErrTimeout        = errors.New("timed out")
	ErrCircuitOpen    = errors.New("circuit open")
)

var errEmptyName = errors.New("operation name is empty")

// Class governs whether a failure may be retried automatically.
type Class int

// Failure classes.
const (
	// Unclassified failures have not passed through a translating stage.
	// They are treated as Fatal by Classify.
	Unclassified Class = iota
	Retryable
	Fatal
	Invalid
)

// String returns the lower-case class name.
func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	case Invalid:
		return "invalid"
	default:
		return "unclassified"
	}
}

// Error provides rich context about a classified failure.
// It records which kind of failure occurred, how it is classified for retry
// purposes, the operation and stage involved, and the underlying cause.
//
// Use errors.Is against the Err* kinds to branch on the failure:
//
//	result, err := session.Run(ctx, op)
//	if errors.Is(err, scopez.ErrRateLimited) {
//	    // back off and try again later
//	}
//
// Use errors.As to reach the details:
//
//	var serr *scopez.Error
//	if errors.As(err, &serr) {
//	    log.Printf("%s failed in %s: %v", serr.Op, serr.Stage, serr.Err)
//	}
type Error struct {
	Timestamp time.Time
	Kind      error
	Err       error
	Op        string
	Stage     Name
	Class     Class
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		fmt.Fprintf(&b, "operation %q: ", e.Op)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, "stage %q: ", e.Stage)
	}
	b.WriteString(e.kind().Error())
	if e.Class != Unclassified {
		fmt.Fprintf(&b, " (%s)", e.Class)
	}
	if e.Err != nil && e.Err != e.Kind {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the failure kind of this error.
func (e *Error) Is(target error) bool {
	return target == e.kind()
}

func (e *Error) kind() error {
	if e.Kind == nil {
		return ErrTransport
	}
	return e.Kind
}

// IsTimeout reports whether the failure was caused by a deadline.
func (e *Error) IsTimeout() bool {
	return e.Kind == ErrTimeout || errors.Is(e.Err, context.DeadlineExceeded)
}

// IsCanceled reports whether the failure was caused by cancellation.
func (e *Error) IsCanceled() bool {
	return e.Kind == ErrCancelled || errors.Is(e.Err, context.Canceled)
}

func newError(kind error, class Class, op string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Class:     class,
		Op:        op,
		Err:       cause,
		Timestamp: time.Now(),
	}
}

// AcquisitionError reports that a resource could not be opened.
func AcquisitionError(target string, cause error) *Error {
	return newError(ErrAcquisition, Fatal, "", fmt.Errorf("target %q: %w", target, cause))
}

// TransportError wraps a low-level backend failure. It is left unclassified
// so a translating stage can decide whether it is transient.
func TransportError(op string, cause error) *Error {
	return newError(ErrTransport, Unclassified, op, cause)
}

// RateLimitedError reports an exhausted budget. Always Retryable.
func RateLimitedError(op string, stage Name) *Error {
	e := newError(ErrRateLimited, Retryable, op, nil)
	e.Stage = stage
	return e
}

// CircuitOpenError reports an operation rejected by an open circuit
// breaker. Retryable once the breaker's reset timeout has passed.
func CircuitOpenError(op string, stage Name) *Error {
	e := newError(ErrCircuitOpen, Retryable, op, nil)
	e.Stage = stage
	return e
}

// AuthError reports missing, expired or rejected credentials.
func AuthError(op string, cause error) *Error {
	return newError(ErrAuth, Fatal, op, cause)
}

// InvalidError reports a malformed operation. Never retried.
func InvalidError(op string, cause error) *Error {
	return newError(ErrInvalid, Invalid, op, cause)
}

// ResourceClosedError reports use of a handle after it was closed.
func ResourceClosedError(op string) *Error {
	return newError(ErrResourceClosed, Fatal, op, nil)
}

// ContextError converts a context failure into a Cancelled or Timeout error.
// It returns nil when err is not a context failure.
func ContextError(op string, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrTimeout, Fatal, op, err)
	case errors.Is(err, context.Canceled):
		return newError(ErrCancelled, Fatal, op, err)
	default:
		return nil
	}
}

// Classify returns the retry class of err.
//
// Classified errors keep their class. Rate limiting is always Retryable and
// invalid operations are always Invalid. Anything else, including transport
// failures that were never translated, is Fatal: retry is opt-in through
// explicit classification.
func Classify(err error) Class {
	if err == nil {
		return Unclassified
	}
	var serr *Error
	if errors.As(err, &serr) && serr.Class != Unclassified {
		return serr.Class
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return Retryable
	case errors.Is(err, ErrInvalid):
		return Invalid
	default:
		return Fatal
	}
}

// Reclassify returns a copy of err with a new class. Non-scopez errors are
// wrapped as transport failures first.
func Reclassify(err error, class Class) error {
	if err == nil {
		return nil
	}
	var serr *Error
	if errors.As(err, &serr) {
		cp := *serr
		cp.Class = class
		return &cp
	}
	e := TransportError("", err)
	e.Class = class
	return e
}

// ScopeError is returned by Use when the scoped block failed and releasing
// the resource failed as well. The block's failure stays primary: errors.Is
// and errors.As only see Err. The release failure rides along in CloseErr.
type ScopeError struct {
	Err      error
	CloseErr error
}

// Error implements the error interface.
func (e *ScopeError) Error() string {
	return fmt.Sprintf("%v (close: %v)", e.Err, e.CloseErr)
}

// Unwrap returns the primary failure.
func (e *ScopeError) Unwrap() error {
	return e.Err
}
