package scopez

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// TransientFunc reports whether a low-level failure is known to be transient.
type TransientFunc func(error) bool

// Translate maps low-level failures from the inside of the pipeline into
// the failure taxonomy before they travel further out.
//
// Already-classified failures pass through untouched. A context failure
// becomes a CancelledError or TimeoutError. Transport failures are
// classified Retryable when the transient check recognizes them and Fatal
// otherwise. Anything else is treated as a transport failure.
//
// Place Translate inside Retry so Retry sees classified failures:
//
//	stages := []scopez.Stage{
//	    scopez.NewRetry("retry", 3, 50*time.Millisecond),
//	    scopez.NewTranslate("translate", nil),
//	}
type Translate struct {
	transient TransientFunc
	name      Name
}

// NewTranslate creates a Translate stage. A nil transient check uses
// IsTransient.
func NewTranslate(name Name, transient TransientFunc) *Translate {
	if transient == nil {
		transient = IsTransient
	}
	return &Translate{name: name, transient: transient}
}

// Handle implements Stage.
func (t *Translate) Handle(ctx context.Context, op Operation, next Next) (Result, error) {
	result, err := next(ctx, op)
	if err == nil {
		return result, nil
	}
	return result, t.translate(op, err)
}

func (t *Translate) translate(op Operation, err error) error {
	var serr *Error
	if errors.As(err, &serr) {
		if serr.Class != Unclassified {
			return err
		}
		if serr.Kind != nil && serr.Kind != ErrTransport {
			return Reclassify(err, Classify(err))
		}
		cp := *serr
		cp.Stage = t.name
		if t.transient(serr.Err) {
			cp.Class = Retryable
		} else {
			cp.Class = Fatal
		}
		return &cp
	}

	if cerr := ContextError(op.Name, err); cerr != nil {
		cerr.Stage = t.name
		return cerr
	}

	terr := TransportError(op.Name, err)
	terr.Stage = t.name
	if t.transient(err) {
		terr.Class = Retryable
	} else {
		terr.Class = Fatal
	}
	return terr
}

// Name returns the name of this stage.
func (t *Translate) Name() Name {
	return t.name
}

// IsTransient recognizes failures that commonly clear on their own:
// connection resets, refused or aborted connections, broken pipes,
// truncated reads and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrDeadlineExceeded):
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
