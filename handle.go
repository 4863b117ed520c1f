package scopez

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

var errNoHandle = errors.New("no resource handle in context")

// Handle owns one externally acquired resource.
//
// A Handle is created by Open and owned by exactly one Session. Every call
// that touches the backend (Perform and sequence pulls) holds the handle's
// lock, so the backend never sees two in-flight calls on the same resource.
// Close waits for the in-flight call, marks the handle closed and releases
// the resource exactly once.
type Handle struct {
	backend  Backend
	raw      RawHandle
	done     chan struct{}
	closeErr error
	target   string
	mu       sync.Mutex
	once     sync.Once
	closed   atomic.Bool
}

func newHandle(backend Backend, target string, raw RawHandle) *Handle {
	return &Handle{
		backend: backend,
		raw:     raw,
		target:  target,
		done:    make(chan struct{}),
	}
}

// Target returns the endpoint the handle was acquired for.
func (h *Handle) Target() string {
	return h.target
}

// Closed reports whether the handle has been released.
func (h *Handle) Closed() bool {
	return h.closed.Load()
}

// Done returns a channel that is closed once the handle is released.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Perform executes op on the backend.
// Backend failures come back as unclassified TransportErrors unless the
// backend already returned a scopez *Error. If ctx ends while the call is
// pending the failure is a CancelledError or TimeoutError instead.
func (h *Handle) Perform(ctx context.Context, op Operation) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return nil, ResourceClosedError(op.Name)
	}
	if cerr := ContextError(op.Name, ctx.Err()); cerr != nil {
		return nil, cerr
	}

	payload, err := h.backend.Perform(ctx, h.raw, op)
	if err != nil {
		return nil, h.wrap(ctx, op.Name, err)
	}
	return payload, nil
}

// Records opens a new lazy sequence over the handle.
func (h *Handle) Records(ctx context.Context) (*Sequence, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return nil, ResourceClosedError(opStream)
	}
	if cerr := ContextError(opStream, ctx.Err()); cerr != nil {
		return nil, cerr
	}

	reader, err := h.backend.Records(ctx, h.raw)
	if err != nil {
		return nil, h.wrap(ctx, opStream, err)
	}
	return newSequence(h, reader), nil
}

// read pulls one record through reader under the handle's lock.
func (h *Handle) read(ctx context.Context, reader RecordReader) (Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return nil, ResourceClosedError(opStream)
	}
	if cerr := ContextError(opStream, ctx.Err()); cerr != nil {
		return nil, cerr
	}

	rec, err := reader.ReadNext(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, h.wrap(ctx, opStream, err)
	}
	return rec, nil
}

func (h *Handle) wrap(ctx context.Context, op string, err error) error {
	var serr *Error
	if errors.As(err, &serr) {
		return err
	}
	if ctx.Err() != nil {
		if cerr := ContextError(op, ctx.Err()); cerr != nil {
			cerr.Err = err
			return cerr
		}
	}
	return TransportError(op, err)
}

// close releases the resource. Only the first call does any work; it
// reports first=true along with the release failure.
func (h *Handle) close() (first bool, err error) {
	h.once.Do(func() {
		first = true
		h.mu.Lock()
		h.closed.Store(true)
		h.closeErr = h.backend.Release(h.raw)
		h.mu.Unlock()
		close(h.done)
	})
	if !first {
		return false, nil
	}
	return true, h.closeErr
}

type handleKey struct{}

// WithHandle returns a context carrying h. Session.Run does this before
// invoking its pipeline so terminals can reach the session's resource.
func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// HandleFrom returns the handle carried by ctx.
func HandleFrom(ctx context.Context) (*Handle, bool) {
	h, ok := ctx.Value(handleKey{}).(*Handle)
	return h, ok && h != nil
}

// Perform is the standard terminal: it executes the operation on the handle
// carried by ctx. Its idempotency is that of the backend operation it calls.
func Perform(ctx context.Context, op Operation) (Result, error) {
	h, ok := HandleFrom(ctx)
	if !ok {
		e := ResourceClosedError(op.Name)
		e.Err = errNoHandle
		return Result{}, e
	}
	payload, err := h.Perform(ctx, op)
	if err != nil {
		return Result{}, err
	}
	return Result{Payload: payload}, nil
}
