package scopez

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeBackend serves a fixed record list and counts releases.
type fakeBackend struct {
	perform    func(ctx context.Context, op Operation) (any, error)
	acquireErr error
	releaseErr error
	readErr    error
	records    []string
	readErrAt  int
	blockOpen  bool
	blockRead  bool
	acquired   atomic.Int32
	released   atomic.Int32
	performed  atomic.Int32
}

func newFakeBackend(records ...string) *fakeBackend {
	return &fakeBackend{
		records:   records,
		readErrAt: -1,
		perform: func(_ context.Context, op Operation) (any, error) {
			return op.Arg(0), nil
		},
	}
}

type fakeRaw struct {
	released atomic.Bool
}

func (b *fakeBackend) Acquire(ctx context.Context, _ string) (RawHandle, error) {
	if b.blockOpen {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.acquireErr != nil {
		return nil, b.acquireErr
	}
	b.acquired.Add(1)
	return &fakeRaw{}, nil
}

func (b *fakeBackend) Release(raw RawHandle) error {
	if r, ok := raw.(*fakeRaw); ok && r.released.CompareAndSwap(false, true) {
		b.released.Add(1)
		return b.releaseErr
	}
	return nil
}

func (b *fakeBackend) Perform(ctx context.Context, _ RawHandle, op Operation) (any, error) {
	b.performed.Add(1)
	return b.perform(ctx, op)
}

func (b *fakeBackend) Records(_ context.Context, _ RawHandle) (RecordReader, error) {
	return &fakeReader{backend: b}, nil
}

type fakeReader struct {
	backend *fakeBackend
	pos     int
}

func (r *fakeReader) ReadNext(ctx context.Context) (Record, error) {
	if r.backend.blockRead {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.pos == r.backend.readErrAt {
		return nil, r.backend.readErr
	}
	if r.pos >= len(r.backend.records) {
		return nil, io.EOF
	}
	rec := Record(r.backend.records[r.pos])
	r.pos++
	return rec, nil
}

// trail records stage events in order.
type trail struct {
	events []string
	mu     sync.Mutex
}

func (tr *trail) add(event string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.events = append(tr.events, event)
}

func (tr *trail) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, len(tr.events))
	copy(out, tr.events)
	return out
}

func tracing(name string, tr *trail) Stage {
	return StageFunc(name, func(ctx context.Context, op Operation, next Next) (Result, error) {
		tr.add(name + ":before")
		result, err := next(ctx, op)
		tr.add(name + ":after")
		return result, err
	})
}

// failing returns a terminal that fails with the given errors in turn and
// then succeeds, counting calls.
func failing(calls *atomic.Int32, errs ...error) Terminal {
	return func(_ context.Context, op Operation) (Result, error) {
		n := int(calls.Add(1))
		if n <= len(errs) {
			return Result{}, errs[n-1]
		}
		return Result{Payload: op.Arg(0)}, nil
	}
}

func equalEvents(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
