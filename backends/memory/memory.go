// Package memory is an in-process scopez backend. Each target names a
// dataset of records; acquiring it hands out a private view that can be
// performed against and streamed.
//
// Supported operations:
//
//	echo <value>   returns value unchanged
//	get <index>    returns the record at index
//	len            returns the number of records
//	append <value> appends a record to the dataset
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/scopez"
)

// Operation names understood by Perform.
const (
	OpEcho   = "echo"
	OpGet    = "get"
	OpLen    = "len"
	OpAppend = "append"
)

var (
	// ErrUnknownTarget is returned by Acquire for targets without a dataset.
	ErrUnknownTarget = errors.New("memory: unknown target")
	// ErrUnknownOperation is returned by Perform for unsupported operations.
	ErrUnknownOperation = errors.New("memory: unknown operation")
	// ErrReleased is returned when a released handle is used directly.
	ErrReleased = errors.New("memory: handle released")
)

// Backend stores datasets in memory. The zero value is not usable; call New.
type Backend struct {
	datasets map[string]*dataset
	acquired atomic.Int64
	released atomic.Int64
	mu       sync.RWMutex
}

type dataset struct {
	records []scopez.Record
	mu      sync.RWMutex
}

type handle struct {
	data     *dataset
	target   string
	released atomic.Bool
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{datasets: make(map[string]*dataset)}
}

// Put stores records under target, replacing any existing dataset.
func (b *Backend) Put(target string, records ...string) *Backend {
	ds := &dataset{records: make([]scopez.Record, len(records))}
	for i, r := range records {
		ds.records[i] = scopez.Record(r)
	}
	b.mu.Lock()
	b.datasets[target] = ds
	b.mu.Unlock()
	return b
}

// Acquire implements scopez.Backend.
func (b *Backend) Acquire(ctx context.Context, target string) (scopez.RawHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	ds, ok := b.datasets[target]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	b.acquired.Add(1)
	return &handle{data: ds, target: target}, nil
}

// Release implements scopez.Backend.
func (b *Backend) Release(raw scopez.RawHandle) error {
	h, ok := raw.(*handle)
	if !ok {
		return nil
	}
	if h.released.CompareAndSwap(false, true) {
		b.released.Add(1)
	}
	return nil
}

// Perform implements scopez.Backend.
func (b *Backend) Perform(ctx context.Context, raw scopez.RawHandle, op scopez.Operation) (any, error) {
	h, err := b.live(raw)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch op.Name {
	case OpEcho:
		if len(op.Args) != 1 {
			return nil, scopez.InvalidError(op.Name, fmt.Errorf("echo takes one argument, got %d", len(op.Args)))
		}
		return op.Args[0], nil
	case OpLen:
		h.data.mu.RLock()
		defer h.data.mu.RUnlock()
		return len(h.data.records), nil
	case OpGet:
		i, ok := op.Arg(0).(int)
		if !ok {
			return nil, scopez.InvalidError(op.Name, fmt.Errorf("get takes an int index, got %T", op.Arg(0)))
		}
		h.data.mu.RLock()
		defer h.data.mu.RUnlock()
		if i < 0 || i >= len(h.data.records) {
			return nil, scopez.InvalidError(op.Name, fmt.Errorf("index %d out of range [0,%d)", i, len(h.data.records)))
		}
		return h.data.records[i], nil
	case OpAppend:
		if len(op.Args) != 1 {
			return nil, scopez.InvalidError(op.Name, fmt.Errorf("append takes one argument, got %d", len(op.Args)))
		}
		h.data.mu.Lock()
		defer h.data.mu.Unlock()
		h.data.records = append(h.data.records, scopez.Record(fmt.Sprint(op.Args[0])))
		return len(h.data.records), nil
	default:
		return nil, scopez.InvalidError(op.Name, ErrUnknownOperation)
	}
}

// Records implements scopez.Backend. The reader walks the dataset by
// position, so records appended while streaming are still seen.
func (b *Backend) Records(_ context.Context, raw scopez.RawHandle) (scopez.RecordReader, error) {
	h, err := b.live(raw)
	if err != nil {
		return nil, err
	}
	return &reader{handle: h}, nil
}

// Acquired returns how many handles have been acquired.
func (b *Backend) Acquired() int {
	return int(b.acquired.Load())
}

// Released returns how many handles have been released.
func (b *Backend) Released() int {
	return int(b.released.Load())
}

func (b *Backend) live(raw scopez.RawHandle) (*handle, error) {
	h, ok := raw.(*handle)
	if !ok {
		return nil, fmt.Errorf("memory: foreign handle %T", raw)
	}
	if h.released.Load() {
		return nil, ErrReleased
	}
	return h, nil
}

type reader struct {
	handle *handle
	pos    int
}

// ReadNext implements scopez.RecordReader.
func (r *reader) ReadNext(ctx context.Context) (scopez.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.handle.released.Load() {
		return nil, ErrReleased
	}
	ds := r.handle.data
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if r.pos >= len(ds.records) {
		return nil, io.EOF
	}
	rec := ds.records[r.pos]
	r.pos++
	out := make(scopez.Record, len(rec))
	copy(out, rec)
	return out, nil
}
