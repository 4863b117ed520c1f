// Package file is a scopez backend over line-oriented files. The target is
// a file path; every line is one record.
//
// Supported operations:
//
//	stat          returns the file size in bytes
//	line <n>      returns line n, counting from zero
//	count         returns the number of lines
package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/zoobzio/scopez"
)

// Operation names understood by Perform.
const (
	OpStat  = "stat"
	OpLine  = "line"
	OpCount = "count"
)

// DefaultMaxLine is the longest line a reader accepts unless configured.
const DefaultMaxLine = 1 << 20

var (
	// ErrUnknownOperation is returned by Perform for unsupported operations.
	ErrUnknownOperation = errors.New("file: unknown operation")
	// ErrLineOutOfRange is returned by the line operation past the last line.
	ErrLineOutOfRange = errors.New("file: line out of range")
)

// Backend opens files from the local filesystem.
type Backend struct {
	maxLine int
}

// New returns a file backend.
func New() *Backend {
	return &Backend{maxLine: DefaultMaxLine}
}

// WithMaxLine sets the longest accepted line in bytes.
func (b *Backend) WithMaxLine(n int) *Backend {
	if n > 0 {
		b.maxLine = n
	}
	return b
}

type handle struct {
	f      *os.File
	err    error
	path   string
	closed bool
	mu     sync.Mutex
}

// Acquire implements scopez.Backend.
func (b *Backend) Acquire(ctx context.Context, target string) (scopez.RawHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, err
	}
	return &handle{f: f, path: target}, nil
}

// Release implements scopez.Backend. Repeated calls return the result of
// the first.
func (b *Backend) Release(raw scopez.RawHandle) error {
	h, ok := raw.(*handle)
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.err = h.f.Close()
	return h.err
}

// Perform implements scopez.Backend.
func (b *Backend) Perform(ctx context.Context, raw scopez.RawHandle, op scopez.Operation) (any, error) {
	h, ok := raw.(*handle)
	if !ok {
		return nil, fmt.Errorf("file: foreign handle %T", raw)
	}

	switch op.Name {
	case OpStat:
		info, err := h.f.Stat()
		if err != nil {
			return nil, err
		}
		return info.Size(), nil
	case OpCount:
		n := 0
		r := b.reader(h)
		for {
			_, err := r.ReadNext(ctx)
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			if err != nil {
				return nil, err
			}
			n++
		}
	case OpLine:
		want, ok := op.Arg(0).(int)
		if !ok || want < 0 {
			return nil, scopez.InvalidError(op.Name, fmt.Errorf("line takes a non-negative int, got %v", op.Arg(0)))
		}
		r := b.reader(h)
		for i := 0; ; i++ {
			rec, err := r.ReadNext(ctx)
			if errors.Is(err, io.EOF) {
				return nil, scopez.InvalidError(op.Name, fmt.Errorf("%w: %d", ErrLineOutOfRange, want))
			}
			if err != nil {
				return nil, err
			}
			if i == want {
				return rec, nil
			}
		}
	default:
		return nil, scopez.InvalidError(op.Name, ErrUnknownOperation)
	}
}

// Records implements scopez.Backend. Each reader has its own offset into
// the file, so several sequences over one handle do not disturb each other.
func (b *Backend) Records(_ context.Context, raw scopez.RawHandle) (scopez.RecordReader, error) {
	h, ok := raw.(*handle)
	if !ok {
		return nil, fmt.Errorf("file: foreign handle %T", raw)
	}
	return b.reader(h), nil
}

func (b *Backend) reader(h *handle) *reader {
	sc := bufio.NewScanner(io.NewSectionReader(h.f, 0, math.MaxInt64))
	sc.Buffer(make([]byte, 0, 4096), b.maxLine)
	return &reader{scanner: sc}
}

type reader struct {
	scanner *bufio.Scanner
}

// ReadNext implements scopez.RecordReader.
func (r *reader) ReadNext(ctx context.Context) (scopez.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := r.scanner.Bytes()
	rec := make(scopez.Record, len(line))
	copy(rec, line)
	return rec, nil
}
