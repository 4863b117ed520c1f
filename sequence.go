package scopez

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"
)

const opStream = "stream"

// Sequence is a forward-only, non-restartable stream of records read lazily
// from a Handle.
//
// Each call to Next reads exactly one record from the resource. Nothing
// before or after it is held in memory by the sequence. When the data runs
// out Next reports exhaustion, and keeps reporting it on every later call,
// without an error. Once the owning handle is closed, Next fails with a
// ResourceClosedError; records pulled earlier stay valid.
//
// A Sequence is single-consumer. It does no locking of its own: two
// goroutines pulling from the same sequence see undefined ordering. To read
// the data again, open a new sequence with Session.Stream.
type Sequence struct {
	handle    *Handle
	reader    RecordReader
	pulled    int
	timeout   time.Duration
	exhausted bool
}

func newSequence(h *Handle, reader RecordReader) *Sequence {
	return &Sequence{handle: h, reader: reader}
}

// Next pulls the next record. ok is false once the sequence is exhausted.
func (s *Sequence) Next(ctx context.Context) (rec Record, ok bool, err error) {
	if s.handle.Closed() {
		return nil, false, ResourceClosedError(opStream)
	}
	if s.exhausted {
		return nil, false, nil
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	rec, err = s.handle.read(ctx, s.reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.exhausted = true
			return nil, false, nil
		}
		return nil, false, err
	}
	s.pulled++
	return rec, true, nil
}

// Pulled returns how many records have been read so far.
func (s *Sequence) Pulled() int {
	return s.pulled
}

// Exhausted reports whether the end of the data has been reached.
func (s *Sequence) Exhausted() bool {
	return s.exhausted
}

// All adapts the sequence for range-over-func. Iteration stops after the
// first failure, which is yielded with a nil record. Breaking out of the
// loop leaves the handle open.
//
//	for rec, err := range seq.All(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    process(rec)
//	}
func (s *Sequence) All(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for {
			rec, ok, err := s.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
