// Package scopez provides scoped resources with a composable behavior pipeline
// and lazy streaming consumption.
//
// # Overview
//
// scopez ties an externally acquired resource (a file, a socket, a database
// connection) to a block of work, routes every operation performed on that
// resource through an ordered chain of pluggable behaviors, and exposes the
// resource's data as a single-pass sequence that is read one record at a time.
//
// Three guarantees hold at the same time:
//   - The resource is released exactly once on every exit path.
//   - Stage i wraps stage i+1: the first stage sees the request first and the
//     result last.
//   - Records are pulled lazily and never materialized as a whole.
//
// # Core Concepts
//
// A Backend acquires and releases raw handles and performs raw operations.
// A Session owns one Handle and closes it. A Pipeline is an immutable list of
// Stages wrapped around a terminal operation:
//
//	pipeline := scopez.Build("orders",
//	    []scopez.Stage{
//	        scopez.NewLogging("log", logger),
//	        scopez.NewRetry("retry", 3, 100*time.Millisecond),
//	        scopez.NewTranslate("translate", nil),
//	    },
//	    scopez.Perform,
//	)
//
//	err := scopez.Use(ctx, backend, "orders.db", pipeline, func(s *scopez.Session) error {
//	    result, err := s.Run(ctx, scopez.NewOperation("get", 42))
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(result.Payload)
//
//	    seq, err := s.Stream(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    for rec, err := range seq.All(ctx) {
//	        if err != nil {
//	            return err
//	        }
//	        fmt.Println(rec)
//	    }
//	    return nil
//	})
//
// # Failures
//
// Failures are classified as Retryable, Fatal or Invalid. Only Retryable
// failures are retried, and only by a Retry stage. Transport failures are
// Fatal until a Translate stage recognizes them as transient.
package scopez

import (
	"context"
	"time"
)

// Name is a type alias for stage and pipeline names.
// Using this type encourages storing names as constants rather than
// using inline strings throughout your code.
type Name = string

// Record is one unit read from a resource.
type Record []byte

// String returns the record as a string.
func (r Record) String() string {
	return string(r)
}

// Operation is an immutable request submitted to a pipeline.
// Create operations with NewOperation; the modifier methods return copies.
type Operation struct {
	Credential *Credential
	Name       string
	Args       []any
}

// NewOperation creates an operation with a private copy of args.
func NewOperation(name string, args ...any) Operation {
	cp := make([]any, len(args))
	copy(cp, args)
	return Operation{Name: name, Args: cp}
}

// Arg returns the i-th argument, or nil when out of range.
func (o Operation) Arg(i int) any {
	if i < 0 || i >= len(o.Args) {
		return nil
	}
	return o.Args[i]
}

// WithCredential returns a copy of the operation carrying cred.
func (o Operation) WithCredential(cred Credential) Operation {
	o.Credential = &cred
	return o
}

// Validate reports an Invalid failure for malformed operations.
func (o Operation) Validate() error {
	if o.Name == "" {
		return InvalidError(o.Name, errEmptyName)
	}
	return nil
}

// Result is the success payload of an operation.
type Result struct {
	Payload any
	// Cached is set when a cache stage answered without reaching the terminal.
	Cached bool
}

// Credential is the authentication context attached to an operation.
type Credential struct {
	ExpiresAt time.Time
	Token     string
}

// Expired reports whether the credential is past its expiry at now.
// A zero ExpiresAt never expires.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Next invokes the remainder of a pipeline.
type Next func(context.Context, Operation) (Result, error)

// Terminal is the innermost operation of a pipeline.
type Terminal = Next

// Stage is a single named unit of cross-cutting logic.
//
// A stage may inspect or replace the operation before calling next, inspect or
// replace the result after next returns, short-circuit by not calling next at
// all, or call next more than once. A stage that does not intend to
// short-circuit must return whatever next returned, failures included,
// unchanged in kind.
type Stage interface {
	Handle(ctx context.Context, op Operation, next Next) (Result, error)
	Name() Name
}

// RawHandle is a backend-specific resource reference.
type RawHandle any

// Backend is the capability interface every concrete resource provider
// implements. scopez depends only on this interface.
type Backend interface {
	// Acquire opens the resource named by target.
	Acquire(ctx context.Context, target string) (RawHandle, error)
	// Release frees raw. It must be idempotent and must not panic; a returned
	// error is recorded as a close-time failure.
	Release(raw RawHandle) error
	// Perform executes op against raw and returns its payload.
	Perform(ctx context.Context, raw RawHandle, op Operation) (any, error)
	// Records opens a fresh forward-only reader over raw.
	Records(ctx context.Context, raw RawHandle) (RecordReader, error)
}

// RecordReader reads records one at a time. ReadNext returns io.EOF once
// the data is exhausted. Returned records must not be reused by the reader.
type RecordReader interface {
	ReadNext(ctx context.Context) (Record, error)
}
