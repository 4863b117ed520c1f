package scopez

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for Session.
const (
	SessionRunsTotal          = metricz.Key("session.runs.total")
	SessionFailuresTotal      = metricz.Key("session.failures.total")
	SessionStreamsTotal       = metricz.Key("session.streams.total")
	SessionCloseFailuresTotal = metricz.Key("session.close.failures.total")

	SessionRunSpan = tracez.Key("session.run")

	SessionTagID        = tracez.Tag("session.id")
	SessionTagOperation = tracez.Tag("session.operation")
	SessionTagError     = tracez.Tag("session.error")

	SessionEventClosed      = hookz.Key("session.closed")
	SessionEventCloseFailed = hookz.Key("session.close_failed")
)

// SessionEvent describes a session lifecycle transition.
type SessionEvent struct {
	Timestamp time.Time
	Error     error
	ID        string
	Target    string
	Runs      int
	Duration  time.Duration
}

// Session ties a Handle's lifetime to a block of work.
//
// Operations issued through Run are serialized: results of operations issued
// one after another come back in issue order. Close is idempotent and safe to
// call from a defer; prefer Use, which guarantees the close for you.
type Session struct {
	opened   time.Time
	handle   *Handle
	pipeline *Pipeline
	logger   *slog.Logger
	metrics  *metricz.Registry
	tracer   *tracez.Tracer
	hooks    *hookz.Hooks[SessionEvent]
	id       string
	mu       sync.Mutex
	runs     int
	timeout  time.Duration

	// ownsPipeline is set when Open built the pipeline itself.
	ownsPipeline bool
}

// Open acquires target from backend and returns a session owning it.
// A nil pipeline runs operations straight through Perform. If acquisition
// fails no resource is held and the error matches ErrAcquisition (or
// ErrCancelled / ErrTimeout when ctx ended first).
func Open(ctx context.Context, backend Backend, target string, pipeline *Pipeline, opts ...Option) (*Session, error) {
	o := applyOptions(opts)
	if cerr := ContextError("", ctx.Err()); cerr != nil {
		return nil, cerr
	}

	acquireCtx, cancel := withTimeout(ctx, o.timeout)
	defer cancel()
	raw, err := backend.Acquire(acquireCtx, target)
	if err != nil {
		if cerr := ContextError("", acquireCtx.Err()); cerr != nil {
			cerr.Err = err
			return nil, cerr
		}
		return nil, AcquisitionError(target, err)
	}

	metrics := metricz.New()
	metrics.Counter(SessionRunsTotal)
	metrics.Counter(SessionFailuresTotal)
	metrics.Counter(SessionStreamsTotal)
	metrics.Counter(SessionCloseFailuresTotal)

	owned := pipeline == nil
	if owned {
		pipeline = Build(target, nil, Perform)
	}

	s := &Session{
		ownsPipeline: owned,
		id:           uuid.New().String(),
		handle:       newHandle(backend, target, raw),
		pipeline:     pipeline,
		logger:       o.logger,
		metrics:      metrics,
		tracer:       tracez.New(),
		hooks:        hookz.New[SessionEvent](),
		opened:       time.Now(),
		timeout:      o.timeout,
	}
	for _, h := range o.onClosed {
		_ = s.OnClosed(h) //nolint:errcheck
	}

	s.logger.Debug("session opened", "session", s.id, "target", target, "pipeline", pipeline.Name())
	return s, nil
}

// Use opens a session, runs fn and closes the session on every exit path:
// normal return, returned error and panic. Exactly one failure is returned.
// If fn fails and the close fails too, the result is a *ScopeError whose
// primary error is fn's; a close failure alone is returned as is.
func Use(ctx context.Context, backend Backend, target string, pipeline *Pipeline, fn func(*Session) error, opts ...Option) (err error) {
	s, err := Open(ctx, backend, target, pipeline, opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := s.Close()
		if closeErr == nil {
			return
		}
		if err != nil {
			err = &ScopeError{Err: err, CloseErr: closeErr}
			return
		}
		err = closeErr
	}()
	return fn(s)
}

// Run routes op through the session's pipeline.
func (s *Session) Run(ctx context.Context, op Operation) (Result, error) {
	if err := op.Validate(); err != nil {
		s.metrics.Counter(SessionFailuresTotal).Inc()
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle.Closed() {
		s.metrics.Counter(SessionFailuresTotal).Inc()
		return Result{}, ResourceClosedError(op.Name)
	}
	s.runs++
	s.metrics.Counter(SessionRunsTotal).Inc()

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	ctx, span := s.tracer.StartSpan(ctx, SessionRunSpan)
	span.SetTag(SessionTagID, s.id)
	span.SetTag(SessionTagOperation, op.Name)
	defer span.Finish()

	result, err := s.pipeline.Invoke(WithHandle(ctx, s.handle), op)
	if err != nil {
		s.metrics.Counter(SessionFailuresTotal).Inc()
		span.SetTag(SessionTagError, err.Error())
	}
	return result, err
}

// Stream opens a new lazy sequence over the session's resource.
// Cancelling iteration leaves the resource open.
func (s *Session) Stream(ctx context.Context) (*Sequence, error) {
	s.metrics.Counter(SessionStreamsTotal).Inc()
	openCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	seq, err := s.handle.Records(openCtx)
	if err != nil {
		return nil, err
	}
	seq.timeout = s.timeout
	return seq, nil
}

// Close releases the session's resource. It waits for an in-flight
// operation or pull to finish first. Only the first call releases; it
// returns the release failure, if any. Later calls are no-ops.
func (s *Session) Close() error {
	first, err := s.handle.close()
	if !first {
		return nil
	}

	s.mu.Lock()
	runs := s.runs
	s.mu.Unlock()

	event := SessionEvent{
		ID:        s.id,
		Target:    s.handle.Target(),
		Runs:      runs,
		Duration:  time.Since(s.opened),
		Timestamp: time.Now(),
		Error:     err,
	}
	if err != nil {
		s.metrics.Counter(SessionCloseFailuresTotal).Inc()
		s.logger.Warn("session close failed", "session", s.id, "target", s.handle.Target(), "error", err)
		_ = s.hooks.Emit(context.Background(), SessionEventCloseFailed, event) //nolint:errcheck
		err = fmt.Errorf("close %q: %w", s.handle.Target(), err)
	} else {
		s.logger.Debug("session closed", "session", s.id, "target", s.handle.Target(), "runs", runs)
	}
	_ = s.hooks.Emit(context.Background(), SessionEventClosed, event) //nolint:errcheck

	// Close waits for queued close handlers to finish.
	_ = s.hooks.Close() //nolint:errcheck
	s.tracer.Close()
	if s.ownsPipeline {
		_ = s.pipeline.Close() //nolint:errcheck
	}
	return err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Handle returns the resource handle owned by the session.
func (s *Session) Handle() *Handle {
	return s.handle
}

// Pipeline returns the pipeline operations are routed through.
func (s *Session) Pipeline() *Pipeline {
	return s.pipeline
}

// Closed reports whether the session has released its resource.
func (s *Session) Closed() bool {
	return s.handle.Closed()
}

// Metrics returns the metrics registry for this session.
func (s *Session) Metrics() *metricz.Registry {
	return s.metrics
}

// Tracer returns the tracer for this session.
func (s *Session) Tracer() *tracez.Tracer {
	return s.tracer
}

// OnClosed registers a handler called asynchronously after the resource is
// released, whether or not the release failed.
func (s *Session) OnClosed(handler func(context.Context, SessionEvent) error) error {
	_, err := s.hooks.Hook(SessionEventClosed, handler)
	return err
}

// OnCloseFailed registers a handler called asynchronously when releasing the
// resource fails.
func (s *Session) OnCloseFailed(handler func(context.Context, SessionEvent) error) error {
	_, err := s.hooks.Hook(SessionEventCloseFailed, handler)
	return err
}
