// Package testing provides test utilities for scopez-based applications.
//
// It includes mock stages that record their position in the pipeline, a mock
// backend with failure injection and release counting, and a chaos stage for
// exercising retry and translation paths.
//
// Example usage:
//
//	func TestOrders(t *testing.T) {
//		rec := scopeztest.NewRecorder()
//		backend := scopeztest.NewMockBackend("a", "b")
//		pipeline := scopez.Build("orders", []scopez.Stage{
//			scopeztest.NewMockStage("outer", rec),
//			scopeztest.NewMockStage("inner", rec),
//		}, scopez.Perform)
//
//		err := scopez.Use(ctx, backend, "orders", pipeline, func(s *scopez.Session) error {
//			_, err := s.Run(ctx, scopez.NewOperation("echo", "x"))
//			return err
//		})
//
//		require.NoError(t, err)
//		scopeztest.AssertReleasedOnce(t, backend)
//	}
package testing

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	mathrand "math/rand"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/zoobzio/scopez"
)

// Recorder keeps an ordered log of events from concurrent stages.
type Recorder struct {
	events []string
	mu     sync.Mutex
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends an event.
func (r *Recorder) Record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events in order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

// Reset clears the log.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// MockStage is a scopez.Stage that records "<name>:before" when it is
// entered and "<name>:after" when next returns. It can be told to
// short-circuit with a fixed result instead of calling next.
type MockStage struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	name     string
	recorder *Recorder
	calls    int64
	short    bool
	result   scopez.Result
	err      error
	lastOp   scopez.Operation
	mu       sync.RWMutex
}

// NewMockStage creates a pass-through mock stage. A nil recorder disables
// event recording.
func NewMockStage(name string, recorder *Recorder) *MockStage {
	return &MockStage{name: name, recorder: recorder}
}

// WithShortCircuit makes the stage return result and err without calling next.
func (m *MockStage) WithShortCircuit(result scopez.Result, err error) *MockStage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.short = true
	m.result = result
	m.err = err
	return m
}

// Name implements scopez.Stage.
func (m *MockStage) Name() scopez.Name {
	return m.name
}

// Handle implements scopez.Stage.
func (m *MockStage) Handle(ctx context.Context, op scopez.Operation, next scopez.Next) (scopez.Result, error) {
	atomic.AddInt64(&m.calls, 1)

	m.mu.Lock()
	m.lastOp = op
	short, result, err := m.short, m.result, m.err
	m.mu.Unlock()

	m.record("before")
	if short {
		m.record("after")
		return result, err
	}
	result, err = next(ctx, op)
	m.record("after")
	return result, err
}

func (m *MockStage) record(phase string) {
	if m.recorder != nil {
		m.recorder.Record(m.name + ":" + phase)
	}
}

// CallCount returns how many times Handle has been called.
func (m *MockStage) CallCount() int {
	return int(atomic.LoadInt64(&m.calls))
}

// LastOperation returns the operation from the most recent call.
func (m *MockStage) LastOperation() scopez.Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastOp
}

// PerformFunc computes a mock backend's answer to an operation.
type PerformFunc func(ctx context.Context, op scopez.Operation) (any, error)

// Echo returns the operation's first argument.
func Echo(_ context.Context, op scopez.Operation) (any, error) {
	return op.Arg(0), nil
}

// MockBackend is a scopez.Backend over a fixed list of records. It counts
// acquisitions, releases, performs and reads, and can be told to fail any of
// them.
type MockBackend struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	records    []string
	perform    PerformFunc
	acquireErr error
	releaseErr error
	performErr []error
	readErrAt  int
	readErr    error

	acquired  int64
	released  int64
	performed int64
	reads     int64
	mu        sync.Mutex
}

// NewMockBackend creates a backend serving records. Perform echoes by default.
func NewMockBackend(records ...string) *MockBackend {
	return &MockBackend{records: records, perform: Echo, readErrAt: -1}
}

// WithPerform replaces the perform function.
func (b *MockBackend) WithPerform(fn PerformFunc) *MockBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perform = fn
	return b
}

// FailAcquire makes Acquire fail with err.
func (b *MockBackend) FailAcquire(err error) *MockBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acquireErr = err
	return b
}

// FailRelease makes Release fail with err.
func (b *MockBackend) FailRelease(err error) *MockBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseErr = err
	return b
}

// FailPerform queues failures for the next calls to Perform, one per call.
// Once the queue is drained Perform succeeds again.
func (b *MockBackend) FailPerform(errs ...error) *MockBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.performErr = append(b.performErr, errs...)
	return b
}

// FailReadAt makes the read of record i fail with err.
func (b *MockBackend) FailReadAt(i int, err error) *MockBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readErrAt = i
	b.readErr = err
	return b
}

type mockHandle struct {
	released atomic.Bool
}

// Acquire implements scopez.Backend.
func (b *MockBackend) Acquire(_ context.Context, _ string) (scopez.RawHandle, error) {
	b.mu.Lock()
	err := b.acquireErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&b.acquired, 1)
	return &mockHandle{}, nil
}

// Release implements scopez.Backend.
func (b *MockBackend) Release(raw scopez.RawHandle) error {
	h, ok := raw.(*mockHandle)
	if !ok || !h.released.CompareAndSwap(false, true) {
		return nil
	}
	atomic.AddInt64(&b.released, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.releaseErr
}

// Perform implements scopez.Backend.
func (b *MockBackend) Perform(ctx context.Context, _ scopez.RawHandle, op scopez.Operation) (any, error) {
	atomic.AddInt64(&b.performed, 1)
	b.mu.Lock()
	if len(b.performErr) > 0 {
		err := b.performErr[0]
		b.performErr = b.performErr[1:]
		b.mu.Unlock()
		return nil, err
	}
	fn := b.perform
	b.mu.Unlock()
	return fn(ctx, op)
}

// Records implements scopez.Backend.
func (b *MockBackend) Records(_ context.Context, _ scopez.RawHandle) (scopez.RecordReader, error) {
	return &mockReader{backend: b}, nil
}

// Acquired returns the number of successful acquisitions.
func (b *MockBackend) Acquired() int { return int(atomic.LoadInt64(&b.acquired)) }

// Released returns the number of handles released.
func (b *MockBackend) Released() int { return int(atomic.LoadInt64(&b.released)) }

// Performed returns the number of Perform calls.
func (b *MockBackend) Performed() int { return int(atomic.LoadInt64(&b.performed)) }

// Reads returns the number of records handed out.
func (b *MockBackend) Reads() int { return int(atomic.LoadInt64(&b.reads)) }

type mockReader struct {
	backend *MockBackend
	pos     int
}

func (r *mockReader) ReadNext(ctx context.Context) (scopez.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := r.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.pos == b.readErrAt {
		return nil, b.readErr
	}
	if r.pos >= len(b.records) {
		return nil, io.EOF
	}
	rec := scopez.Record(b.records[r.pos])
	r.pos++
	atomic.AddInt64(&b.reads, 1)
	return rec, nil
}

// Assertion Helpers

// AssertReleasedOnce verifies that every acquired handle was released
// exactly once.
func AssertReleasedOnce(t *testing.T, backend *MockBackend) {
	t.Helper()
	acquired, released := backend.Acquired(), backend.Released()
	if acquired == 0 {
		t.Errorf("expected a handle to be acquired, but none was")
		return
	}
	if released != acquired {
		t.Errorf("expected %d releases, got %d", acquired, released)
	}
}

// AssertCalled verifies that a mock stage was called exactly n times.
func AssertCalled(t *testing.T, stage *MockStage, n int) {
	t.Helper()
	if got := stage.CallCount(); got != n {
		t.Errorf("expected mock stage %s to be called %d times, but was called %d times", stage.name, n, got)
	}
}

// AssertOrder verifies that the recorder holds exactly the expected events.
func AssertOrder(t *testing.T, recorder *Recorder, expected ...string) {
	t.Helper()
	got := recorder.Events()
	if len(got) != len(expected) {
		t.Errorf("expected events %v, got %v", expected, got)
		return
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("expected events %v, got %v", expected, got)
			return
		}
	}
}

// ChaosStage injects transient transport failures in front of the rest of
// the pipeline. Injected failures are connection resets, which a Translate
// stage classifies as Retryable.
type ChaosStage struct { //nolint:govet // fieldalignment: Test helper struct optimized for functionality over memory efficiency
	name        string
	failureRate float64
	rng         *mathrand.Rand
	mu          sync.Mutex
	totalCalls  int64
	failedCalls int64
}

// ChaosConfig holds configuration for chaos testing.
type ChaosConfig struct {
	FailureRate float64 // Probability of failing a call (0.0 to 1.0)
	Seed        int64   // Random seed for reproducible chaos (0 for random seed)
}

// NewChaosStage creates a chaos stage.
func NewChaosStage(name string, config ChaosConfig) *ChaosStage {
	seed := config.Seed
	if seed == 0 {
		var seedBytes [8]byte
		if _, err := rand.Read(seedBytes[:]); err == nil {
			seed = int64(binary.LittleEndian.Uint64(seedBytes[:]))
		} else {
			seed = 1
		}
	}
	return &ChaosStage{
		name:        name,
		failureRate: config.FailureRate,
		rng:         mathrand.New(mathrand.NewSource(seed)), //nolint:gosec // G404: Test utility uses weak RNG for deterministic chaos scenarios
	}
}

// ErrChaos is wrapped by every failure a ChaosStage injects.
var ErrChaos = errors.New("chaos stage induced failure")

// Name implements scopez.Stage.
func (c *ChaosStage) Name() scopez.Name {
	return c.name
}

// Handle implements scopez.Stage.
func (c *ChaosStage) Handle(ctx context.Context, op scopez.Operation, next scopez.Next) (scopez.Result, error) {
	atomic.AddInt64(&c.totalCalls, 1)
	c.mu.Lock()
	fail := c.rng.Float64() < c.failureRate
	c.mu.Unlock()

	if fail {
		atomic.AddInt64(&c.failedCalls, 1)
		return scopez.Result{}, fmt.Errorf("%w: %w", ErrChaos, syscall.ECONNRESET)
	}
	return next(ctx, op)
}

// Stats returns statistics about chaos injection.
func (c *ChaosStage) Stats() ChaosStats {
	return ChaosStats{
		TotalCalls:  atomic.LoadInt64(&c.totalCalls),
		FailedCalls: atomic.LoadInt64(&c.failedCalls),
	}
}

// ChaosStats holds statistics about chaos injection.
type ChaosStats struct {
	TotalCalls  int64
	FailedCalls int64
}

// FailureRate returns the actual failure rate observed.
func (s ChaosStats) FailureRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.FailedCalls) / float64(s.TotalCalls)
}

// String returns a human-readable representation of the stats.
func (s ChaosStats) String() string {
	return fmt.Sprintf("ChaosStats{Total: %d, Failed: %d (%.1f%%)}",
		s.TotalCalls, s.FailedCalls, s.FailureRate()*100)
}

// ParallelTest runs a test function in parallel with multiple goroutines.
func ParallelTest(t *testing.T, goroutines int, testFunc func(int)) {
	t.Helper()

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			testFunc(id)
		}(i)
	}
	wg.Wait()
}
