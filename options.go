package scopez

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

var defaultLogger atomic.Pointer[slog.Logger]

func init() {
	defaultLogger.Store(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// SetLogger replaces the package default logger used by sessions and
// stages that were not given one explicitly. Passing nil restores the
// silent default.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	defaultLogger.Store(logger)
}

// Logger returns the package default logger.
func Logger() *slog.Logger {
	return defaultLogger.Load()
}

// Option configures a Session.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	onClosed []func(context.Context, SessionEvent) error
	timeout  time.Duration
}

// WithLogger sets the session's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCloseHandler registers handler as an OnClosed hook at open time.
func WithCloseHandler(handler func(context.Context, SessionEvent) error) Option {
	return func(o *options) {
		o.onClosed = append(o.onClosed, handler)
	}
}

// WithTimeout bounds acquisition, every Run and every sequence pull of the
// session by d. Each call gets its own deadline. Zero or negative disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

func applyOptions(opts []Option) options {
	o := options{logger: Logger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
