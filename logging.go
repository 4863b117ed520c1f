package scopez

import (
	"context"
	"log/slog"

	"github.com/zoobzio/clockz"
)

// Logging records each operation's name and outcome.
// Logging never alters control flow: it always calls next exactly once and
// returns the result unchanged.
//
// Successes are logged at the success level (Info by default), failures at
// Error with the failure class attached:
//
//	logging := scopez.NewLogging("log", slog.Default())
type Logging struct {
	logger       *slog.Logger
	clock        clockz.Clock
	name         Name
	successLevel slog.Level
}

// NewLogging creates a Logging stage. A nil logger uses the package default.
func NewLogging(name Name, logger *slog.Logger) *Logging {
	return &Logging{
		name:         name,
		logger:       logger,
		successLevel: slog.LevelInfo,
	}
}

// Handle implements Stage.
func (l *Logging) Handle(ctx context.Context, op Operation, next Next) (Result, error) {
	clock := l.getClock()
	start := clock.Now()
	result, err := next(ctx, op)
	elapsed := clock.Since(start)

	logger := l.logger
	if logger == nil {
		logger = Logger()
	}
	if err != nil {
		logger.LogAttrs(ctx, slog.LevelError, "operation failed",
			slog.String("stage", l.name),
			slog.String("operation", op.Name),
			slog.String("class", Classify(err).String()),
			slog.Duration("duration", elapsed),
			slog.Any("error", err),
		)
		return result, err
	}
	logger.LogAttrs(ctx, l.successLevel, "operation succeeded",
		slog.String("stage", l.name),
		slog.String("operation", op.Name),
		slog.Bool("cached", result.Cached),
		slog.Duration("duration", elapsed),
	)
	return result, nil
}

// SetSuccessLevel changes the level successful operations are logged at.
func (l *Logging) SetSuccessLevel(level slog.Level) *Logging {
	l.successLevel = level
	return l
}

// Name returns the name of this stage.
func (l *Logging) Name() Name {
	return l.name
}

// WithClock sets a custom clock for testing.
func (l *Logging) WithClock(clock clockz.Clock) *Logging {
	l.clock = clock
	return l
}

func (l *Logging) getClock() clockz.Clock {
	if l.clock == nil {
		return clockz.RealClock
	}
	return l.clock
}
