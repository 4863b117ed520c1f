package scopez

import (
	"context"
)

// funcStage is a Stage backed by a plain function.
type funcStage struct {
	fn   func(context.Context, Operation, Next) (Result, error)
	name Name
}

func (s funcStage) Handle(ctx context.Context, op Operation, next Next) (Result, error) {
	return s.fn(ctx, op, next)
}

func (s funcStage) Name() Name {
	return s.name
}

// StageFunc creates a Stage from a function.
// StageFunc is the escape hatch for behavior the built-in stages do not
// cover. The function owns the full stage contract: it decides whether and
// how often to call next, and what to return.
//
// Example:
//
//	tenant := scopez.StageFunc("tenant", func(ctx context.Context, op scopez.Operation, next scopez.Next) (scopez.Result, error) {
//	    if op.Arg(0) == nil {
//	        return scopez.Result{}, scopez.InvalidError(op.Name, errors.New("tenant required"))
//	    }
//	    return next(ctx, op)
//	})
func StageFunc(name Name, fn func(context.Context, Operation, Next) (Result, error)) Stage {
	return funcStage{name: name, fn: fn}
}

// Observe creates a Stage that watches traffic without changing it.
// before runs ahead of next; after sees the result and failure that next
// returned. Either may be nil. The result always passes through unchanged.
//
// Example:
//
//	audit := scopez.Observe("audit",
//	    func(ctx context.Context, op scopez.Operation) {
//	        auditLog.Record(op.Name)
//	    },
//	    nil,
//	)
func Observe(name Name, before func(context.Context, Operation), after func(context.Context, Operation, Result, error)) Stage {
	return funcStage{
		name: name,
		fn: func(ctx context.Context, op Operation, next Next) (Result, error) {
			if before != nil {
				before(ctx, op)
			}
			result, err := next(ctx, op)
			if after != nil {
				after(ctx, op, result, err)
			}
			return result, err
		},
	}
}
