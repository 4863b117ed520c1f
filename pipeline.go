package scopez

import (
	"context"

	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for Pipeline.
const (
	PipelineInvokedTotal   = metricz.Key("pipeline.invoked.total")
	PipelineSuccessesTotal = metricz.Key("pipeline.successes.total")
	PipelineFailuresTotal  = metricz.Key("pipeline.failures.total")

	PipelineInvokeSpan = tracez.Key("pipeline.invoke")

	PipelineTagName      = tracez.Tag("pipeline.name")
	PipelineTagOperation = tracez.Tag("pipeline.operation")
	PipelineTagSuccess   = tracez.Tag("pipeline.success")
	PipelineTagError     = tracez.Tag("pipeline.error")
)

// Pipeline is an ordered composition of stages wrapping a single terminal.
//
// Stage order is significant: stage i wraps stage i+1, so the first stage is
// the outermost. For stages [A, B, C] around terminal T an invocation runs
//
//	A-before → B-before → C-before → T → C-after → B-after → A-after
//
// unless a stage short-circuits.
//
// A Pipeline is immutable once built and holds no per-invocation state, so one
// instance is meant to be built at startup and shared by every session:
//
//	var ordersPipeline = scopez.Build("orders",
//	    []scopez.Stage{logging, limiter, retry, translate},
//	    scopez.Perform,
//	)
//
// The pipeline never catches or rewrites failures on behalf of its stages.
// Any locking a stage needs is the stage's own business.
type Pipeline struct {
	terminal Terminal
	metrics  *metricz.Registry
	tracer   *tracez.Tracer
	name     Name
	stages   []Stage
}

// Build creates a Pipeline. The stage slice is copied; changing it afterwards
// does not affect the pipeline. A nil terminal defaults to Perform.
func Build(name Name, stages []Stage, terminal Terminal) *Pipeline {
	if terminal == nil {
		terminal = Perform
	}
	cp := make([]Stage, len(stages))
	copy(cp, stages)

	metrics := metricz.New()
	metrics.Counter(PipelineInvokedTotal)
	metrics.Counter(PipelineSuccessesTotal)
	metrics.Counter(PipelineFailuresTotal)

	return &Pipeline{
		name:     name,
		stages:   cp,
		terminal: terminal,
		metrics:  metrics,
		tracer:   tracez.New(),
	}
}

// Invoke runs op through every stage and the terminal.
func (p *Pipeline) Invoke(ctx context.Context, op Operation) (Result, error) {
	p.metrics.Counter(PipelineInvokedTotal).Inc()

	ctx, span := p.tracer.StartSpan(ctx, PipelineInvokeSpan)
	span.SetTag(PipelineTagName, p.name)
	span.SetTag(PipelineTagOperation, op.Name)

	result, err := p.call(ctx, 0, op)

	if err != nil {
		p.metrics.Counter(PipelineFailuresTotal).Inc()
		span.SetTag(PipelineTagSuccess, "false")
		span.SetTag(PipelineTagError, err.Error())
	} else {
		p.metrics.Counter(PipelineSuccessesTotal).Inc()
		span.SetTag(PipelineTagSuccess, "true")
	}
	span.Finish()
	return result, err
}

// call runs stage i with a next that continues at stage i+1.
func (p *Pipeline) call(ctx context.Context, i int, op Operation) (Result, error) {
	if i == len(p.stages) {
		return p.terminal(ctx, op)
	}
	next := func(ctx context.Context, op Operation) (Result, error) {
		return p.call(ctx, i+1, op)
	}
	return p.stages[i].Handle(ctx, op, next)
}

// Name returns the name of the pipeline.
func (p *Pipeline) Name() Name {
	return p.name
}

// Stages returns a copy of the stage list in order.
func (p *Pipeline) Stages() []Stage {
	cp := make([]Stage, len(p.stages))
	copy(cp, p.stages)
	return cp
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Metrics returns the metrics registry for this pipeline.
func (p *Pipeline) Metrics() *metricz.Registry {
	return p.metrics
}

// Tracer returns the tracer for this pipeline.
func (p *Pipeline) Tracer() *tracez.Tracer {
	return p.tracer
}

// Close shuts down the pipeline's tracer.
func (p *Pipeline) Close() error {
	if p.tracer != nil {
		p.tracer.Close()
	}
	return nil
}
