package worker

import (
	"context"
	"log/slog"

	"github.com/roach88/transit/internal/engine"
	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/project"
)

// Inline runs consumers synchronously after every transition an engine
// commits. Tasks are materialized and executed on the goroutine that
// applied the transition, before Apply returns. Transitions applied by a
// handler cascade the same way.
//
// Failed tasks stay created and are logged.
type Inline struct {
	materializer *Materializer
	runner       *Runner
	logger       *slog.Logger
}

var _ engine.Observer = (*Inline)(nil)

// NewInline registers an Inline observer on e and returns it.
func NewInline(p *project.Project, e *engine.Engine, opts ...Option) *Inline {
	o := newOptions(opts)
	in := &Inline{
		materializer: NewMaterializer(p, e.Backend(), opts...),
		runner:       NewRunner(p, e, opts...),
		logger:       o.logger,
	}
	e.Observe(in)
	return in
}

func (in *Inline) AfterApply(ctx context.Context, t ir.Transition, obj ir.Object) {
	tasks, err := in.materializer.Materialize(ctx, t)
	if err != nil {
		in.logger.Error("materialize failed", "transition", t.ID, "error", err)
	}
	for _, task := range tasks {
		started := in.runner.now()
		err := in.runner.Execute(ctx, task)
		if err == nil {
			err = in.runner.engine.Backend().UpdateTask(ctx, task.ID, ir.TaskCompleted)
		}
		in.runner.finish(task, started, err)
	}
}
