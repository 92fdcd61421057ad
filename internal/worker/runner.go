package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/transit/internal/engine"
	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/metrics"
	"github.com/roach88/transit/internal/project"
	"github.com/roach88/transit/internal/store"
)

// Runner executes created tasks.
type Runner struct {
	project *project.Project
	engine  *engine.Engine
	client  *project.Client
	batch    int
	retryMin time.Duration
	retryMax time.Duration
	logger   *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRunner returns a runner for p's consumers. Handlers receive clients
// built on e.
func NewRunner(p *project.Project, e *engine.Engine, opts ...Option) *Runner {
	o := newOptions(opts)
	return &Runner{
		project: p,
		engine:  e,
		client:  project.NewClient(e, p),
		batch:    o.batchSize,
		retryMin: o.retryMin,
		retryMax: o.retryMax,
		logger:  o.logger,
		metrics: o.metrics,
		now:     o.now,
	}
}

// BatchSize returns the maximum number of tasks claimed per RunOnce.
func (r *Runner) BatchSize() int {
	return r.batch
}

// Batch reports the outcome of one RunOnce.
type Batch struct {
	Claimed   int
	Completed int
	// Deferred counts failed tasks rescheduled with a positive delay.
	Deferred int
}

// Progressed reports whether the batch was full and moved at least one
// task out of the way, by completing it or deferring its retry, so
// another batch may follow without waiting. Failed tasks that would be
// claimed again at once never count.
func (b Batch) Progressed(size int) bool {
	return b.Claimed >= size && b.Completed+b.Deferred > 0
}

// RunOnce claims one batch and runs its tasks concurrently. Task failures
// are logged, not returned: a failed task is rescheduled with backoff so
// it does not hold back newer tasks.
func (r *Runner) RunOnce(ctx context.Context) (Batch, error) {
	var completed, deferred atomic.Int64
	n, err := r.engine.Backend().ClaimTasks(ctx, r.batch, func(ctx context.Context, claim store.Claim) error {
		var wg sync.WaitGroup
		for _, task := range claim.Tasks() {
			wg.Add(1)
			go func(task ir.Task) {
				defer wg.Done()
				switch r.runClaimed(ctx, claim, task) {
				case outcomeCompleted:
					completed.Add(1)
				case outcomeDeferred:
					deferred.Add(1)
				}
			}(task)
		}
		wg.Wait()
		return nil
	})
	return Batch{Claimed: n, Completed: int(completed.Load()), Deferred: int(deferred.Load())}, err
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeCompleted
	outcomeDeferred
)

// runClaimed executes task and records the result in claim.
func (r *Runner) runClaimed(ctx context.Context, claim store.Claim, task ir.Task) outcome {
	started := r.now()
	err := r.Execute(ctx, task)
	if err == nil {
		err = claim.Complete(ctx, task.ID)
		r.finish(task, started, err)
		if err != nil {
			return outcomeFailed
		}
		return outcomeCompleted
	}

	r.finish(task, started, err)
	delay := r.retryDelay(task.Attempts)
	if err := claim.Retry(ctx, task.ID, delay); err != nil {
		r.logger.Error("reschedule task failed", "task", task.ID, "error", err)
		return outcomeFailed
	}
	r.logger.Debug("task rescheduled", "task", task.ID, "attempts", task.Attempts+1, "delay", delay)
	if delay > 0 {
		return outcomeDeferred
	}
	return outcomeFailed
}

// retryDelay is the wait after a task's attempts-th earlier failure.
func (r *Runner) retryDelay(attempts int) time.Duration {
	d := r.retryMin
	for i := 0; i < attempts && d < r.retryMax; i++ {
		d *= 2
	}
	return min(d, r.retryMax)
}

func (r *Runner) finish(task ir.Task, started time.Time, err error) {
	elapsed := r.now().Sub(started)
	if err != nil {
		r.metrics.TaskFailed(task.Consumer, elapsed)
		r.logger.Error("task failed",
			"task", task.ID,
			"transition", task.TransitionID,
			"consumer", task.Consumer,
			"error", err,
		)
		return
	}
	r.metrics.TaskCompleted(task.Consumer, elapsed)
	r.logger.Info("task completed",
		"task", task.ID,
		"consumer", task.Consumer,
		"duration", elapsed,
	)
}

// Execute runs task's handler against the transition's object as it is
// now. Transitions the handler applies are attributed to the task. It does
// not change the task's state.
func (r *Runner) Execute(ctx context.Context, task ir.Task) (err error) {
	consumer, err := r.project.Consumer(task.Consumer)
	if err != nil {
		return err
	}

	b := r.engine.Backend()
	t, err := b.GetTransition(ctx, task.TransitionID)
	if err != nil {
		return fmt.Errorf("load transition: %w", err)
	}
	m, ok := r.engine.Schema().Model(t.Model)
	if !ok {
		return ir.Routing("transition %s has unknown model %s", t.ID, t.Model)
	}
	obj, err := b.GetByID(ctx, m, t.ObjectID)
	if err != nil {
		return fmt.Errorf("load object: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("consumer %s panicked: %v\n%s", consumer.Name, p, debug.Stack())
		}
	}()
	return consumer.Handler(ctx, r.client.WithTriggeredBy(task.ID), obj, t)
}
