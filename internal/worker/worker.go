package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/transit/internal/engine"
	"github.com/roach88/transit/internal/feed"
	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/loop"
	"github.com/roach88/transit/internal/metrics"
	"github.com/roach88/transit/internal/project"
)

// Worker is the queue-processing process role: a feed feeding the
// materializer, and a loop running claimed tasks.
type Worker struct {
	feed         feed.Feed
	materializer *Materializer
	runner       *Runner
	tasks        *loop.Loop
	logger       *slog.Logger
	metrics      *metrics.Metrics
	metricsAddr  string
	engine       *engine.Engine
}

// New assembles a worker. The feed should already be wrapped in
// feed.Reconnecting when it can fail transiently.
func New(f feed.Feed, p *project.Project, e *engine.Engine, opts ...Option) *Worker {
	o := newOptions(opts)
	w := &Worker{
		feed:         f,
		materializer: NewMaterializer(p, e.Backend(), opts...),
		runner:       NewRunner(p, e, opts...),
		logger:       o.logger,
		metrics:      o.metrics,
		metricsAddr:  o.metricsAddr,
		engine:       e,
	}
	w.tasks = loop.New("tasks", o.taskInterval, w.runTasks, loop.WithLogger(o.logger))
	return w
}

func (w *Worker) runTasks(ctx context.Context) (bool, error) {
	b, err := w.runner.RunOnce(ctx)
	return b.Progressed(w.runner.BatchSize()), err
}

// sink materializes t and wakes the task loop when work was created.
func (w *Worker) sink(ctx context.Context, t ir.Transition) error {
	tasks, err := w.materializer.Materialize(ctx, t)
	if len(tasks) > 0 {
		w.tasks.Wake()
	}
	return err
}

// Run blocks until ctx is done or a component fails. It returns nil after
// a clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 3)
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	w.logger.Info("worker starting",
		"feed", w.feed.Name(),
		"batch_size", w.runner.BatchSize(),
	)
	start("feed", func(ctx context.Context) error { return w.feed.Run(ctx, w.sink) })
	start("tasks", w.tasks.Run)
	if w.metricsAddr != "" && w.metrics != nil {
		h := metrics.NewRouter(w.metrics, w.health)
		start("metrics", func(ctx context.Context) error {
			return metrics.Serve(ctx, w.metricsAddr, h, w.logger)
		})
	}

	wg.Wait()
	close(errc)
	if err, ok := <-errc; ok {
		return err
	}
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) health(ctx context.Context) error {
	_, err := w.engine.Backend().LatestSeq(ctx)
	return err
}
