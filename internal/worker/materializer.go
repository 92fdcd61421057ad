package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/transit/internal/feed"
	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/metrics"
	"github.com/roach88/transit/internal/project"
	"github.com/roach88/transit/internal/store"
)

// Materializer creates tasks for committed transitions.
type Materializer struct {
	project *project.Project
	backend store.Backend
	ids     ir.IDGenerator
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewMaterializer returns a materializer for p's consumers.
func NewMaterializer(p *project.Project, b store.Backend, opts ...Option) *Materializer {
	o := newOptions(opts)
	return &Materializer{
		project: p,
		backend: b,
		ids:     o.ids,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Materialize inserts a created task for every consumer interested in t and
// returns the tasks it inserted. A consumer that already has a task for t
// gets no second one, so delivering t again is harmless.
//
// A transition whose model or type is not in the schema yields a routing
// error.
func (m *Materializer) Materialize(ctx context.Context, t ir.Transition) ([]ir.Task, error) {
	if _, _, err := m.project.Schema().Resolve(t.Model, t.Type); err != nil {
		return nil, ir.Routing("transition %s: %v", t.ID, err)
	}

	var created []ir.Task
	for _, c := range m.project.ConsumersFor(t.Model, t.Type) {
		task := ir.Task{
			ID:           m.ids.Generate(ir.TaskPrefix),
			TransitionID: t.ID,
			Consumer:     c.Name,
			State:        ir.TaskCreated,
		}
		inserted, err := m.backend.InsertTask(ctx, task)
		if err != nil {
			return created, fmt.Errorf("materialize %s for %s: %w", t.ID, c.Name, err)
		}
		if !inserted {
			m.logger.Debug("task already exists", "transition", t.ID, "consumer", c.Name)
			continue
		}
		m.metrics.TaskCreated(c.Name)
		m.logger.Info("enqueued task",
			"task", task.ID,
			"transition", t.ID,
			"consumer", c.Name,
		)
		created = append(created, task)
	}
	return created, nil
}

// Sink adapts the materializer to a feed.
func (m *Materializer) Sink() feed.Sink {
	return func(ctx context.Context, t ir.Transition) error {
		_, err := m.Materialize(ctx, t)
		return err
	}
}
