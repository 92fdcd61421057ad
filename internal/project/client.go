package project

import (
	"context"

	"github.com/roach88/transit/internal/engine"
	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/schema"
)

// Call holds the optional arguments of a transition.
type Call struct {
	// ObjectID is required for non-initializing transitions.
	ObjectID string
	Data     ir.Fields
	Note     string
}

// Client forwards calls to the engine and backend with a fixed cause.
// Clients are immutable; WithTriggeredBy derives a new one.
type Client struct {
	engine  *engine.Engine
	project *Project
	cause   ir.Cause
}

// NewClient returns a client whose transitions have no cause.
func NewClient(e *engine.Engine, p *Project) *Client {
	return &Client{engine: e, project: p, cause: ir.NoCause}
}

// WithTriggeredBy returns a client that attributes its transitions to id.
func (c *Client) WithTriggeredBy(id string) *Client {
	return &Client{engine: c.engine, project: c.project, cause: ir.CausedBy(id)}
}

// Cause returns the cause stamped on this client's transitions.
func (c *Client) Cause() ir.Cause {
	return c.cause
}

// Apply runs model.transition using the project's function for it.
func (c *Client) Apply(ctx context.Context, model, transition string, call Call) (ir.Transition, ir.Object, error) {
	req := engine.Request{
		Model:      model,
		Transition: transition,
		ObjectID:   call.ObjectID,
		Data:       call.Data,
		Note:       call.Note,
		Cause:      c.cause,
	}
	if fn := c.project.TransitionFunc(model, transition); fn != nil {
		req.Fn = func(ctx context.Context, prior *ir.Object, t ir.Transition) (ir.Object, error) {
			return fn(ctx, c.WithTriggeredBy(t.ID), prior, t)
		}
	}
	return c.engine.Apply(ctx, req)
}

func (c *Client) model(name string) (*schema.Model, error) {
	m, ok := c.engine.Schema().Model(name)
	if !ok {
		return nil, ir.NotFound("unknown model %s", name)
	}
	return m, nil
}

// Get returns the object with the given id, or a not-found error.
func (c *Client) Get(ctx context.Context, model, id string) (ir.Object, error) {
	m, err := c.model(model)
	if err != nil {
		return ir.Object{}, err
	}
	return c.engine.Backend().GetByID(ctx, m, id)
}

// FindAll returns objects matching q, ordered by id.
func (c *Client) FindAll(ctx context.Context, model string, q ir.Query) ([]ir.Object, error) {
	m, err := c.model(model)
	if err != nil {
		return nil, err
	}
	return c.engine.Backend().Query(ctx, m, q)
}

// FindOne returns the first object matching where, or nil when there is
// none.
func (c *Client) FindOne(ctx context.Context, model string, where ir.Filter) (*ir.Object, error) {
	objs, err := c.FindAll(ctx, model, ir.Query{Where: where, Limit: 1})
	if err != nil || len(objs) == 0 {
		return nil, err
	}
	return &objs[0], nil
}

// RequireOne is FindOne that returns a not-found error when nothing
// matches.
func (c *Client) RequireOne(ctx context.Context, model string, where ir.Filter) (ir.Object, error) {
	obj, err := c.FindOne(ctx, model, where)
	if err != nil {
		return ir.Object{}, err
	}
	if obj == nil {
		return ir.Object{}, ir.NotFound("no %s matches %v", model, where)
	}
	return *obj, nil
}

// Transition returns the transition with the given id.
func (c *Client) Transition(ctx context.Context, id string) (ir.Transition, error) {
	return c.engine.Backend().GetTransition(ctx, id)
}

// History returns an object's transitions, newest first.
func (c *Client) History(ctx context.Context, objectID string) ([]ir.Transition, error) {
	return c.engine.Backend().TransitionsForObject(ctx, objectID)
}

// Tasks returns the tasks materialized for a transition.
func (c *Client) Tasks(ctx context.Context, transitionID string) ([]ir.Task, error) {
	return c.engine.Backend().TasksForTransition(ctx, transitionID)
}
