package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/metrics"
	"github.com/roach88/transit/internal/schema"
	"github.com/roach88/transit/internal/store"
)

// TransitionFunc proposes an object's next state and fields.
//
// prior is nil for initializing transitions. t is the provisional record:
// its ID, ObjectID, From, Data and TriggeredBy are final, To is not yet set.
// The returned object's ID is ignored. An empty State is allowed when the
// transition declares exactly one to-state.
type TransitionFunc func(ctx context.Context, prior *ir.Object, t ir.Transition) (ir.Object, error)

// Merge is the TransitionFunc used when a Request has none: the prior
// object's fields overlaid with the payload, in the transition's only
// to-state.
func Merge(ctx context.Context, prior *ir.Object, t ir.Transition) (ir.Object, error) {
	fields := ir.Fields{}
	if prior != nil {
		fields = prior.Fields.Clone()
	}
	for k, v := range t.Data {
		fields[k] = v
	}
	return ir.Object{Fields: fields}, nil
}

// Request describes one transition to apply.
type Request struct {
	Model      string
	Transition string

	// ObjectID names the object for non-initializing transitions and must
	// be empty for initializing ones.
	ObjectID string

	Data ir.Fields
	Note string

	// Cause is stored as the transition's triggered_by.
	Cause ir.Cause

	// Fn proposes the result. Nil means Merge.
	Fn TransitionFunc
}

// Observer is notified after every committed transition, on the goroutine
// that called Apply.
type Observer interface {
	AfterApply(ctx context.Context, t ir.Transition, obj ir.Object)
}

// Engine applies transitions against a backend.
type Engine struct {
	schema  *schema.Schema
	backend store.Backend
	ids     ir.IDGenerator
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	observers []Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDs replaces the id generator. Tests use ir.SequenceGenerator.
func WithIDs(g ir.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithClock replaces time.Now for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithObserver registers an observer at construction.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// New creates an Engine over a sealed schema and a backend that has been
// set up and migrated for it.
func New(s *schema.Schema, b store.Backend, opts ...Option) *Engine {
	e := &Engine{
		schema:  s,
		backend: b,
		ids:     ir.UUIDv7Generator{},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Schema returns the engine's schema.
func (e *Engine) Schema() *schema.Schema {
	return e.schema
}

// Backend returns the engine's backend.
func (e *Engine) Backend() store.Backend {
	return e.backend
}

// Observe registers an observer. Observers added while Apply calls are in
// flight see only later transitions.
func (e *Engine) Observe(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// Apply runs one transition and persists the result atomically. It returns
// the committed transition (with Seq set) and the object as stored.
//
// NotFound and Validation errors are returned before anything is written.
// An error from the TransitionFunc is returned unchanged.
func (e *Engine) Apply(ctx context.Context, req Request) (ir.Transition, ir.Object, error) {
	t, obj, err := e.apply(ctx, req)
	if err != nil {
		code := string(ir.CodeOf(err))
		if code == "" {
			code = "ERROR"
		}
		e.metrics.TransitionRejected(req.Model, code)
		return ir.Transition{}, ir.Object{}, err
	}

	e.metrics.TransitionApplied(t.Model, t.Type)
	e.logger.Debug("transition applied",
		"id", t.ID,
		"model", t.Model,
		"transition", t.Type,
		"object", t.ObjectID,
		"to", t.To,
		"seq", t.Seq,
	)

	e.mu.RLock()
	observers := e.observers
	e.mu.RUnlock()
	for _, o := range observers {
		o.AfterApply(ctx, t, obj)
	}
	return t, obj, nil
}

func (e *Engine) apply(ctx context.Context, req Request) (ir.Transition, ir.Object, error) {
	m, meta, err := e.schema.Resolve(req.Model, req.Transition)
	if err != nil {
		return ir.Transition{}, ir.Object{}, err
	}

	data, err := meta.ValidateData(req.Data)
	if err != nil {
		return ir.Transition{}, ir.Object{}, err
	}

	var prior *ir.Object
	objectID := req.ObjectID
	if meta.Initializing() {
		if objectID != "" {
			return ir.Transition{}, ir.Object{}, ir.Validation("objectId",
				"%s.%s creates objects and takes no object id", m.Name, meta.Name)
		}
		objectID = e.ids.Generate(m.Prefix)
	} else {
		if objectID == "" {
			return ir.Transition{}, ir.Object{}, ir.Validation("objectId",
				"%s.%s requires an object id", m.Name, meta.Name)
		}
		obj, err := e.backend.GetByID(ctx, m, objectID)
		if err != nil {
			return ir.Transition{}, ir.Object{}, err
		}
		if !meta.AllowsFrom(obj.State) {
			return ir.Transition{}, ir.Object{}, ir.Validation("state",
				"%s.%s cannot be applied to %s in state %s", m.Name, meta.Name, objectID, obj.State)
		}
		prior = &obj
	}

	t := ir.Transition{
		ID:          e.ids.Generate(ir.TransitionPrefix),
		ObjectID:    objectID,
		Model:       m.Name,
		Type:        meta.Name,
		Data:        data,
		Note:        ir.StringPtr(req.Note),
		TriggeredBy: req.Cause.Ref(),
		AppliedAt:   e.now().UTC().Truncate(time.Microsecond),
	}
	if prior != nil {
		from := prior.State
		t.From = &from
	}

	fn := req.Fn
	if fn == nil {
		fn = Merge
	}
	proposed, err := fn(ctx, prior, t)
	if err != nil {
		return ir.Transition{}, ir.Object{}, err
	}

	state := proposed.State
	if state == "" && len(meta.To) == 1 {
		state = meta.To[0]
	}
	if !meta.AllowsTo(state) {
		return ir.Transition{}, ir.Object{}, ir.Validation("state",
			"%s.%s cannot lead to state %q", m.Name, meta.Name, state)
	}
	fields, err := m.ValidateState(state, proposed.Fields)
	if err != nil {
		return ir.Transition{}, ir.Object{}, err
	}

	t.To = state
	obj := ir.Object{ID: objectID, State: state, Fields: fields}

	seq, err := e.backend.ApplyTransition(ctx, m, t, obj)
	if err != nil {
		return ir.Transition{}, ir.Object{}, err
	}
	t.Seq = seq
	return t, obj, nil
}
