package store

import (
	"context"
	"time"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/schema"
)

// Backend is the storage contract. Implementations share identical
// semantics over different database engines.
type Backend interface {
	// Setup idempotently creates the transitions and tasks tables.
	Setup(ctx context.Context) error

	// Migrate idempotently creates one table per model.
	Migrate(ctx context.Context, s *schema.Schema) error

	// ApplyTransition writes the object row (insert when t is initializing,
	// update otherwise) and appends t, in one transaction. The update only
	// matches a row still in state *t.From; otherwise nothing is written and
	// a not-found error is returned. Returns the seq assigned to t.
	ApplyTransition(ctx context.Context, m *schema.Model, t ir.Transition, obj ir.Object) (int64, error)

	// GetByID returns the object, or a not-found error.
	GetByID(ctx context.Context, m *schema.Model, id string) (ir.Object, error)

	// Query returns objects matching q, ordered by id.
	Query(ctx context.Context, m *schema.Model, q ir.Query) ([]ir.Object, error)

	// GetTransition returns the transition, or a not-found error.
	GetTransition(ctx context.Context, id string) (ir.Transition, error)

	// TransitionsForObject returns an object's transitions, newest first.
	TransitionsForObject(ctx context.Context, objectID string) ([]ir.Transition, error)

	// TransitionsAfter returns up to limit transitions with seq > after,
	// oldest first.
	TransitionsAfter(ctx context.Context, after int64, limit int) ([]ir.Transition, error)

	// LatestSeq returns the highest assigned seq, or 0 when the log is empty.
	LatestSeq(ctx context.Context) (int64, error)

	// InsertTask inserts task unless one already exists for its
	// (TransitionID, Consumer). Reports whether a row was inserted.
	InsertTask(ctx context.Context, task ir.Task) (bool, error)

	// UpdateTask sets a task's state, or returns a not-found error.
	UpdateTask(ctx context.Context, id string, state ir.TaskState) error

	// TasksForTransition returns the tasks materialized for a transition.
	TasksForTransition(ctx context.Context, transitionID string) ([]ir.Task, error)

	// ListTasks returns up to limit tasks in state, ordered by id.
	ListTasks(ctx context.Context, state ir.TaskState, limit int) ([]ir.Task, error)

	// ClaimTasks claims up to limit created tasks exclusively and passes
	// them to fn, oldest first, skipping tasks whose retry delay has not
	// passed. Claims are released when fn returns; tasks fn neither
	// completed nor retried become claimable again. Returns the number
	// claimed. fn is not called when nothing could be claimed.
	ClaimTasks(ctx context.Context, limit int, fn ClaimFunc) (int, error)

	// Close releases the database handle.
	Close() error
}

// ClaimFunc processes a batch of claimed tasks.
type ClaimFunc func(ctx context.Context, claim Claim) error

// Claim is a batch of exclusively held tasks.
//
// Complete and Retry may be called concurrently from several goroutines.
type Claim interface {
	Tasks() []ir.Task
	Complete(ctx context.Context, taskID string) error
	// Retry records a failed run: the task's attempts are incremented and
	// it is not claimed again until delay has passed.
	Retry(ctx context.Context, taskID string, delay time.Duration) error
}
