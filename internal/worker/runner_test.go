package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/metrics"
	"github.com/roach88/transit/internal/project"
	"github.com/roach88/transit/internal/testutil"
)

func TestRunOnce_NothingToDo(t *testing.T) {
	e := newEnv(t, fixtureProject())
	r := NewRunner(e.project, e.engine, e.opts()...)

	b, err := r.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, b.Claimed)
}

func TestRunOnce_RunsHandlerAndCompletes(t *testing.T) {
	e := newEnv(t, fixtureProject())
	m := NewMaterializer(e.project, e.db, e.opts()...)
	r := NewRunner(e.project, e.engine, e.opts()...)

	tr, user := e.createUser(t)
	tasks, err := m.Materialize(e.ctx, tr)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	b, err := r.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Batch{Claimed: 1, Completed: 1}, b)

	stored := e.tasks(t, tr.ID)
	require.Len(t, stored, 1)
	assert.Equal(t, ir.TaskCompleted, stored[0].State)

	email, err := e.client.RequireOne(e.ctx, "Email", ir.Filter{"userId": user.ID})
	require.NoError(t, err)
	assert.Equal(t, "Welcome Ada", email.Get("subject"))

	history, err := e.client.History(e.ctx, email.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].TriggeredBy)
	assert.Equal(t, tasks[0].ID, *history[0].TriggeredBy, "handler transitions are attributed to the task")
}

func TestRunOnce_FailedTaskIsRetried(t *testing.T) {
	f := &flaky{fails: 1}
	p := project.New(testutil.Schema()).
		Define("User", "Create", createUser).
		Consume(project.Consumer{Name: "Flaky", Model: "User", Transitions: []string{"Create"}, Handler: f.handle})
	e := newEnv(t, p)
	m := NewMaterializer(p, e.db, e.opts()...)
	r := NewRunner(p, e.engine, e.opts(WithRetryBackoff(0, 0))...)

	tr, _ := e.createUser(t)
	_, err := m.Materialize(e.ctx, tr)
	require.NoError(t, err)

	b, err := r.RunOnce(e.ctx)
	require.NoError(t, err, "task failures are not runner failures")
	assert.Equal(t, Batch{Claimed: 1}, b)
	stored := e.tasks(t, tr.ID)[0]
	assert.Equal(t, ir.TaskCreated, stored.State)
	assert.Equal(t, 1, stored.Attempts)

	b, err = r.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, Batch{Claimed: 1, Completed: 1}, b)
	assert.Equal(t, ir.TaskCompleted, e.tasks(t, tr.ID)[0].State)
	assert.Equal(t, 2, f.calls)

	b, err = r.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, b.Claimed)
}

func TestRunOnce_FailedTaskWaitsForBackoff(t *testing.T) {
	f := &flaky{fails: 1}
	p := project.New(testutil.Schema()).
		Define("User", "Create", createUser).
		Consume(project.Consumer{Name: "Flaky", Model: "User", Transitions: []string{"Create"}, Handler: f.handle})
	e := newEnv(t, p)
	m := NewMaterializer(p, e.db, e.opts()...)
	r := NewRunner(p, e.engine, e.opts(WithRetryBackoff(time.Hour, time.Hour))...)

	tr, _ := e.createUser(t)
	_, err := m.Materialize(e.ctx, tr)
	require.NoError(t, err)

	_, err = r.RunOnce(e.ctx)
	require.NoError(t, err)

	b, err := r.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, b.Claimed, "the task is not retried before its delay")
	assert.Equal(t, 1, f.calls)
}

func TestRetryDelay(t *testing.T) {
	r := NewRunner(project.New(testutil.Schema()), nil, WithRetryBackoff(time.Second, 10*time.Second))
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.retryDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestBatchProgressed(t *testing.T) {
	assert.True(t, Batch{Claimed: 2, Completed: 1}.Progressed(2))
	assert.True(t, Batch{Claimed: 2, Deferred: 2}.Progressed(2), "deferred tasks leave the head of the queue")
	assert.False(t, Batch{Claimed: 2}.Progressed(2), "immediately retryable failures are not progress")
	assert.False(t, Batch{Claimed: 1, Completed: 1}.Progressed(2), "a partial batch drains the queue")
}

func TestRunOnce_PanicLeavesTaskCreated(t *testing.T) {
	p := project.New(testutil.Schema()).
		Define("User", "Create", createUser).
		Consume(project.Consumer{
			Name:        "Panics",
			Model:       "User",
			Transitions: []string{"Create"},
			Handler: func(ctx context.Context, c *project.Client, obj ir.Object, t ir.Transition) error {
				panic("kaboom")
			},
		})
	e := newEnv(t, p)
	m := NewMaterializer(p, e.db, e.opts()...)
	r := NewRunner(p, e.engine, e.opts()...)

	tr, _ := e.createUser(t)
	_, err := m.Materialize(e.ctx, tr)
	require.NoError(t, err)

	_, err = r.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.TaskCreated, e.tasks(t, tr.ID)[0].State)
}

func TestRunOnce_UnknownConsumerLeavesTaskCreated(t *testing.T) {
	e := newEnv(t, fixtureProject())
	r := NewRunner(e.project, e.engine, e.opts()...)
	tr, _ := e.createUser(t)

	inserted, err := e.db.InsertTask(e.ctx, ir.Task{
		ID: "task_ghost", TransitionID: tr.ID, Consumer: "Ghost", State: ir.TaskCreated,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	_, err = r.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.TaskCreated, e.tasks(t, tr.ID)[0].State)

	err = r.Execute(e.ctx, ir.Task{ID: "task_ghost", TransitionID: tr.ID, Consumer: "Ghost"})
	assert.True(t, ir.IsNotFound(err))
}

func TestExecute_MissingTransition(t *testing.T) {
	e := newEnv(t, fixtureProject())
	r := NewRunner(e.project, e.engine, e.opts()...)

	err := r.Execute(e.ctx, ir.Task{ID: "task_1", TransitionID: "tsn_missing", Consumer: testutil.SendEmail})
	assert.True(t, ir.IsNotFound(err), "got %v", err)
}

func TestRunOnce_RespectsBatchSize(t *testing.T) {
	e := newEnv(t, fixtureProject())
	m := NewMaterializer(e.project, e.db, e.opts()...)
	r := NewRunner(e.project, e.engine, e.opts(WithBatchSize(2))...)
	assert.Equal(t, 2, r.BatchSize())

	for i := 0; i < 3; i++ {
		tr, _ := e.createUser(t)
		_, err := m.Materialize(e.ctx, tr)
		require.NoError(t, err)
	}

	b, err := r.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Claimed)

	b, err = r.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Claimed)
}

func TestRunOnce_RecordsMetrics(t *testing.T) {
	f := &flaky{fails: 1}
	p := project.New(testutil.Schema()).
		Define("User", "Create", createUser).
		Consume(project.Consumer{Name: "Flaky", Model: "User", Transitions: []string{"Create"}, Handler: f.handle})
	e := newEnv(t, p)
	reg := metrics.New()
	m := NewMaterializer(p, e.db, e.opts(WithMetrics(reg))...)
	r := NewRunner(p, e.engine, e.opts(WithMetrics(reg), WithRetryBackoff(0, 0))...)

	tr, _ := e.createUser(t)
	_, err := m.Materialize(e.ctx, tr)
	require.NoError(t, err)
	_, err = r.RunOnce(e.ctx)
	require.NoError(t, err)
	_, err = r.RunOnce(e.ctx)
	require.NoError(t, err)

	families, err := reg.Registry().Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				counts[mf.GetName()] += c.GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, counts["transit_tasks_created_total"])
	assert.Equal(t, 1.0, counts["transit_tasks_failed_total"])
	assert.Equal(t, 1.0, counts["transit_tasks_completed_total"])
}
