// Package storetest is the contract suite every store.Backend must pass.
//
// Each backend package runs it from its own tests:
//
//	storetest.Run(t, func(t *testing.T) store.Backend { return openTestBackend(t) })
//
// open must return a fresh, empty backend; the suite calls Setup and
// Migrate itself with the testutil fixture schema.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/schema"
	"github.com/roach88/transit/internal/store"
	"github.com/roach88/transit/internal/testutil"
)

// OpenFunc returns a fresh backend. It should register cleanup with t.
type OpenFunc func(t *testing.T) store.Backend

// Run executes the contract suite against backends produced by open.
func Run(t *testing.T, open OpenFunc) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h *harness)
	}{
		{"SetupIsIdempotent", testSetupIsIdempotent},
		{"ApplyInitializingInsertsObject", testApplyInitializingInsertsObject},
		{"ApplyUpdateHidesOtherStateFields", testApplyUpdateHidesOtherStateFields},
		{"ApplyUpdateMissingObject", testApplyUpdateMissingObject},
		{"ApplyUpdateStaleState", testApplyUpdateStaleState},
		{"ApplyDuplicateTransitionRollsBack", testApplyDuplicateTransitionRollsBack},
		{"GetByIDNotFound", testGetByIDNotFound},
		{"FieldTypesRoundTrip", testFieldTypesRoundTrip},
		{"QueryFilters", testQueryFilters},
		{"QueryUnknownField", testQueryUnknownField},
		{"TransitionRoundTrip", testTransitionRoundTrip},
		{"GetTransitionNotFound", testGetTransitionNotFound},
		{"TransitionsForObjectNewestFirst", testTransitionsForObjectNewestFirst},
		{"TransitionsAfter", testTransitionsAfter},
		{"InsertTaskIgnoresDuplicates", testInsertTaskIgnoresDuplicates},
		{"UpdateAndListTasks", testUpdateAndListTasks},
		{"ClaimNothing", testClaimNothing},
		{"ClaimIsExclusive", testClaimIsExclusive},
		{"ClaimCompleteAndRelease", testClaimCompleteAndRelease},
		{"ClaimErrorLeavesTasksCreated", testClaimErrorLeavesTasksCreated},
		{"ClaimCompleteForeignTask", testClaimCompleteForeignTask},
		{"ClaimSkipsDelayedRetries", testClaimSkipsDelayedRetries},
		{"ClaimRetryCountsAttempts", testClaimRetryCountsAttempts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newHarness(t, open))
		})
	}
}

type harness struct {
	ctx    context.Context
	b      store.Backend
	schema *schema.Schema
	ids    *ir.SequenceGenerator
	clock  *testutil.Clock
}

func newHarness(t *testing.T, open OpenFunc) *harness {
	t.Helper()
	h := &harness{
		ctx:    context.Background(),
		b:      open(t),
		schema: testutil.Schema(),
		ids:    ir.NewSequenceGenerator(),
		clock:  testutil.NewClock(),
	}
	require.NoError(t, h.b.Setup(h.ctx))
	require.NoError(t, h.b.Migrate(h.ctx, h.schema))
	return h
}

func (h *harness) model(t *testing.T, name string) *schema.Model {
	t.Helper()
	m, ok := h.schema.Model(name)
	require.True(t, ok, "fixture model %s", name)
	return m
}

// apply writes a transition for obj. from == "" marks an initializing
// transition.
func (h *harness) apply(t *testing.T, model, typ, from string, obj ir.Object, data ir.Fields) ir.Transition {
	t.Helper()
	m := h.model(t, model)
	tr := ir.Transition{
		ID:        h.ids.Generate(ir.TransitionPrefix),
		ObjectID:  obj.ID,
		Model:     model,
		Type:      typ,
		From:      ir.StringPtr(from),
		To:        obj.State,
		Data:      data,
		AppliedAt: h.clock.Now(),
	}
	seq, err := h.b.ApplyTransition(h.ctx, m, tr, obj)
	require.NoError(t, err)
	tr.Seq = seq
	return tr
}

func (h *harness) createUser(t *testing.T, name string) ir.Object {
	t.Helper()
	obj := ir.Object{
		ID:     h.ids.Generate("user"),
		State:  "Created",
		Fields: ir.Fields{"name": name, "nickname": nil, "age": nil},
	}
	h.apply(t, "User", "Create", "", obj, nil)
	return obj
}

func (h *harness) task(transitionID, consumer string) ir.Task {
	return ir.Task{
		ID:           h.ids.Generate(ir.TaskPrefix),
		TransitionID: transitionID,
		Consumer:     consumer,
		State:        ir.TaskCreated,
	}
}

func (h *harness) insertTasks(t *testing.T, n int) []ir.Task {
	t.Helper()
	user := h.createUser(t, "claims")
	tr, err := h.b.TransitionsForObject(h.ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, tr, 1)

	var tasks []ir.Task
	for i := 0; i < n; i++ {
		task := h.task(tr[0].ID, fmt.Sprintf("Consumer%02d", i))
		inserted, err := h.b.InsertTask(h.ctx, task)
		require.NoError(t, err)
		require.True(t, inserted)
		tasks = append(tasks, task)
	}
	return tasks
}

func taskIDs(tasks []ir.Task) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	sort.Strings(ids)
	return ids
}

func testSetupIsIdempotent(t *testing.T, h *harness) {
	require.NoError(t, h.b.Setup(h.ctx))
	require.NoError(t, h.b.Migrate(h.ctx, h.schema))

	seq, err := h.b.LatestSeq(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func testApplyInitializingInsertsObject(t *testing.T, h *harness) {
	obj := ir.Object{
		ID:     "user_0001",
		State:  "Created",
		Fields: ir.Fields{"name": "Ada", "nickname": "ada", "age": int64(36)},
	}
	tr := h.apply(t, "User", "Create", "", obj, nil)
	assert.Greater(t, tr.Seq, int64(0))

	got, err := h.b.GetByID(h.ctx, h.model(t, "User"), obj.ID)
	require.NoError(t, err)
	assert.Equal(t, obj, got)
}

func testApplyUpdateHidesOtherStateFields(t *testing.T, h *harness) {
	user := ir.Object{
		ID:     "user_0001",
		State:  "Created",
		Fields: ir.Fields{"name": "Ada", "nickname": "ada", "age": int64(36)},
	}
	h.apply(t, "User", "Create", "", user, nil)

	deleted := ir.Object{ID: user.ID, State: "Deleted", Fields: ir.Fields{"name": "Ada"}}
	h.apply(t, "User", "Delete", "Created", deleted, nil)

	got, err := h.b.GetByID(h.ctx, h.model(t, "User"), user.ID)
	require.NoError(t, err)
	assert.Equal(t, deleted, got)
	assert.NotContains(t, got.Fields, "nickname")
}

func testApplyUpdateMissingObject(t *testing.T, h *harness) {
	m := h.model(t, "User")
	tr := ir.Transition{
		ID:        h.ids.Generate(ir.TransitionPrefix),
		ObjectID:  "user_missing",
		Model:     "User",
		Type:      "Delete",
		From:      ir.StringPtr("Created"),
		To:        "Deleted",
		AppliedAt: h.clock.Now(),
	}
	obj := ir.Object{ID: "user_missing", State: "Deleted", Fields: ir.Fields{"name": "x"}}

	_, err := h.b.ApplyTransition(h.ctx, m, tr, obj)
	require.Error(t, err)
	assert.True(t, ir.IsNotFound(err))

	_, err = h.b.GetTransition(h.ctx, tr.ID)
	assert.True(t, ir.IsNotFound(err), "transition must not be appended")
}

func testApplyUpdateStaleState(t *testing.T, h *harness) {
	m := h.model(t, "User")
	user := h.createUser(t, "Ada")

	// The caller read the object in Deleted, but the row is in Created.
	tr := ir.Transition{
		ID:        h.ids.Generate(ir.TransitionPrefix),
		ObjectID:  user.ID,
		Model:     "User",
		Type:      "Delete",
		From:      ir.StringPtr("Deleted"),
		To:        "Deleted",
		AppliedAt: h.clock.Now(),
	}
	_, err := h.b.ApplyTransition(h.ctx, m, tr, ir.Object{ID: user.ID, State: "Deleted", Fields: ir.Fields{"name": "Ada"}})
	require.Error(t, err)
	assert.True(t, ir.IsNotFound(err))

	got, err := h.b.GetByID(h.ctx, m, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Created", got.State)

	trs, err := h.b.TransitionsForObject(h.ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, trs, 1)
}

func testApplyDuplicateTransitionRollsBack(t *testing.T, h *harness) {
	m := h.model(t, "User")
	first := ir.Object{ID: "user_0001", State: "Created", Fields: ir.Fields{"name": "Ada"}}
	tr := h.apply(t, "User", "Create", "", first, nil)

	// Reusing the transition id fails the append; the object insert in the
	// same transaction must roll back with it.
	second := ir.Object{ID: "user_0002", State: "Created", Fields: ir.Fields{"name": "Bob"}}
	dup := tr
	dup.ObjectID = second.ID
	_, err := h.b.ApplyTransition(h.ctx, m, dup, second)
	require.Error(t, err)

	_, err = h.b.GetByID(h.ctx, m, second.ID)
	assert.True(t, ir.IsNotFound(err))
}

func testGetByIDNotFound(t *testing.T, h *harness) {
	_, err := h.b.GetByID(h.ctx, h.model(t, "User"), "user_nope")
	require.Error(t, err)
	assert.True(t, ir.IsNotFound(err))
}

func testFieldTypesRoundTrip(t *testing.T, h *harness) {
	obj := ir.Object{
		ID:    "tt_0001",
		State: "Created",
		Fields: ir.Fields{
			"label":   "hello",
			"count":   int64(42),
			"amount":  12.5,
			"extra":   nil,
			"enabled": true,
		},
	}
	h.apply(t, "TypesTest", "Create", "", obj, nil)

	got, err := h.b.GetByID(h.ctx, h.model(t, "TypesTest"), obj.ID)
	require.NoError(t, err)
	assert.Equal(t, obj, got)
}

func testQueryFilters(t *testing.T, h *harness) {
	m := h.model(t, "User")
	ada := h.createUser(t, "Ada")
	bob := h.createUser(t, "Bob")
	cy := h.createUser(t, "Cy")
	h.apply(t, "User", "Delete", "Created", ir.Object{ID: cy.ID, State: "Deleted", Fields: ir.Fields{"name": "Cy"}}, nil)

	tests := []struct {
		name string
		q    ir.Query
		want []string
	}{
		{"all", ir.Query{}, []string{ada.ID, bob.ID, cy.ID}},
		{"equality", ir.Query{Where: ir.Filter{"name": "Bob"}}, []string{bob.ID}},
		{"in", ir.Query{Where: ir.Filter{"name": []string{"Ada", "Cy"}}}, []string{ada.ID, cy.ID}},
		{"state", ir.Query{Where: ir.Filter{"state": "Created"}}, []string{ada.ID, bob.ID}},
		{"id", ir.Query{Where: ir.Filter{"id": cy.ID}}, []string{cy.ID}},
		{"combined", ir.Query{Where: ir.Filter{"state": "Created", "name": []any{"Bob", "Cy"}}}, []string{bob.ID}},
		{"limit", ir.Query{Limit: 2}, []string{ada.ID, bob.ID}},
		{"empty in", ir.Query{Where: ir.Filter{"name": []string{}}}, []string{}},
		{"no match", ir.Query{Where: ir.Filter{"name": "Zed"}}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.b.Query(h.ctx, m, tt.q)
			require.NoError(t, err)
			require.NotNil(t, got)
			ids := make([]string, len(got))
			for i, o := range got {
				ids[i] = o.ID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func testQueryUnknownField(t *testing.T, h *harness) {
	_, err := h.b.Query(h.ctx, h.model(t, "User"), ir.Query{Where: ir.Filter{"email": "x"}})
	require.Error(t, err)
	assert.True(t, ir.IsValidation(err))
}

func testTransitionRoundTrip(t *testing.T, h *harness) {
	user := h.createUser(t, "Ada")
	note := "renamed by admin"
	trigger := "task_0042"
	m := h.model(t, "User")

	tr := ir.Transition{
		ID:          h.ids.Generate(ir.TransitionPrefix),
		ObjectID:    user.ID,
		Model:       "User",
		Type:        "Rename",
		From:        ir.StringPtr("Created"),
		To:          "Created",
		Data:        ir.Fields{"name": "Ada L.", "attempt": int64(2), "ratio": 0.5, "ok": true},
		Note:        &note,
		TriggeredBy: &trigger,
		AppliedAt:   time.Date(2024, 3, 1, 10, 30, 0, 123456000, time.UTC),
	}
	renamed := ir.Object{ID: user.ID, State: "Created", Fields: ir.Fields{"name": "Ada L.", "nickname": nil, "age": nil}}
	seq, err := h.b.ApplyTransition(h.ctx, m, tr, renamed)
	require.NoError(t, err)
	tr.Seq = seq

	got, err := h.b.GetTransition(h.ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, tr.AppliedAt.Equal(got.AppliedAt), "applied_at %v != %v", tr.AppliedAt, got.AppliedAt)
	got.AppliedAt = tr.AppliedAt
	assert.Equal(t, tr, got)

	initial, err := h.b.TransitionsForObject(h.ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, initial, 2)
	create := initial[1]
	assert.Nil(t, create.From)
	assert.Nil(t, create.Note)
	assert.Nil(t, create.TriggeredBy)
	assert.NotNil(t, create.Data)
	assert.Empty(t, create.Data)
}

func testGetTransitionNotFound(t *testing.T, h *harness) {
	_, err := h.b.GetTransition(h.ctx, "tsn_nope")
	require.Error(t, err)
	assert.True(t, ir.IsNotFound(err))
}

func testTransitionsForObjectNewestFirst(t *testing.T, h *harness) {
	user := h.createUser(t, "Ada")
	h.createUser(t, "Other")
	rename := h.apply(t, "User", "Rename", "Created",
		ir.Object{ID: user.ID, State: "Created", Fields: ir.Fields{"name": "Ada L."}}, ir.Fields{"name": "Ada L."})
	del := h.apply(t, "User", "Delete", "Created",
		ir.Object{ID: user.ID, State: "Deleted", Fields: ir.Fields{"name": "Ada L."}}, nil)

	got, err := h.b.TransitionsForObject(h.ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, del.ID, got[0].ID)
	assert.Equal(t, rename.ID, got[1].ID)
	assert.Equal(t, "Create", got[2].Type)

	none, err := h.b.TransitionsForObject(h.ctx, "user_nope")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func testTransitionsAfter(t *testing.T, h *harness) {
	var created []ir.Transition
	for i := 0; i < 5; i++ {
		user := h.createUser(t, fmt.Sprintf("u%d", i))
		tr, err := h.b.TransitionsForObject(h.ctx, user.ID)
		require.NoError(t, err)
		created = append(created, tr[0])
	}
	for i := 1; i < len(created); i++ {
		assert.Greater(t, created[i].Seq, created[i-1].Seq, "seq must increase")
	}

	latest, err := h.b.LatestSeq(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, created[4].Seq, latest)

	got, err := h.b.TransitionsAfter(h.ctx, created[1].Seq, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, created[2].ID, got[0].ID)
	assert.Equal(t, created[3].ID, got[1].ID)

	rest, err := h.b.TransitionsAfter(h.ctx, created[3].Seq, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, created[4].ID, rest[0].ID)

	none, err := h.b.TransitionsAfter(h.ctx, latest, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testInsertTaskIgnoresDuplicates(t *testing.T, h *harness) {
	user := h.createUser(t, "Ada")
	trs, err := h.b.TransitionsForObject(h.ctx, user.ID)
	require.NoError(t, err)
	tr := trs[0]

	first := h.task(tr.ID, testutil.SendEmailOnUserCreation)
	inserted, err := h.b.InsertTask(h.ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same (transition, consumer) under a fresh id is ignored.
	again := h.task(tr.ID, testutil.SendEmailOnUserCreation)
	inserted, err = h.b.InsertTask(h.ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted)

	other := h.task(tr.ID, testutil.SendEmail)
	inserted, err = h.b.InsertTask(h.ctx, other)
	require.NoError(t, err)
	assert.True(t, inserted)

	tasks, err := h.b.TasksForTransition(h.ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, []ir.Task{other, first}, tasks)
}

func testUpdateAndListTasks(t *testing.T, h *harness) {
	tasks := h.insertTasks(t, 3)

	require.NoError(t, h.b.UpdateTask(h.ctx, tasks[1].ID, ir.TaskCompleted))

	err := h.b.UpdateTask(h.ctx, "task_nope", ir.TaskCompleted)
	assert.True(t, ir.IsNotFound(err))
	err = h.b.UpdateTask(h.ctx, tasks[0].ID, ir.TaskState("running"))
	assert.True(t, ir.IsValidation(err))

	created, err := h.b.ListTasks(h.ctx, ir.TaskCreated, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{tasks[0].ID, tasks[2].ID}, taskIDs(created))

	completed, err := h.b.ListTasks(h.ctx, ir.TaskCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, ir.TaskCompleted, completed[0].State)

	all, err := h.b.ListTasks(h.ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testClaimNothing(t *testing.T, h *harness) {
	called := false
	n, err := h.b.ClaimTasks(h.ctx, 10, func(ctx context.Context, c store.Claim) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, called)
}

func testClaimIsExclusive(t *testing.T, h *harness) {
	tasks := h.insertTasks(t, 6)

	var outer, inner []ir.Task
	n, err := h.b.ClaimTasks(h.ctx, 3, func(ctx context.Context, c store.Claim) error {
		outer = c.Tasks()
		// A second runner claiming while the first batch is held must see
		// only the remaining tasks.
		_, err := h.b.ClaimTasks(ctx, 10, func(ctx context.Context, c store.Claim) error {
			inner = c.Tasks()
			return nil
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, outer, 3)
	require.Len(t, inner, 3)
	assert.Equal(t, taskIDs(tasks[:3]), taskIDs(outer), "claims are taken in id order")
	assert.Equal(t, taskIDs(tasks[3:]), taskIDs(inner))
}

func testClaimCompleteAndRelease(t *testing.T, h *harness) {
	tasks := h.insertTasks(t, 3)

	_, err := h.b.ClaimTasks(h.ctx, 10, func(ctx context.Context, c store.Claim) error {
		return c.Complete(ctx, tasks[0].ID)
	})
	require.NoError(t, err)

	// Uncompleted tasks are claimable again; the completed one is not.
	var again []ir.Task
	n, err := h.b.ClaimTasks(h.ctx, 10, func(ctx context.Context, c store.Claim) error {
		again = c.Tasks()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, taskIDs(tasks[1:]), taskIDs(again))

	completed, err := h.b.ListTasks(h.ctx, ir.TaskCompleted, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{tasks[0].ID}, taskIDs(completed))
}

func testClaimErrorLeavesTasksCreated(t *testing.T, h *harness) {
	tasks := h.insertTasks(t, 2)
	boom := errors.New("boom")

	_, err := h.b.ClaimTasks(h.ctx, 10, func(ctx context.Context, c store.Claim) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	created, err := h.b.ListTasks(h.ctx, ir.TaskCreated, 0)
	require.NoError(t, err)
	assert.Equal(t, taskIDs(tasks), taskIDs(created))
}

func testClaimCompleteForeignTask(t *testing.T, h *harness) {
	tasks := h.insertTasks(t, 2)

	_, err := h.b.ClaimTasks(h.ctx, 1, func(ctx context.Context, c store.Claim) error {
		err := c.Complete(ctx, tasks[1].ID)
		assert.True(t, ir.IsNotFound(err))
		return nil
	})
	require.NoError(t, err)

	created, err := h.b.ListTasks(h.ctx, ir.TaskCreated, 0)
	require.NoError(t, err)
	assert.Len(t, created, 2)
}

func testClaimSkipsDelayedRetries(t *testing.T, h *harness) {
	tasks := h.insertTasks(t, 2)

	_, err := h.b.ClaimTasks(h.ctx, 1, func(ctx context.Context, c store.Claim) error {
		return c.Retry(ctx, tasks[0].ID, time.Hour)
	})
	require.NoError(t, err)

	var claimed []ir.Task
	n, err := h.b.ClaimTasks(h.ctx, 10, func(ctx context.Context, c store.Claim) error {
		claimed = c.Tasks()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, taskIDs(tasks[1:]), taskIDs(claimed))

	created, err := h.b.ListTasks(h.ctx, ir.TaskCreated, 0)
	require.NoError(t, err)
	assert.Len(t, created, 2, "a delayed task stays created")
}

func testClaimRetryCountsAttempts(t *testing.T, h *harness) {
	tasks := h.insertTasks(t, 1)

	for i := 1; i <= 2; i++ {
		var claimed []ir.Task
		_, err := h.b.ClaimTasks(h.ctx, 1, func(ctx context.Context, c store.Claim) error {
			claimed = c.Tasks()
			return c.Retry(ctx, tasks[0].ID, 0)
		})
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, i-1, claimed[0].Attempts)
	}

	listed, err := h.b.ListTasks(h.ctx, ir.TaskCreated, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 2, listed[0].Attempts)
}
