package project

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/transit/internal/engine"
	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/logging"
	"github.com/roach88/transit/internal/store/sqlite"
	"github.com/roach88/transit/internal/testutil"
)

func noop(ctx context.Context, c *Client, obj ir.Object, t ir.Transition) error { return nil }

func createUser(name string) TransitionFunc {
	return func(ctx context.Context, c *Client, prior *ir.Object, t ir.Transition) (ir.Object, error) {
		return ir.Object{State: "Created", Fields: ir.Fields{"name": name}}, nil
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		build   func(p *Project)
		wantErr string
	}{
		{
			name: "valid",
			build: func(p *Project) {
				p.Define("User", "Create", createUser("Ada"))
				p.Consume(Consumer{Name: "A", Model: "User", Transitions: []string{"Create", "Delete"}, Handler: noop})
			},
		},
		{
			name:    "unknown model in define",
			build:   func(p *Project) { p.Define("Nope", "Create", createUser("x")) },
			wantErr: "Nope.Create",
		},
		{
			name:    "nil transition func",
			build:   func(p *Project) { p.Define("User", "Create", nil) },
			wantErr: "is nil",
		},
		{
			name:    "unnamed consumer",
			build:   func(p *Project) { p.Consume(Consumer{Model: "User", Transitions: []string{"Create"}, Handler: noop}) },
			wantErr: "has no name",
		},
		{
			name: "duplicate consumer",
			build: func(p *Project) {
				c := Consumer{Name: "A", Model: "User", Transitions: []string{"Create"}, Handler: noop}
				p.Consume(c).Consume(c)
			},
			wantErr: "duplicate consumer A",
		},
		{
			name:    "missing handler",
			build:   func(p *Project) { p.Consume(Consumer{Name: "A", Model: "User", Transitions: []string{"Create"}}) },
			wantErr: "no handler",
		},
		{
			name:    "no transitions",
			build:   func(p *Project) { p.Consume(Consumer{Name: "A", Model: "User", Handler: noop}) },
			wantErr: "not interested",
		},
		{
			name:    "unknown transition",
			build:   func(p *Project) { p.Consume(Consumer{Name: "A", Model: "User", Transitions: []string{"Fly"}, Handler: noop}) },
			wantErr: "consumer A",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(testutil.Schema())
			tt.build(p)
			err := p.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, ir.IsConfiguration(err), "got %v", err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_NoSchema(t *testing.T) {
	err := New(nil).Validate()
	assert.True(t, ir.IsConfiguration(err))
}

func TestConsumerLookup(t *testing.T) {
	p := New(testutil.Schema()).
		Consume(Consumer{Name: "first", Model: "User", Transitions: []string{"Create"}, Handler: noop}).
		Consume(Consumer{Name: "second", Model: "User", Transitions: []string{"Create", "Delete"}, Handler: noop}).
		Consume(Consumer{Name: "mail", Model: "Email", Transitions: []string{"Create"}, Handler: noop})
	require.NoError(t, p.Validate())

	c, err := p.Consumer("second")
	require.NoError(t, err)
	assert.Equal(t, []string{"Create", "Delete"}, c.Transitions)

	_, err = p.Consumer("missing")
	assert.True(t, ir.IsNotFound(err))

	names := func(cs []Consumer) []string {
		out := []string{}
		for _, c := range cs {
			out = append(out, c.Name)
		}
		return out
	}
	assert.Equal(t, []string{"first", "second"}, names(p.ConsumersFor("User", "Create")))
	assert.Equal(t, []string{"second"}, names(p.ConsumersFor("User", "Delete")))
	assert.Equal(t, []string{"mail"}, names(p.ConsumersFor("Email", "Create")))
	assert.Empty(t, p.ConsumersFor("Email", "Send"))
}

type clientEnv struct {
	ctx    context.Context
	client *Client
}

func newClientEnv(t *testing.T, p *Project) *clientEnv {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Setup(ctx))
	require.NoError(t, db.Migrate(ctx, p.Schema()))
	require.NoError(t, p.Validate())

	clock := testutil.NewClock()
	e := engine.New(p.Schema(), db,
		engine.WithIDs(ir.NewSequenceGenerator()),
		engine.WithClock(clock.Now),
		engine.WithLogger(logging.NewNop()),
	)
	return &clientEnv{ctx: ctx, client: NewClient(e, p)}
}

func TestClient_ApplyUsesDefinedFunction(t *testing.T) {
	p := New(testutil.Schema()).Define("User", "Create", createUser("Ada"))
	env := newClientEnv(t, p)

	tr, obj, err := env.client.Apply(env.ctx, "User", "Create", Call{Note: "signup"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", obj.Get("name"))
	require.NotNil(t, tr.Note)
	assert.Equal(t, "signup", *tr.Note)
	assert.Nil(t, tr.TriggeredBy)

	got, err := env.client.Get(env.ctx, "User", obj.ID)
	require.NoError(t, err)
	assert.Equal(t, obj, got)
}

func TestClient_ApplyWithoutFunctionMerges(t *testing.T) {
	p := New(testutil.Schema())
	env := newClientEnv(t, p)

	_, obj, err := env.client.Apply(env.ctx, "Email", "Create", Call{
		Data: ir.Fields{"userId": "user_1", "subject": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Created", obj.State)
	assert.Equal(t, "hi", obj.Get("subject"))
}

func TestClient_WithTriggeredBy(t *testing.T) {
	p := New(testutil.Schema()).Define("User", "Create", createUser("Ada"))
	env := newClientEnv(t, p)

	scoped := env.client.WithTriggeredBy("task_0042")
	assert.Equal(t, ir.NoCause, env.client.Cause(), "parent client is unchanged")
	assert.Equal(t, ir.CausedBy("task_0042"), scoped.Cause())

	tr, _, err := scoped.Apply(env.ctx, "User", "Create", Call{})
	require.NoError(t, err)
	require.NotNil(t, tr.TriggeredBy)
	assert.Equal(t, "task_0042", *tr.TriggeredBy)
}

func TestClient_NestedTransitionsAreAttributedToOuter(t *testing.T) {
	var inner ir.Transition
	p := New(testutil.Schema()).
		Define("User", "Create", func(ctx context.Context, c *Client, prior *ir.Object, t ir.Transition) (ir.Object, error) {
			tr, _, err := c.Apply(ctx, "Email", "Create", Call{Data: ir.Fields{"userId": t.ObjectID, "subject": "welcome"}})
			if err != nil {
				return ir.Object{}, err
			}
			inner = tr
			return ir.Object{State: "Created", Fields: ir.Fields{"name": "Ada"}}, nil
		})
	env := newClientEnv(t, p)

	outer, user, err := env.client.Apply(env.ctx, "User", "Create", Call{})
	require.NoError(t, err)

	require.NotNil(t, inner.TriggeredBy)
	assert.Equal(t, outer.ID, *inner.TriggeredBy)
	assert.Less(t, inner.Seq, outer.Seq, "inner commits first")

	email, err := env.client.RequireOne(env.ctx, "Email", ir.Filter{"userId": user.ID})
	require.NoError(t, err)
	assert.Equal(t, "welcome", email.Get("subject"))
}

func TestClient_NestedErrorAbortsOuter(t *testing.T) {
	boom := errors.New("boom")
	p := New(testutil.Schema()).
		Define("User", "Create", func(ctx context.Context, c *Client, prior *ir.Object, t ir.Transition) (ir.Object, error) {
			return ir.Object{}, boom
		})
	env := newClientEnv(t, p)

	_, _, err := env.client.Apply(env.ctx, "User", "Create", Call{})
	require.ErrorIs(t, err, boom)

	all, err := env.client.FindAll(env.ctx, "User", ir.Query{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestClient_Reads(t *testing.T) {
	p := New(testutil.Schema())
	env := newClientEnv(t, p)

	for _, subject := range []string{"a", "b", "c"} {
		_, _, err := env.client.Apply(env.ctx, "Email", "Create", Call{
			Data: ir.Fields{"userId": "user_1", "subject": subject},
		})
		require.NoError(t, err)
	}

	all, err := env.client.FindAll(env.ctx, "Email", ir.Query{Where: ir.Filter{"userId": "user_1"}, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := env.client.FindOne(env.ctx, "Email", ir.Filter{"subject": "b"})
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, "b", one.Get("subject"))

	none, err := env.client.FindOne(env.ctx, "Email", ir.Filter{"subject": "z"})
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = env.client.RequireOne(env.ctx, "Email", ir.Filter{"subject": "z"})
	assert.True(t, ir.IsNotFound(err))

	_, err = env.client.FindAll(env.ctx, "Nope", ir.Query{})
	assert.True(t, ir.IsNotFound(err))

	_, err = env.client.Get(env.ctx, "Email", "email_missing")
	assert.True(t, ir.IsNotFound(err))

	sent, _, err := env.client.Apply(env.ctx, "Email", "Send", Call{ObjectID: one.ID})
	require.NoError(t, err)

	history, err := env.client.History(env.ctx, one.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, sent.ID, history[0].ID)
	assert.Equal(t, "Create", history[1].Type)

	got, err := env.client.Transition(env.ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sent", got.To)

	tasks, err := env.client.Tasks(env.ctx, sent.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
