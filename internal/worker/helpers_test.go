package worker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/transit/internal/engine"
	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/logging"
	"github.com/roach88/transit/internal/project"
	"github.com/roach88/transit/internal/store/sqlite"
	"github.com/roach88/transit/internal/testutil"
)

// userView is the typed view of a User object handlers decode into.
type userView struct {
	ID       string  `transit:"id"`
	State    string  `transit:"state"`
	Name     string  `transit:"name"`
	Nickname *string `transit:"nickname"`
}

// sendWelcome creates a welcome email for a new user unless one exists.
func sendWelcome(ctx context.Context, c *project.Client, obj ir.Object, t ir.Transition) error {
	var u userView
	if err := obj.Decode(&u); err != nil {
		return err
	}
	existing, err := c.FindOne(ctx, "Email", ir.Filter{"userId": u.ID})
	if err != nil || existing != nil {
		return err
	}
	_, _, err = c.Apply(ctx, "Email", "Create", project.Call{
		Data: ir.Fields{"userId": u.ID, "subject": "Welcome " + u.Name},
	})
	return err
}

// sendEmail moves a created email to Sent.
func sendEmail(ctx context.Context, c *project.Client, email ir.Object, t ir.Transition) error {
	if email.State == "Sent" {
		return nil
	}
	_, _, err := c.Apply(ctx, "Email", "Send", project.Call{ObjectID: email.ID})
	return err
}

func createUser(ctx context.Context, c *project.Client, prior *ir.Object, t ir.Transition) (ir.Object, error) {
	return ir.Object{State: "Created", Fields: ir.Fields{"name": "Ada"}}, nil
}

func fixtureProject() *project.Project {
	return project.New(testutil.Schema()).
		Define("User", "Create", createUser).
		Consume(project.Consumer{
			Name:        testutil.SendEmailOnUserCreation,
			Model:       "User",
			Transitions: []string{"Create"},
			Handler:     sendWelcome,
		}).
		Consume(project.Consumer{
			Name:        testutil.SendEmail,
			Model:       "Email",
			Transitions: []string{"Create"},
			Handler:     sendEmail,
		})
}

type env struct {
	ctx     context.Context
	db      *sqlite.Backend
	project *project.Project
	engine  *engine.Engine
	client  *project.Client
	ids     *ir.SequenceGenerator
}

func newEnv(t *testing.T, p *project.Project) *env {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Setup(ctx))
	require.NoError(t, db.Migrate(ctx, p.Schema()))
	require.NoError(t, p.Validate())

	ids := ir.NewSequenceGenerator()
	clock := testutil.NewClock()
	e := engine.New(p.Schema(), db,
		engine.WithIDs(ids),
		engine.WithClock(clock.Now),
		engine.WithLogger(logging.NewNop()),
	)
	return &env{ctx: ctx, db: db, project: p, engine: e, client: project.NewClient(e, p), ids: ids}
}

func (e *env) opts(extra ...Option) []Option {
	return append([]Option{WithIDs(e.ids), WithLogger(logging.NewNop())}, extra...)
}

func (e *env) createUser(t *testing.T) (ir.Transition, ir.Object) {
	t.Helper()
	tr, obj, err := e.client.Apply(e.ctx, "User", "Create", project.Call{})
	require.NoError(t, err)
	return tr, obj
}

func (e *env) tasks(t *testing.T, transitionID string) []ir.Task {
	t.Helper()
	tasks, err := e.db.TasksForTransition(e.ctx, transitionID)
	require.NoError(t, err)
	return tasks
}

// flaky fails its first n calls.
type flaky struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flaky) handle(ctx context.Context, c *project.Client, obj ir.Object, t ir.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errHandler
	}
	return nil
}
