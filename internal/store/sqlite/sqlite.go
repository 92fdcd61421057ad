// Package sqlite is the poll-friendly storage backend. It keeps everything
// in one SQLite file and serializes writes through a single connection.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - transitions and tasks with claim leases
// 2 - task attempts and retry delay
const currentSchemaVersion = 2

// upgrades[v] moves a version v database to v+1.
var upgrades = map[int][]string{
	1: {
		"ALTER TABLE tasks ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE tasks ADD COLUMN run_after INTEGER",
	},
}

// DefaultLease is how long a claimed task stays invisible to other
// runners if its claimer dies before releasing it.
const DefaultLease = 5 * time.Minute

// Backend stores transit data in SQLite.
type Backend struct {
	*store.Base
	lease time.Duration
	now   func() time.Time
}

var _ store.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLease sets the claim lease duration.
func WithLease(d time.Duration) Option {
	return func(b *Backend) { b.lease = d }
}

// WithClock replaces time.Now for lease bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// Open creates or opens a SQLite database at the given path. ":memory:"
// gives a private in-memory database.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention between processes
//
// Tables are not created until Setup is called.
func Open(path string, opts ...Option) (*Backend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: SQLite has a single writer, and an in-memory
	// database exists only on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	b := &Backend{
		Base:  store.NewBase(db, store.SQLite),
		lease: DefaultLease,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Setup creates the transitions and tasks tables. Idempotent.
func (b *Backend) Setup(ctx context.Context) error {
	var version int
	if err := b.DB().QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return ir.Configuration("database schema version %d is newer than supported version %d",
			version, currentSchemaVersion)
	}

	for v := version; v > 0 && v < currentSchemaVersion; v++ {
		if err := b.ExecAll(ctx, upgrades[v]...); err != nil {
			return fmt.Errorf("upgrade schema from version %d: %w", v, err)
		}
	}
	if _, err := b.DB().ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := b.DB().ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// ClaimTasks leases up to limit created tasks with one atomic UPDATE, so
// concurrent runners (in this or another process) never receive the same
// task. Leases of tasks fn did not complete are dropped when fn returns.
func (b *Backend) ClaimTasks(ctx context.Context, limit int, fn store.ClaimFunc) (int, error) {
	now := b.now()
	rows, err := b.DB().QueryContext(ctx, `
		UPDATE tasks SET lease_until = ?
		WHERE id IN (
			SELECT id FROM tasks
			WHERE state = ?
			  AND (lease_until IS NULL OR lease_until < ?)
			  AND (run_after IS NULL OR run_after <= ?)
			ORDER BY id
			LIMIT ?
		)
		RETURNING id, transition_id, consumer, state, attempts`,
		now.Add(b.lease).UnixMilli(), string(ir.TaskCreated), now.UnixMilli(), now.UnixMilli(), limit)
	if err != nil {
		return 0, fmt.Errorf("claim tasks: %w", err)
	}
	tasks, err := store.ScanTasks(rows)
	rows.Close()
	if err != nil {
		return 0, fmt.Errorf("claim tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	// RETURNING order is unspecified.
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	c := &claim{db: b.DB(), now: b.now, tasks: tasks, done: make(map[string]bool)}
	fnErr := fn(ctx, c)

	// Release with a fresh context: the caller's may already be cancelled.
	if err := c.release(context.WithoutCancel(ctx)); err != nil && fnErr == nil {
		fnErr = err
	}
	return len(tasks), fnErr
}

type claim struct {
	db    *sql.DB
	now   func() time.Time
	tasks []ir.Task

	mu   sync.Mutex
	done map[string]bool
}

func (c *claim) Tasks() []ir.Task {
	return c.tasks
}

func (c *claim) Complete(ctx context.Context, taskID string) error {
	if !c.holds(taskID) {
		return ir.NotFound("task %s is not part of this claim", taskID)
	}
	_, err := c.db.ExecContext(ctx,
		"UPDATE tasks SET state = ?, lease_until = NULL WHERE id = ?",
		string(ir.TaskCompleted), taskID)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}

	c.mu.Lock()
	c.done[taskID] = true
	c.mu.Unlock()
	return nil
}

func (c *claim) Retry(ctx context.Context, taskID string, delay time.Duration) error {
	if !c.holds(taskID) {
		return ir.NotFound("task %s is not part of this claim", taskID)
	}
	_, err := c.db.ExecContext(ctx,
		"UPDATE tasks SET attempts = attempts + 1, run_after = ?, lease_until = NULL WHERE id = ?",
		c.now().Add(delay).UnixMilli(), taskID)
	if err != nil {
		return fmt.Errorf("retry task %s: %w", taskID, err)
	}

	c.mu.Lock()
	c.done[taskID] = true
	c.mu.Unlock()
	return nil
}

func (c *claim) holds(taskID string) bool {
	for _, t := range c.tasks {
		if t.ID == taskID {
			return true
		}
	}
	return false
}

func (c *claim) release(ctx context.Context) error {
	c.mu.Lock()
	var pending []any
	for _, t := range c.tasks {
		if !c.done[t.ID] {
			pending = append(pending, t.ID)
		}
	}
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(pending)), ", ")
	_, err := c.db.ExecContext(ctx,
		"UPDATE tasks SET lease_until = NULL WHERE id IN ("+marks+")", pending...)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}
