// Package postgres is the replication-friendly storage backend. Committed
// transitions are picked up from the WAL by the feed package's replicator.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/store"
)

// Config holds connection settings.
type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns pool defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return ir.Configuration("postgres connection string is required")
	}
	if c.PingTimeout <= 0 {
		return ir.Configuration("postgres ping timeout must be positive")
	}
	// Claiming holds one connection for the batch while handlers need
	// another to apply transitions.
	if c.MaxOpenConns < 2 {
		return ir.Configuration("postgres max open conns must be >= 2")
	}
	if c.MaxIdleConns < 0 {
		return ir.Configuration("postgres max idle conns must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return ir.Configuration("postgres max idle conns must be <= max open conns")
	}
	if c.ConnMaxLifetime < 0 {
		return ir.Configuration("postgres conn max lifetime must be >= 0")
	}
	if c.ConnMaxIdleTime < 0 {
		return ir.Configuration("postgres conn max idle time must be >= 0")
	}
	return nil
}

// Backend stores transit data in PostgreSQL.
type Backend struct {
	*store.Base
	url string
	now func() time.Time
}

var _ store.Backend = (*Backend)(nil)

// Open connects and pings the database.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Backend{Base: store.NewBase(db, store.Postgres), url: cfg.URL, now: time.Now}, nil
}

// URL returns the connection string, used to open replication sessions.
func (b *Backend) URL() string {
	return b.url
}

var setupStatements = []string{
	`CREATE TABLE IF NOT EXISTS transitions (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		model TEXT NOT NULL,
		type TEXT NOT NULL,
		"from" TEXT,
		"to" TEXT NOT NULL,
		object_id TEXT NOT NULL,
		data JSONB,
		note TEXT,
		triggered_by TEXT,
		applied_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transitions_object ON transitions(object_id, seq)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		transition_id TEXT NOT NULL,
		consumer TEXT NOT NULL,
		state TEXT NOT NULL
	)`,
	// run_after is unix millis, as in the sqlite backend.
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS attempts INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS run_after BIGINT`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_transition_consumer ON tasks(transition_id, consumer)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, id)`,
}

// Setup creates the transitions and tasks tables. Idempotent.
func (b *Backend) Setup(ctx context.Context) error {
	if err := b.ExecAll(ctx, setupStatements...); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	return nil
}

// ClaimTasks locks up to limit created tasks with SELECT ... FOR UPDATE
// SKIP LOCKED. The row locks live as long as the transaction, which
// commits when fn returns; concurrent claimers skip locked rows instead of
// waiting for them.
//
// Completions and retries are written inside that transaction, each under
// its own savepoint, so one failed write does not undo the others. If the
// commit itself fails, every completion of the batch is lost and those
// tasks run again.
func (b *Backend) ClaimTasks(ctx context.Context, limit int, fn store.ClaimFunc) (int, error) {
	tx, err := b.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("claim tasks: begin: %w", err)
	}
	defer tx.Rollback()

	now := b.now().UnixMilli()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, transition_id, consumer, state, attempts FROM tasks
		WHERE state = $1 AND (run_after IS NULL OR run_after <= $2)
		ORDER BY id
		LIMIT $3
		FOR UPDATE SKIP LOCKED`, string(ir.TaskCreated), now, limit)
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

	fnErr := fn(ctx, &claim{tx: tx, now: b.now, tasks: tasks})
	if err := tx.Commit(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return len(tasks), errors.Join(fnErr, fmt.Errorf("claim tasks: commit: %w", err))
	}
	return len(tasks), fnErr
}

type claim struct {
	mu    sync.Mutex
	tx    *sql.Tx
	now   func() time.Time
	tasks []ir.Task
}

func (c *claim) Tasks() []ir.Task {
	return c.tasks
}

func (c *claim) Complete(ctx context.Context, taskID string) error {
	if !c.holds(taskID) {
		return ir.NotFound("task %s is not part of this claim", taskID)
	}
	err := c.exec(ctx, "UPDATE tasks SET state = $1 WHERE id = $2", string(ir.TaskCompleted), taskID)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	return nil
}

func (c *claim) Retry(ctx context.Context, taskID string, delay time.Duration) error {
	if !c.holds(taskID) {
		return ir.NotFound("task %s is not part of this claim", taskID)
	}
	err := c.exec(ctx, "UPDATE tasks SET attempts = attempts + 1, run_after = $1 WHERE id = $2",
		c.now().Add(delay).UnixMilli(), taskID)
	if err != nil {
		return fmt.Errorf("retry task %s: %w", taskID, err)
	}
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

// exec runs one statement under a savepoint, rolling back to it on error
// so the claim transaction stays usable.
func (c *claim) exec(ctx context.Context, query string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.tx.ExecContext(ctx, "SAVEPOINT claim_write"); err != nil {
		return err
	}
	if _, err := c.tx.ExecContext(ctx, query, args...); err != nil {
		_, _ = c.tx.ExecContext(context.WithoutCancel(ctx), "ROLLBACK TO SAVEPOINT claim_write")
		return err
	}
	_, err := c.tx.ExecContext(ctx, "RELEASE SAVEPOINT claim_write")
	return err
}
