package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Base implements the dialect-independent parts of Backend over
// database/sql. Backends embed it and add Setup and ClaimTasks.
type Base struct {
	db      *sql.DB
	dialect Dialect
}

// NewBase wraps an open database handle.
func NewBase(db *sql.DB, d Dialect) *Base {
	return &Base{db: db, dialect: d}
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer Backend methods when available.
func (b *Base) DB() *sql.DB {
	return b.db
}

// Dialect returns the backend's SQL dialect.
func (b *Base) Dialect() Dialect {
	return b.dialect
}

// Close closes the database connection.
func (b *Base) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// ExecAll executes statements in order, stopping at the first failure.
func (b *Base) ExecAll(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// InTx runs fn inside a transaction, committing when fn returns nil.
func (b *Base) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
