package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/schema"
)

// Migrate creates one table per model. Existing tables are left untouched.
func (b *Base) Migrate(ctx context.Context, s *schema.Schema) error {
	for _, m := range s.Models() {
		if err := b.ExecAll(ctx, b.dialect.CreateModelTable(m)); err != nil {
			return fmt.Errorf("migrate %s: %w", m.Name, err)
		}
	}
	return nil
}

// ApplyTransition writes the object row and appends the transition in one
// transaction.
func (b *Base) ApplyTransition(ctx context.Context, m *schema.Model, t ir.Transition, obj ir.Object) (int64, error) {
	data, err := marshalData(t.Data)
	if err != nil {
		return 0, fmt.Errorf("apply transition: %w", err)
	}

	var seq int64
	err = b.InTx(ctx, func(tx *sql.Tx) error {
		if t.Initializing() {
			if err := b.insertObject(ctx, tx, m, obj); err != nil {
				return err
			}
		} else if err := b.updateObject(ctx, tx, m, obj, *t.From); err != nil {
			return err
		}

		d := b.dialect
		query := fmt.Sprintf(`
			INSERT INTO transitions
			(id, model, type, "from", "to", object_id, data, note, triggered_by, applied_at)
			VALUES (%s)
			RETURNING seq`, d.Placeholders(1, 10))
		row := tx.QueryRowContext(ctx, query,
			t.ID, t.Model, t.Type, t.From, t.To, t.ObjectID, data, t.Note, t.TriggeredBy, t.AppliedAt.UTC())
		if err := row.Scan(&seq); err != nil {
			return fmt.Errorf("append transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("apply transition %s: %w", t.ID, err)
	}
	return seq, nil
}

func (b *Base) insertObject(ctx context.Context, tx *sql.Tx, m *schema.Model, obj ir.Object) error {
	cols, values := objectRow(m, obj)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		m.Table(), strings.Join(cols, ", "), b.dialect.Placeholders(1, len(cols)))
	if _, err := tx.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("insert %s: %w", m.Name, err)
	}
	return nil
}

// updateObject rewrites the row only while it is still in state from, so
// a concurrent transition on the same object cannot be silently overwritten.
func (b *Base) updateObject(ctx context.Context, tx *sql.Tx, m *schema.Model, obj ir.Object, from string) error {
	cols, values := objectRow(m, obj)

	// cols[0] is id, which moves to the WHERE clause.
	sets := make([]string, 0, len(cols)-1)
	for i, col := range cols[1:] {
		sets = append(sets, fmt.Sprintf("%s = %s", col, b.dialect.P(i+1)))
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s AND state = %s",
		m.Table(), strings.Join(sets, ", "), b.dialect.P(len(cols)), b.dialect.P(len(cols)+1))
	args := make([]any, 0, len(values)+1)
	args = append(args, values[1:]...)
	args = append(args, values[0], from)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", m.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", m.Name, err)
	}
	if n == 0 {
		return ir.NotFound("no %s with id %s in state %s", m.Name, obj.ID, from)
	}
	return nil
}

// InsertTask inserts a created task. Uses ON CONFLICT DO NOTHING against
// UNIQUE(transition_id, consumer), so materializing the same transition
// twice is a no-op. Reports whether a row was inserted.
func (b *Base) InsertTask(ctx context.Context, task ir.Task) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO tasks (id, transition_id, consumer, state)
		VALUES (%s)
		ON CONFLICT DO NOTHING`, b.dialect.Placeholders(1, 4))
	res, err := b.db.ExecContext(ctx, query, task.ID, task.TransitionID, task.Consumer, string(task.State))
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	return n > 0, nil
}

// UpdateTask sets a task's state.
func (b *Base) UpdateTask(ctx context.Context, id string, state ir.TaskState) error {
	if !state.Valid() {
		return ir.Validation("state", "unknown task state %q", state)
	}
	query := fmt.Sprintf("UPDATE tasks SET state = %s WHERE id = %s", b.dialect.P(1), b.dialect.P(2))
	res, err := b.db.ExecContext(ctx, query, string(state), id)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n == 0 {
		return ir.NotFound("no task with id %s", id)
	}
	return nil
}
