package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/querysql"
	"github.com/roach88/transit/internal/schema"
)

const transitionColumns = `seq, id, model, type, "from", "to", object_id, data, note, triggered_by, applied_at`

// GetByID returns the object with the given id.
func (b *Base) GetByID(ctx context.Context, m *schema.Model, id string) (ir.Object, error) {
	objs, err := b.Query(ctx, m, ir.Query{Where: ir.Filter{"id": id}, Limit: 1})
	if err != nil {
		return ir.Object{}, err
	}
	if len(objs) == 0 {
		return ir.Object{}, ir.NotFound("no %s with id %s", m.Name, id)
	}
	return objs[0], nil
}

// Query returns the objects matching q. Filter keys are field names, "id"
// or "state"; slice values become IN filters.
//
// Returns an empty slice (not nil) when nothing matches.
func (b *Base) Query(ctx context.Context, m *schema.Model, q ir.Query) ([]ir.Object, error) {
	where, err := columnFilter(m, q.Where)
	if err != nil {
		return nil, err
	}

	cols := []string{"id", "state"}
	for _, c := range m.Columns() {
		cols = append(cols, c.Name)
	}
	query, params, err := querysql.NewSQLCompiler(b.dialect.Bind).Compile(querysql.Select{
		Table:   m.Table(),
		Columns: cols,
		Where:   querysql.FromMap(where),
		Limit:   q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", m.Name, err)
	}

	rows, err := b.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", m.Name, err)
	}
	defer rows.Close()

	objs := []ir.Object{}
	for rows.Next() {
		var id, state string
		raw := make([]any, len(cols)-2)
		dest := []any{&id, &state}
		for i := range raw {
			dest = append(dest, &raw[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", m.Name, err)
		}

		values := make(map[string]any, len(raw))
		for i, v := range raw {
			values[cols[i+2]] = v
		}
		obj, err := decodeObject(m, id, state, values)
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", m.Name, err)
	}
	return objs, nil
}

// columnFilter maps filter keys to column names.
func columnFilter(m *schema.Model, f ir.Filter) (map[string]any, error) {
	out := make(map[string]any, len(f))
	for key, v := range f {
		switch key {
		case "id", "state":
			out[key] = v
		default:
			col, ok := m.Column(key)
			if !ok {
				return nil, ir.Validation(key, "not a field of %s", m.Name)
			}
			out[col.Name] = v
		}
	}
	return out, nil
}

// GetTransition returns the transition with the given id.
func (b *Base) GetTransition(ctx context.Context, id string) (ir.Transition, error) {
	query := fmt.Sprintf("SELECT %s FROM transitions WHERE id = %s", transitionColumns, b.dialect.P(1))
	t, err := scanTransition(b.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Transition{}, ir.NotFound("no transition with id %s", id)
	}
	if err != nil {
		return ir.Transition{}, fmt.Errorf("get transition: %w", err)
	}
	return t, nil
}

// TransitionsForObject returns the object's transitions, newest first.
func (b *Base) TransitionsForObject(ctx context.Context, objectID string) ([]ir.Transition, error) {
	query := fmt.Sprintf("SELECT %s FROM transitions WHERE object_id = %s ORDER BY seq DESC",
		transitionColumns, b.dialect.P(1))
	return b.queryTransitions(ctx, query, objectID)
}

// TransitionsAfter returns transitions with seq > after in seq order.
func (b *Base) TransitionsAfter(ctx context.Context, after int64, limit int) ([]ir.Transition, error) {
	query := fmt.Sprintf("SELECT %s FROM transitions WHERE seq > %s ORDER BY seq ASC",
		transitionColumns, b.dialect.P(1))
	args := []any{after}
	if limit > 0 {
		query += " LIMIT " + b.dialect.P(2)
		args = append(args, limit)
	}
	return b.queryTransitions(ctx, query, args...)
}

// LatestSeq returns the highest seq in the log, 0 when empty.
func (b *Base) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := b.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM transitions").Scan(&seq); err != nil {
		return 0, fmt.Errorf("latest seq: %w", err)
	}
	return seq, nil
}

func (b *Base) queryTransitions(ctx context.Context, query string, args ...any) ([]ir.Transition, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []ir.Transition{}
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransition(row scanner) (ir.Transition, error) {
	var (
		t                       ir.Transition
		from, note, triggeredBy sql.NullString
		data                    []byte
		appliedAt               any
	)
	err := row.Scan(&t.Seq, &t.ID, &t.Model, &t.Type, &from, &t.To, &t.ObjectID,
		&data, &note, &triggeredBy, &appliedAt)
	if err != nil {
		return ir.Transition{}, err
	}

	t.From = nullString(from)
	t.Note = nullString(note)
	t.TriggeredBy = nullString(triggeredBy)
	if t.Data, err = DecodeData(data); err != nil {
		return ir.Transition{}, fmt.Errorf("transition %s: %w", t.ID, err)
	}
	if t.AppliedAt, err = asTime(appliedAt); err != nil {
		return ir.Transition{}, fmt.Errorf("transition %s: %w", t.ID, err)
	}
	return t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// TasksForTransition returns the tasks created for a transition, ordered
// by consumer name.
func (b *Base) TasksForTransition(ctx context.Context, transitionID string) ([]ir.Task, error) {
	query := fmt.Sprintf(
		"SELECT id, transition_id, consumer, state, attempts FROM tasks WHERE transition_id = %s ORDER BY consumer ASC",
		b.dialect.P(1))
	return b.queryTasks(ctx, query, transitionID)
}

// ListTasks returns up to limit tasks in the given state, ordered by id.
// An empty state lists tasks in any state.
func (b *Base) ListTasks(ctx context.Context, state ir.TaskState, limit int) ([]ir.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if state != "" {
		args = append(args, string(state))
		clauses = append(clauses, "WHERE state = "+b.dialect.P(len(args)))
	}
	clauses = append(clauses, "ORDER BY id ASC")
	if limit > 0 {
		args = append(args, limit)
		clauses = append(clauses, "LIMIT "+b.dialect.P(len(args)))
	}
	query := "SELECT id, transition_id, consumer, state, attempts FROM tasks " + strings.Join(clauses, " ")
	return b.queryTasks(ctx, query, args...)
}

func (b *Base) queryTasks(ctx context.Context, query string, args ...any) ([]ir.Task, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return ScanTasks(rows)
}

// ScanTasks reads (id, transition_id, consumer, state, attempts) rows. Returns an
// empty slice (not nil) when there are none.
func ScanTasks(rows *sql.Rows) ([]ir.Task, error) {
	tasks := []ir.Task{}
	for rows.Next() {
		var (
			task  ir.Task
			state string
		)
		if err := rows.Scan(&task.ID, &task.TransitionID, &task.Consumer, &state, &task.Attempts); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.State = ir.TaskState(state)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}
