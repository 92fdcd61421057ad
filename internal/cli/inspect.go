package cli

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/transit/internal/ir"
)

func newTasksCommand(opts *RootOptions) *cobra.Command {
	var state string
	var limit int

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Long: `List tasks ordered by id.

Examples:
  transit tasks
  transit tasks --state created --limit 20
  transit tasks --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseTaskState(state)
			if err != nil {
				return err
			}
			s, err := opts.open(cmd, needBackend)
			if err != nil {
				return err
			}
			defer s.Close()

			tasks, err := s.backend.ListTasks(cmd.Context(), st, limit)
			if err != nil {
				return WrapExitError(ExitFailure, "list tasks", err)
			}
			if s.out.json() {
				return s.out.writeJSON(tasks)
			}
			rows := make([]table.Row, 0, len(tasks))
			for _, t := range tasks {
				rows = append(rows, table.Row{t.ID, t.TransitionID, t.Consumer, t.State})
			}
			s.out.table(table.Row{"ID", "Transition", "Consumer", "State"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only tasks in this state (created|completed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of tasks (0 for all)")
	return cmd
}

func newTransitionsCommand(opts *RootOptions) *cobra.Command {
	var after int64
	var limit int

	cmd := &cobra.Command{
		Use:   "transitions [object-id]",
		Short: "Show the transition log",
		Long: `Show transitions. With an object id, show that object's history,
newest first. Otherwise show the log in commit order.

Examples:
  transit transitions user_0190c7a1d3e47b2c8f7e5a6b4c3d2e1f
  transit transitions --after 1200 --limit 100`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd, needBackend)
			if err != nil {
				return err
			}
			defer s.Close()

			var ts []ir.Transition
			if len(args) == 1 {
				ts, err = s.backend.TransitionsForObject(cmd.Context(), args[0])
			} else {
				ts, err = s.backend.TransitionsAfter(cmd.Context(), after, limit)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "list transitions", err)
			}
			if s.out.json() {
				return s.out.writeJSON(ts)
			}

			rows := make([]table.Row, 0, len(ts))
			for _, t := range ts {
				rows = append(rows, table.Row{
					t.Seq, t.ID, t.ObjectID, t.Model + "." + t.Type,
					deref(t.From), t.To, deref(t.TriggeredBy),
					t.AppliedAt.Format(time.RFC3339Nano),
				})
			}
			s.out.table(table.Row{"Seq", "ID", "Object", "Transition", "From", "To", "Triggered By", "Applied At"}, rows)
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only transitions with a greater seq")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of transitions (0 for all)")
	return cmd
}
