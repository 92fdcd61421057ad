package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSetupCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the transitions and tasks tables",
		Long: `Create the control tables transit needs: the transition log and the
task queue. Safe to run repeatedly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd, needBackend)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.backend.Setup(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "setup", err)
			}
			s.logger.Info("control tables ready")
			if s.out.json() {
				return s.out.writeJSON(map[string]string{"setup": "ok"})
			}
			fmt.Fprintln(s.out.w, "Control tables ready.")
			return nil
		},
	}
}

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create a table for every model",
		Long: `Create one table per model of the project's schema. Existing tables
are left unchanged: columns are never altered or dropped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd, needBackend|needProject)
			if err != nil {
				return err
			}
			defer s.Close()

			sch := s.project.Schema()
			if err := s.backend.Migrate(cmd.Context(), sch); err != nil {
				return WrapExitError(ExitFailure, "migrate", err)
			}

			tables := make([]string, 0, len(sch.Models()))
			for _, m := range sch.Models() {
				tables = append(tables, m.Table())
			}
			s.logger.Info("model tables ready", "tables", tables)
			if s.out.json() {
				return s.out.writeJSON(map[string][]string{"tables": tables})
			}
			for _, t := range tables {
				fmt.Fprintln(s.out.w, t)
			}
			return nil
		},
	}
}
