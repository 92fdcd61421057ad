// Package cli implements the transit command line.
//
// Applications embed it with their own project:
//
//	func main() {
//		cmd := cli.NewRootCommand(myproject.New())
//		if err := cmd.Execute(); err != nil { ... }
//	}
//
// The stock binary passes no project and loads models from the CUE
// directory named by the config file's schema key; it has no consumers.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/transit/internal/config"
	"github.com/roach88/transit/internal/project"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global settings for all commands. Flags are bound to
// TRANSIT_* environment variables, so TRANSIT_ENV=development selects the
// development section and TRANSIT_DATABASE overrides the database.
type RootOptions struct {
	Project *project.Project
	v       *viper.Viper
}

func (o *RootOptions) format() string { return o.v.GetString("format") }

// NewRootCommand creates the root command. p may be nil.
func NewRootCommand(p *project.Project) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TRANSIT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	opts := &RootOptions{Project: p, v: v}

	cmd := &cobra.Command{
		Use:   "transit",
		Short: "transit - transactional state machines with a durable task queue",
		Long: `transit applies state transitions to persisted objects and runs
consumers for every committed transition, at least once.

Run 'transit setup' and 'transit migrate' once per database, then one or
more 'transit worker' processes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.format()) {
				return &ExitError{
					Code:    ExitCommandError,
					Message: fmt.Sprintf("invalid format %q: must be one of %v", opts.format(), ValidFormats),
				}
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", config.DefaultPath, "config file")
	flags.String("env", "", "config environment (default: the file's environment key, else production)")
	flags.String("format", "text", "output format (json|text)")
	flags.BoolP("verbose", "v", false, "debug logging")
	flags.String("database-type", "", "override database.type (sqlite|postgres)")
	flags.String("database", "", "override the database file or connection string")
	for _, name := range []string{"config", "env", "format", "verbose", "database-type", "database"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	cmd.AddCommand(newSetupCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newWorkerCommand(opts))
	cmd.AddCommand(newTasksCommand(opts))
	cmd.AddCommand(newTransitionsCommand(opts))
	cmd.AddCommand(newSchemaCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
