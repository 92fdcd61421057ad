package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/transit/internal/config"
	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/logging"
	"github.com/roach88/transit/internal/project"
	"github.com/roach88/transit/internal/schema"
	"github.com/roach88/transit/internal/store"
	"github.com/roach88/transit/internal/store/postgres"
	"github.com/roach88/transit/internal/store/sqlite"
)

// session is what a command works with: resolved config, a logger, and
// optionally the project and an open backend.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	project *project.Project
	backend store.Backend
	out     printer
}

func (s *session) Close() {
	if s.backend != nil {
		_ = s.backend.Close()
	}
}

type need int

const (
	needBackend need = 1 << iota
	needProject
)

func (o *RootOptions) open(cmd *cobra.Command, n need) (*session, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewWriter(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "logger", err)
	}

	s := &session{
		cfg:    cfg,
		logger: logger,
		out:    printer{format: o.format(), w: cmd.OutOrStdout()},
	}
	if n&needProject != 0 {
		p, err := o.project(cfg)
		if err != nil {
			return nil, err
		}
		s.project = p
	}
	if n&needBackend != 0 {
		b, err := openBackend(cmd.Context(), cfg)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "open database", err)
		}
		s.backend = b
		logger.Debug("database open", "type", cfg.Database.Type, "environment", cfg.Environment)
	}
	return s, nil
}

// config loads the config file and applies flag and environment overrides.
func (o *RootOptions) config() (config.Config, error) {
	cfg, err := config.Load(o.v.GetString("config"), o.v.GetString("env"))
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "load config", err)
	}

	if t := o.v.GetString("database-type"); t != "" {
		cfg.Database.Type = t
	}
	if db := o.v.GetString("database"); db != "" {
		if cfg.Database.Type == config.SQLite {
			cfg.Database.File = db
		} else {
			cfg.Database.ConnectionString = db
		}
	}
	if o.v.GetBool("verbose") {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// project returns the embedded project, or one built from the configured
// CUE schema directory.
func (o *RootOptions) project(cfg config.Config) (*project.Project, error) {
	p := o.Project
	if p == nil {
		if cfg.Schema == "" {
			return nil, WrapExitError(ExitCommandError, "load schema",
				ir.Configuration("no project compiled in and no schema directory configured"))
		}
		s, err := schema.LoadDir(cfg.Schema)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "load schema", err)
		}
		p = project.New(s)
	}
	if err := p.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid project", err)
	}
	return p, nil
}

// openBackend opens the configured storage backend.
func openBackend(ctx context.Context, cfg config.Config) (store.Backend, error) {
	switch cfg.Database.Type {
	case config.SQLite:
		b, err := sqlite.Open(cfg.Database.File)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.Postgres:
		pcfg := postgres.DefaultConfig(cfg.Database.ConnectionString)
		if cfg.Database.MaxOpenConns > 0 {
			pcfg.MaxOpenConns = cfg.Database.MaxOpenConns
		}
		if cfg.Database.MaxIdleConns > 0 {
			pcfg.MaxIdleConns = cfg.Database.MaxIdleConns
		}
		b, err := postgres.Open(ctx, pcfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, ir.Configuration("unknown database type %q", cfg.Database.Type)
	}
}

func parseTaskState(s string) (ir.TaskState, error) {
	if s == "" {
		return "", nil
	}
	st := ir.TaskState(s)
	if !st.Valid() {
		return "", &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid task state %q", s)}
	}
	return st, nil
}
