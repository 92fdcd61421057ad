// Package config loads transit.yaml.
//
// A file holds top-level settings plus optional per-environment overrides:
//
//	database:
//	  type: postgres
//	  connection_string: postgres://app@db:5432/app
//	worker:
//	  batch_size: 20
//	environments:
//	  development:
//	    database:
//	      type: sqlite
//	      file: dev.sqlite
//
// Settings are layered, later layers winning: built-in defaults, built-in
// defaults of the environment, the file's top level, then the file's
// section for the environment. The environment defaults to production;
// development defaults to a local SQLite file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/logging"
)

const (
	DefaultPath        = "transit.yaml"
	DefaultEnvironment = "production"
	Development        = "development"
)

// Backend types.
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// Feed types.
const (
	FeedPoll        = "poll"
	FeedReplication = "replication"
)

type Config struct {
	// Environment is the section applied on top of the file's top level.
	Environment string `yaml:"environment"`

	// Schema is a directory of CUE model definitions, used when the binary
	// was not built with a project.
	Schema string `yaml:"schema"`

	Database Database `yaml:"database"`
	Worker   Worker   `yaml:"worker"`
	Log      Log      `yaml:"log"`
}

type Database struct {
	Type             string `yaml:"type"`
	File             string `yaml:"file"`
	ConnectionString string `yaml:"connection_string"`
	MaxOpenConns     int    `yaml:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns"`
}

type Worker struct {
	// Feed is poll (sqlite only) or replication (postgres only). Empty
	// picks the one the database supports.
	Feed         string        `yaml:"feed"`
	BatchSize    int           `yaml:"batch_size"`
	TaskInterval time.Duration `yaml:"task_interval"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollFromStart makes the poller replay the whole transition log
	// instead of starting at its end.
	PollFromStart bool   `yaml:"poll_from_start"`
	MetricsAddr   string `yaml:"metrics_addr"`
	// RetryMin and RetryMax bound the exponential delay before a failed
	// task runs again.
	RetryMin time.Duration `yaml:"retry_min"`
	RetryMax time.Duration `yaml:"retry_max"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// file is the on-disk shape: a Config plus environment sections.
type file struct {
	Config       `yaml:",inline"`
	Environments map[string]yaml.Node `yaml:"environments"`
}

// Default returns the built-in settings for env.
func Default(env string) Config {
	if env == "" {
		env = DefaultEnvironment
	}
	cfg := Config{
		Environment: env,
		Database: Database{
			Type:             Postgres,
			ConnectionString: "postgres://postgres:@localhost:5432/postgres",
			MaxOpenConns:     10,
			MaxIdleConns:     5,
		},
		Worker: Worker{
			BatchSize:    10,
			TaskInterval: time.Second,
			PollInterval: 500 * time.Millisecond,
			RetryMin:     time.Second,
			RetryMax:     5 * time.Minute,
		},
		Log: Log{Level: "info", Format: "text"},
	}
	if env == Development {
		cfg.Database.Type = SQLite
		cfg.Database.File = "transit.sqlite"
		cfg.Log.Level = "debug"
	}
	return cfg
}

// Load reads path and layers it over the defaults. A missing file yields
// the defaults. env overrides the file's environment key when non-empty.
func Load(path, env string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := Default(env)
		return cfg, cfg.Validate()
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, env)
}

// Parse layers YAML data over the defaults. Unknown keys are errors.
func Parse(data []byte, env string) (Config, error) {
	var head struct {
		Environment string `yaml:"environment"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return Config{}, ir.Configuration("parse config: %v", err)
	}
	if env == "" {
		env = head.Environment
	}

	f := file{Config: Default(env)}
	if err := decodeStrict(data, &f); err != nil {
		return Config{}, ir.Configuration("parse config: %v", err)
	}
	if env == "" {
		env = DefaultEnvironment
	}

	if section, ok := f.Environments[env]; ok {
		raw, err := yaml.Marshal(&section)
		if err != nil {
			return Config{}, ir.Configuration("environment %s: %v", env, err)
		}
		if err := decodeStrict(raw, &f.Config); err != nil {
			return Config{}, ir.Configuration("environment %s: %v", env, err)
		}
	}

	cfg := f.Config
	cfg.Environment = env
	return cfg, cfg.Validate()
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// FeedType returns the configured feed, resolving the default.
func (c Config) FeedType() string {
	if c.Worker.Feed != "" {
		return c.Worker.Feed
	}
	if c.Database.Type == Postgres {
		return FeedReplication
	}
	return FeedPoll
}

// Validate reports the first invalid setting as a configuration error.
func (c Config) Validate() error {
	switch c.Database.Type {
	case SQLite:
		if c.Database.File == "" {
			return ir.Configuration("database.file is required for sqlite")
		}
	case Postgres:
		if c.Database.ConnectionString == "" {
			return ir.Configuration("database.connection_string is required for postgres")
		}
	default:
		return ir.Configuration("unknown database type %q", c.Database.Type)
	}

	switch c.FeedType() {
	case FeedPoll:
		// Postgres assigns seq at insert, not commit, so a watermark poller
		// can pass a seq whose transaction has not committed yet.
		if c.Database.Type == Postgres {
			return ir.Configuration("poll feed requires a sqlite database; use the replication feed with postgres")
		}
	case FeedReplication:
		if c.Database.Type != Postgres {
			return ir.Configuration("replication feed requires a postgres database")
		}
	default:
		return ir.Configuration("unknown worker.feed %q", c.Worker.Feed)
	}

	if c.Worker.BatchSize <= 0 {
		return ir.Configuration("worker.batch_size must be positive")
	}
	if c.Worker.TaskInterval <= 0 {
		return ir.Configuration("worker.task_interval must be positive")
	}
	if c.Worker.PollInterval <= 0 {
		return ir.Configuration("worker.poll_interval must be positive")
	}
	if c.Worker.RetryMin < 0 {
		return ir.Configuration("worker.retry_min must be >= 0")
	}
	if c.Worker.RetryMax < c.Worker.RetryMin {
		return ir.Configuration("worker.retry_max must be >= worker.retry_min")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return ir.Configuration("log.level: %v", err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return ir.Configuration("unknown log.format %q", c.Log.Format)
	}
	return nil
}
