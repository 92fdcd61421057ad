package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/transit/internal/config"
	"github.com/roach88/transit/internal/engine"
	"github.com/roach88/transit/internal/feed"
	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/metrics"
	"github.com/roach88/transit/internal/store"
	"github.com/roach88/transit/internal/store/postgres"
	"github.com/roach88/transit/internal/worker"
)

func newWorkerCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Materialize and run consumer tasks",
		Long: `Run the queue worker: follow newly committed transitions, create a
task for every interested consumer, and run created tasks in batches.

Any number of workers may run against one database. With the replication
feed exactly one of them streams the log at a time; the rest wait for the
leader lock and keep running tasks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd, needBackend|needProject)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			e := engine.New(s.project.Schema(), s.backend,
				engine.WithLogger(s.logger),
				engine.WithMetrics(m),
			)
			f, err := buildFeed(s.cfg, s.backend, s.logger, m)
			if err != nil {
				return WrapExitError(ExitCommandError, "feed", err)
			}

			w := worker.New(f, s.project, e,
				worker.WithLogger(s.logger),
				worker.WithMetrics(m),
				worker.WithBatchSize(s.cfg.Worker.BatchSize),
				worker.WithTaskInterval(s.cfg.Worker.TaskInterval),
				worker.WithMetricsAddr(s.cfg.Worker.MetricsAddr),
				worker.WithRetryBackoff(s.cfg.Worker.RetryMin, s.cfg.Worker.RetryMax),
			)
			if err := w.Run(ctx); err != nil {
				return WrapExitError(ExitFailure, "worker", err)
			}
			return nil
		},
	}
}

// buildFeed picks the change feed for cfg. The poll feed needs a sqlite
// backend; the replication feed needs a postgres backend and reconnects on
// failure.
func buildFeed(cfg config.Config, b store.Backend, logger *slog.Logger, m *metrics.Metrics) (feed.Feed, error) {
	switch cfg.FeedType() {
	case config.FeedPoll:
		if _, ok := b.(*postgres.Backend); ok {
			return nil, ir.Configuration("poll feed requires a sqlite database")
		}
		popts := []feed.PollerOption{
			feed.WithPollInterval(cfg.Worker.PollInterval),
			feed.WithPollLogger(logger),
			feed.WithPollMetrics(m),
		}
		if cfg.Worker.PollFromStart {
			popts = append(popts, feed.WithStart(0))
		}
		return feed.NewPoller(b, popts...), nil

	case config.FeedReplication:
		pg, ok := b.(*postgres.Backend)
		if !ok {
			return nil, ir.Configuration("replication feed requires a postgres database")
		}
		r := feed.NewReplicator(pg.URL(),
			feed.WithReplicationLogger(logger),
			feed.WithReplicationMetrics(m),
		)
		return feed.NewReconnecting(r,
			feed.WithReconnectLogger(logger),
			feed.WithReconnectMetrics(m),
		), nil

	default:
		return nil, ir.Configuration("unknown feed %q", cfg.FeedType())
	}
}
