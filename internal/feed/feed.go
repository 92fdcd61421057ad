// Package feed detects newly committed transitions and hands them to a
// Sink, usually the task materializer.
//
// Two detectors share one contract. Poller reads the transitions table by
// sequence number and suits any backend. Replicator follows the PostgreSQL
// write-ahead log through a logical replication slot, holding an advisory
// lock so exactly one worker in a deployment streams at a time.
//
// Delivery is at-least-once: after a restart or reconnect a transition may
// reach the sink again. Sinks must tolerate repeats.
package feed

import (
	"context"
	"log/slog"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/metrics"
)

// Sink receives committed transitions in commit order.
//
// A routing error is logged and the transition skipped. Any other error
// stops delivery; the transition is offered again later.
type Sink func(ctx context.Context, t ir.Transition) error

// Feed delivers committed transitions to a sink until ctx is done or the
// feed fails.
type Feed interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// deliver passes t to sink. A nil result means the feed may move past t.
func deliver(ctx context.Context, feed string, sink Sink, t ir.Transition, logger *slog.Logger, m *metrics.Metrics) error {
	err := sink(ctx, t)
	if err == nil {
		return nil
	}
	m.FeedError(feed)
	if ir.IsRouting(err) {
		logger.Warn("skipping unroutable transition",
			"feed", feed,
			"transition", t.ID,
			"model", t.Model,
			"type", t.Type,
			"error", err,
		)
		return nil
	}
	return err
}
