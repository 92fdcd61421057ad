package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/transit/internal/metrics"
)

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// Reconnecting restarts a feed whenever it fails, waiting between attempts
// with exponential backoff. The backoff resets after a run that lasted
// longer than the maximum backoff.
type Reconnecting struct {
	feed    Feed
	min     time.Duration
	max     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	after   func(time.Duration) <-chan time.Time
}

var _ Feed = (*Reconnecting)(nil)

type ReconnectOption func(*Reconnecting)

func WithBackoff(min, max time.Duration) ReconnectOption {
	return func(r *Reconnecting) {
		r.min = min
		r.max = max
	}
}

func WithReconnectLogger(l *slog.Logger) ReconnectOption {
	return func(r *Reconnecting) { r.logger = l }
}

func WithReconnectMetrics(m *metrics.Metrics) ReconnectOption {
	return func(r *Reconnecting) { r.metrics = m }
}

// NewReconnecting wraps f.
func NewReconnecting(f Feed, opts ...ReconnectOption) *Reconnecting {
	r := &Reconnecting{
		feed:   f,
		min:    DefaultMinBackoff,
		max:    DefaultMaxBackoff,
		logger: slog.Default(),
		after:  time.After,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.max < r.min {
		r.max = r.min
	}
	return r
}

func (r *Reconnecting) Name() string { return r.feed.Name() }

// Run returns only when ctx is done.
func (r *Reconnecting) Run(ctx context.Context, sink Sink) error {
	backoff := r.min
	for {
		started := time.Now()
		err := r.feed.Run(ctx, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(started) > r.max {
			backoff = r.min
		}
		r.metrics.FeedError(r.Name())
		r.logger.Warn("feed stopped, reconnecting",
			"feed", r.Name(),
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.after(backoff):
		}
		backoff = min(backoff*2, r.max)
	}
}
