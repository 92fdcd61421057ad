package worker

import (
	"log/slog"
	"time"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/metrics"
)

const (
	DefaultBatchSize    = 10
	DefaultTaskInterval = time.Second

	// A failed task waits DefaultRetryMin before its first retry, doubling
	// per attempt up to DefaultRetryMax.
	DefaultRetryMin = time.Second
	DefaultRetryMax = 5 * time.Minute
)

type options struct {
	ids          ir.IDGenerator
	logger       *slog.Logger
	metrics      *metrics.Metrics
	batchSize    int
	taskInterval time.Duration
	metricsAddr  string
	retryMin     time.Duration
	retryMax     time.Duration
	now          func() time.Time
}

// Option configures the types in this package. Each type reads only the
// options that apply to it.
type Option func(*options)

func WithIDs(g ir.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBatchSize bounds the number of tasks claimed at once.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithTaskInterval sets how long the runner loop idles after a partial
// batch.
func WithTaskInterval(d time.Duration) Option {
	return func(o *options) { o.taskInterval = d }
}

// WithRetryBackoff sets the delay before a failed task is retried: min
// after the first failure, doubling per attempt, never more than max.
func WithRetryBackoff(min, max time.Duration) Option {
	return func(o *options) {
		o.retryMin = min
		o.retryMax = max
	}
}

// WithMetricsAddr makes Worker serve /metrics and /healthz on addr.
func WithMetricsAddr(addr string) Option {
	return func(o *options) { o.metricsAddr = addr }
}

// WithClock replaces time.Now for task durations.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func newOptions(opts []Option) options {
	o := options{
		ids:          ir.UUIDv7Generator{},
		logger:       slog.Default(),
		batchSize:    DefaultBatchSize,
		taskInterval: DefaultTaskInterval,
		retryMin:     DefaultRetryMin,
		retryMax:     DefaultRetryMax,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchSize <= 0 {
		o.batchSize = DefaultBatchSize
	}
	if o.retryMax < o.retryMin {
		o.retryMax = o.retryMin
	}
	return o
}
