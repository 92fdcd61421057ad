package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/transit/internal/loop"
	"github.com/roach88/transit/internal/metrics"
	"github.com/roach88/transit/internal/store"
)

const (
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultPollBatchSize = 100
)

// Poller reads transitions with a sequence number above its watermark.
//
// The watermark starts at the log's latest sequence number when the poller
// first runs, so only transitions committed afterwards are delivered.
// WithStart overrides that.
//
// The backend must commit transitions in seq order, as SQLite's single
// writer does. Postgres assigns seq at insert time, so a later seq can
// commit first and the watermark would pass the earlier one for good; use
// the Replicator there.
type Poller struct {
	backend  store.Backend
	interval time.Duration
	batch    int
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	start     *int64
	watermark int64
	ready     bool
}

var _ Feed = (*Poller)(nil)

type PollerOption func(*Poller)

func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

func WithPollBatchSize(n int) PollerOption {
	return func(p *Poller) { p.batch = n }
}

// WithStart makes the poller deliver every transition with seq > after.
// Zero replays the whole log.
func WithStart(after int64) PollerOption {
	return func(p *Poller) { p.start = &after }
}

func WithPollLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

func WithPollMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// NewPoller returns a poller over b.
func NewPoller(b store.Backend, opts ...PollerOption) *Poller {
	p := &Poller{
		backend:  b,
		interval: DefaultPollInterval,
		batch:    DefaultPollBatchSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) Name() string { return "poll" }

// Run polls on the configured interval until ctx is done.
func (p *Poller) Run(ctx context.Context, sink Sink) error {
	l := loop.New("feed.poll", p.interval, func(ctx context.Context) (bool, error) {
		return p.Poll(ctx, sink)
	}, loop.WithLogger(p.logger))
	return l.Run(ctx)
}

// Poll delivers one batch, oldest first, advancing the watermark past every
// transition the sink accepted. more reports a full batch.
func (p *Poller) Poll(ctx context.Context, sink Sink) (more bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.ready {
		if err := p.init(ctx); err != nil {
			return false, err
		}
	}

	batch, err := p.backend.TransitionsAfter(ctx, p.watermark, p.batch)
	if err != nil {
		return false, fmt.Errorf("poll transitions after %d: %w", p.watermark, err)
	}

	for _, t := range batch {
		if err := deliver(ctx, p.Name(), sink, t, p.logger, p.metrics); err != nil {
			return false, fmt.Errorf("deliver transition %s (seq %d): %w", t.ID, t.Seq, err)
		}
		p.watermark = t.Seq
		p.metrics.FeedDelivered(p.Name(), uint64(t.Seq))
	}
	return p.batch > 0 && len(batch) == p.batch, nil
}

func (p *Poller) init(ctx context.Context) error {
	if p.start != nil {
		p.watermark = *p.start
	} else {
		seq, err := p.backend.LatestSeq(ctx)
		if err != nil {
			return fmt.Errorf("poll: latest seq: %w", err)
		}
		p.watermark = seq
	}
	p.ready = true
	p.logger.Debug("poller started", "watermark", p.watermark)
	return nil
}

// Watermark returns the seq of the newest delivered transition.
func (p *Poller) Watermark() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}
