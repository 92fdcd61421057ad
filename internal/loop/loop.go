// Package loop runs a unit of work periodically until stopped.
//
// A Loop calls its Func once at start, then on every tick of its interval
// and whenever Wake is called. When the Func reports more work, it is
// called again immediately instead of waiting for the next tick. Errors are
// logged and the loop keeps going: the next iteration retries.
//
// Tick runs a single iteration synchronously, so tests can drive a loop
// step by step without timers.
package loop

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Func does one iteration of work. more reports that a full batch was
// processed and another iteration should follow immediately.
type Func func(ctx context.Context) (more bool, err error)

// Loop is a cancellable ticker around a Func.
//
// Thread-safety: Wake, Stop and Tick may be called from any goroutine.
// Run must be called at most once.
type Loop struct {
	name     string
	interval time.Duration
	fn       Func
	logger   *slog.Logger

	// wake is buffered with size 1 so repeated wakes coalesce.
	wake chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
}

type Option func(*Loop)

func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// New returns a loop that calls fn every interval.
func New(name string, interval time.Duration, fn Func, opts ...Option) *Loop {
	l := &Loop{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the loop's name.
func (l *Loop) Name() string {
	return l.name
}

// Run blocks until ctx is done or Stop is called. It returns nil when
// stopped and ctx.Err() when ctx ends first.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		close(l.done)
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	defer close(l.done)
	defer cancel()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.drain(runCtx)

		select {
		case <-runCtx.Done():
			if l.isStopped() {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		case <-l.wake:
		}
	}
}

// drain runs iterations until one reports no more work.
func (l *Loop) drain(ctx context.Context) {
	for ctx.Err() == nil {
		more, err := l.Tick(ctx)
		if err != nil || !more {
			return
		}
	}
}

// Tick runs one iteration and logs its error, if any.
func (l *Loop) Tick(ctx context.Context) (bool, error) {
	more, err := l.fn(ctx)
	if err != nil && ctx.Err() == nil {
		l.logger.Error("loop iteration failed", "loop", l.name, "error", err)
	}
	return more, err
}

// Wake requests an iteration without waiting for the next tick.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop ends Run and waits for the iteration in progress to finish. Calling
// Stop before Run makes Run return immediately.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	cancel := l.cancel
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-l.done
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}
