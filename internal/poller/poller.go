// Package poller implements the scheduled-set poller: a single long-lived
// task that promotes jobs from time-ordered sets (retry, scheduled) to
// their live queues once due.
package poller

import (
	"context"
	"math/rand"
	"time"

	"github.com/joblet/joblet/internal/logger"
)

// Store is the subset of queue.Client the poller depends on.
type Store interface {
	RetrySetKey() string
	ScheduledSetKey() string
	PromotePending(ctx context.Context, setKey string, now time.Time, batchSize int64) (int64, error)
	ActiveProcessCount(ctx context.Context) (int64, error)
}

// Options configures a Poller.
type Options struct {
	// AverageInterval is the fleet-wide target: the poller divides it by
	// the active process count to size its own tick interval.
	AverageInterval time.Duration
	BatchSize       int64
}

// Poller promotes due entries from the retry and scheduled sets on a
// jittered interval that adapts to fleet size.
type Poller struct {
	store Store
	opts  Options
	log   logger.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Poller. AverageInterval defaults to 15s; BatchSize to 1000.
func New(store Store, opts Options, log logger.Logger) *Poller {
	if opts.AverageInterval <= 0 {
		opts.AverageInterval = 15 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	return &Poller{store: store, opts: opts, log: log, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Start runs the poll loop until Stop is called or ctx is done.
func (p *Poller) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop signals the poll loop to exit and blocks until it has.
func (p *Poller) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.doneCh
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)

	for {
		interval := p.nextInterval(ctx)
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-time.After(interval):
		}

		p.tick(ctx)
	}
}

// nextInterval computes average_interval/process_count with uniform
// jitter, falling back to the fixed average when the registry is
// unavailable.
func (p *Poller) nextInterval(ctx context.Context) time.Duration {
	base := p.opts.AverageInterval

	count, err := p.store.ActiveProcessCount(ctx)
	if err == nil && count > 0 {
		base = time.Duration(int64(p.opts.AverageInterval) / count)
	} else if err != nil {
		p.log.Warn("poller: process registry unavailable, using fixed interval", "error", err)
	}
	if base <= 0 {
		base = p.opts.AverageInterval
	}

	jitter := time.Duration(rand.Int63n(int64(base)))
	return base/2 + jitter/2
}

// tick promotes every due entry from both the retry and scheduled sets.
func (p *Poller) tick(ctx context.Context) {
	now := time.Now()
	for _, key := range []string{p.store.RetrySetKey(), p.store.ScheduledSetKey()} {
		moved, err := p.store.PromotePending(ctx, key, now, p.opts.BatchSize)
		if err != nil {
			p.log.Error("poller: promote failed", "set", key, "error", err)
			continue
		}
		if moved > 0 {
			p.log.Debug("poller: promoted due entries", "set", key, "count", moved)
		}
	}
}
