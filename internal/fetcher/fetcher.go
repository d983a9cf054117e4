// Package fetcher implements the blocking pull side of the pipeline: it
// takes work units off configured queues, tracks them on a per-process
// in-flight list, and requeues them on shutdown or crash recovery.
package fetcher

import (
	"context"
	"math/rand"
	"time"

	"github.com/joblet/joblet/internal/logger"
	"github.com/joblet/joblet/internal/queue"
)

// Unit is a work unit handed to a processor: the raw payload plus the
// live queue it was fetched from, needed later to ack or requeue it.
type Unit struct {
	Queue   string
	Payload []byte
}

// Store is the subset of queue.Client the fetcher depends on.
type Store interface {
	Fetch(ctx context.Context, queue, identity string, timeout time.Duration) ([]byte, error)
	Ack(ctx context.Context, queue, identity string, payload []byte) error
	RequeueInFlight(ctx context.Context, queue, identity string) (int64, error)
	InFlightIdentitiesForQueue(ctx context.Context, queue string) ([]string, error)
	ActiveProcesses(ctx context.Context) ([]string, error)
}

// Options configures a Fetcher.
type Options struct {
	Queues   []string
	Strict   bool
	Timeout  time.Duration
	Identity string
}

// Fetcher blocks on a configured set of queues on behalf of one processor.
type Fetcher struct {
	store    Store
	queues   []string
	strict   bool
	timeout  time.Duration
	identity string
	log      logger.Logger

	stopped chan struct{}
	closed  bool
}

// New constructs a Fetcher. Timeout defaults to 2s; queues default to
// ["default"] when empty.
func New(store Store, opts Options, log logger.Logger) *Fetcher {
	queues := opts.Queues
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	return &Fetcher{
		store:    store,
		queues:   queues,
		strict:   opts.Strict,
		timeout:  timeout,
		identity: opts.Identity,
		log:      log,
		stopped:  make(chan struct{}),
	}
}

// Stop causes all subsequent Fetch calls to return (nil, nil)
// immediately without ever blocking on the datastore again.
func (f *Fetcher) Stop() {
	if f.closed {
		return
	}
	f.closed = true
	close(f.stopped)
}

// Fetch probes the configured queues in order (strict) or in a shuffled
// order (weighted-random), blocking up to the fetcher's timeout on the
// first queue that yields a unit. Returns (nil, nil) when nothing is
// available before the timeout, after shutdown, or after the parent
// context is done.
func (f *Fetcher) Fetch(ctx context.Context) (*Unit, error) {
	select {
	case <-f.stopped:
		return nil, nil
	default:
	}

	order := f.queueOrder()
	perQueue := f.timeout
	if n := len(order); n > 1 {
		perQueue = f.timeout / time.Duration(n)
		if perQueue <= 0 {
			perQueue = time.Millisecond
		}
	}

	for _, q := range order {
		select {
		case <-f.stopped:
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		default:
		}

		payload, err := f.store.Fetch(ctx, q, f.identity, perQueue)
		if err != nil {
			f.log.Warn("fetcher: datastore error during fetch, backing off", "queue", q, "error", err)
			time.Sleep(time.Second)
			return nil, err
		}
		if payload != nil {
			return &Unit{Queue: q, Payload: payload}, nil
		}
	}

	return nil, nil
}

// queueOrder returns the probe order for one fetch call: unchanged under
// the strict policy, shuffled under weighted-random.
func (f *Fetcher) queueOrder() []string {
	if f.strict {
		return f.queues
	}
	shuffled := make([]string, len(f.queues))
	copy(shuffled, f.queues)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled
}

// Ack removes exactly one matching payload from the in-flight list.
func (f *Fetcher) Ack(ctx context.Context, u *Unit) error {
	return f.store.Ack(ctx, u.Queue, f.identity, u.Payload)
}

// RequeueOnShutdown moves every in-flight item for this identity back to
// the tail of its source queue, atomically, across every configured queue.
func (f *Fetcher) RequeueOnShutdown(ctx context.Context) (int64, error) {
	var total int64
	for _, q := range f.queues {
		moved, err := f.store.RequeueInFlight(ctx, q, f.identity)
		if err != nil {
			return total, err
		}
		total += moved
	}
	return total, nil
}

// BulkRequeue scans every configured queue for in-flight lists whose
// owning identity is no longer present in the active-process registry,
// and drains each one back to its source queue. Used during crash
// recovery by a surviving or newly started process.
func BulkRequeue(ctx context.Context, store Store, queues []string) (int64, error) {
	active, err := store.ActiveProcesses(ctx)
	if err != nil {
		return 0, err
	}
	alive := make(map[string]struct{}, len(active))
	for _, id := range active {
		alive[id] = struct{}{}
	}

	var total int64
	for _, q := range queues {
		identities, err := store.InFlightIdentitiesForQueue(ctx, q)
		if err != nil {
			return total, err
		}
		for _, id := range identities {
			if _, ok := alive[id]; ok {
				continue
			}
			moved, err := store.RequeueInFlight(ctx, q, id)
			if err != nil {
				return total, err
			}
			total += moved
		}
	}
	return total, nil
}
