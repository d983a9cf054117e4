// Package processor implements one worker's fetch-run-ack loop: it pulls
// a work unit from its fetcher, parses the envelope, runs it through the
// global/local retry entries wrapping the middleware chain and the
// registered handler, then acks or lets the retry engine's decision
// stand.
package processor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joblet/joblet/internal/errors"
	"github.com/joblet/joblet/internal/fetcher"
	"github.com/joblet/joblet/internal/job"
	"github.com/joblet/joblet/internal/logger"
	"github.com/joblet/joblet/internal/metrics"
	"github.com/joblet/joblet/internal/middleware"
	"github.com/joblet/joblet/internal/registry"
	"github.com/joblet/joblet/internal/retry"
)

// State is a processor's lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
	StateDied
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDied:
		return "died"
	default:
		return "unknown"
	}
}

// Reloader wraps a job execution in an application-provided scope that may
// reinitialize state (e.g. a fresh DB connection per job). Identity is the
// default when no scope is configured.
type Reloader func(ctx context.Context, fn func(ctx context.Context) error) error

// Identity is the no-op reloader.
func Identity(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// ErrorHandler reports an exception encountered outside the normal
// retry/death accounting (parse failures, unknown handlers).
type ErrorHandler func(ctx context.Context, payload []byte, cause error)

// Manager is the subset of manager.Manager a processor notifies about its
// own lifecycle, exactly once per run.
type Manager interface {
	ProcessorStopped(p *Processor)
	ProcessorDied(p *Processor, cause error)
}

// Options configures a Processor.
type Options struct {
	Fetcher        *fetcher.Fetcher
	Chain          *middleware.Chain
	Registry       *registry.Registry
	RetryEngine    *retry.Engine
	Reloader       Reloader
	ErrorHandlers  []ErrorHandler
	IdleBackoff    time.Duration
	DatastoreRetry time.Duration
}

// Processor owns one worker goroutine running the fetch-run-ack loop.
type Processor struct {
	id      string
	opts    Options
	log     logger.Logger
	manager Manager

	state   atomic.Int32
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped sync.Once
	cancel  context.CancelFunc
}

// New constructs a Processor in the created state.
func New(id string, opts Options, mgr Manager, log logger.Logger) *Processor {
	if opts.Reloader == nil {
		opts.Reloader = Identity
	}
	if opts.IdleBackoff <= 0 {
		opts.IdleBackoff = 10 * time.Millisecond
	}
	if opts.DatastoreRetry <= 0 {
		opts.DatastoreRetry = time.Second
	}
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	return &Processor{
		id:      id,
		opts:    opts,
		log:     log,
		manager: mgr,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// State reports the processor's current lifecycle state.
func (p *Processor) State() State { return State(p.state.Load()) }

// Start spawns the worker goroutine and transitions to running. The
// goroutine runs against a child of ctx whose cancellation Kill owns
// directly, independent of whatever the caller does with ctx itself.
func (p *Processor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.state.Store(int32(StateRunning))
	go p.run(runCtx)
}

// Terminate sets the stopping flag so the loop exits at its next boundary
// (after the in-flight job, if any, finishes on its own); if wait is true
// it blocks until the loop has exited.
func (p *Processor) Terminate(wait bool) {
	p.stopped.Do(func() {
		p.state.Store(int32(StateStopping))
		close(p.stopCh)
	})
	if wait {
		<-p.doneCh
	}
}

// Kill hard-cancels the context driving the loop and any job currently
// executing in it, in addition to Terminate's stop signal. A handler that
// honors ctx unblocks immediately instead of running to completion; if
// wait is true this blocks until the loop has exited or ctx is done.
func (p *Processor) Kill(ctx context.Context, wait bool) {
	p.Terminate(false)
	if p.cancel != nil {
		p.cancel()
	}
	if wait {
		select {
		case <-p.doneCh:
		case <-ctx.Done():
		}
	}
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.doneCh)
	defer p.cancel()

	var notifiedDeath error
	defer func() {
		// recover must be called directly here, not through a helper, or it
		// will not stop the panic.
		if r := recover(); r != nil {
			panicErr := &errors.PanicError{Value: r, Stacktrace: string(debug.Stack())}
			p.log.Error("processor: recovered panic", "processor", p.id, "detail", errors.FormatPanicForLog(panicErr))
			notifiedDeath = panicErr
		}
		p.finish(notifiedDeath)
	}()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if State(p.state.Load()) == StateStopping {
			return
		}

		unit, err := p.opts.Fetcher.Fetch(ctx)
		if err != nil {
			time.Sleep(p.opts.DatastoreRetry)
			continue
		}
		if unit == nil {
			select {
			case <-p.stopCh:
				return
			case <-time.After(p.opts.IdleBackoff):
			}
			continue
		}

		p.handle(ctx, unit)
	}
}

func (p *Processor) handle(ctx context.Context, unit *fetcher.Unit) {
	envelope, err := job.LoadEnvelope(unit.Payload)
	if err != nil {
		p.reportError(ctx, unit.Payload, fmt.Errorf("parse envelope: %w", err))
		p.ackOrLog(ctx, unit)
		return
	}

	start := time.Now()
	metrics.Default().RecordJobStarted(envelope.Priority)

	execErr := p.opts.RetryEngine.Global(ctx, envelope, unit.Queue, func(ctx context.Context) error {
		return p.opts.Reloader(ctx, func(ctx context.Context) error {
			workerCtx := context.WithValue(ctx, ctxKeyProcessorID, p.id)
			workerCtx = context.WithValue(workerCtx, ctxKeyJobID, envelope.JID)
			return p.opts.RetryEngine.Local(workerCtx, envelope, unit.Queue, func(ctx context.Context) error {
				err := p.opts.Chain.Invoke(ctx, envelope, unit.Queue, func(ctx context.Context, e *job.Envelope) error {
					return p.opts.Registry.Perform(ctx, e)
				})
				// A handler that honors ctx and returns early because this
				// processor's run context was canceled (Kill, or the
				// ambient context the host cancels on shutdown) was
				// interrupted, not genuinely failed: translate so the
				// retry engine leaves the unit in-flight for requeue
				// instead of recording a failed attempt.
				if err != nil && ctx.Err() != nil {
					return fmt.Errorf("%w: %v", retry.ErrShutdown, err)
				}
				return err
			})
		})
	})

	duration := time.Since(start)

	switch {
	case execErr == nil:
		metrics.Default().RecordJobCompleted(envelope.Priority, duration)
		p.ackOrLog(ctx, unit)
	case retry.IsShutdown(execErr):
		// Leave in-flight: the fetcher's RequeueOnShutdown will recover it.
	case retry.IsProcessed(execErr):
		metrics.Default().RecordJobFailed(envelope.Priority, duration)
		p.ackOrLog(ctx, unit)
	default:
		metrics.Default().RecordJobFailed(envelope.Priority, duration)
		p.reportError(ctx, unit.Payload, execErr)
		p.ackOrLog(ctx, unit)
	}
}

func (p *Processor) ackOrLog(ctx context.Context, unit *fetcher.Unit) {
	if err := p.opts.Fetcher.Ack(ctx, unit); err != nil {
		p.log.Error("processor: failed to ack unit", "processor", p.id, "queue", unit.Queue, "error", err)
	}
}

func (p *Processor) reportError(ctx context.Context, payload []byte, cause error) {
	for _, h := range p.opts.ErrorHandlers {
		handler := h
		p.isolate(func() { handler(ctx, payload, cause) })
	}
}

func (p *Processor) isolate(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("processor: error handler panicked", "processor", p.id, "panic", r)
		}
	}()
	fn()
}

func (p *Processor) finish(died error) {
	if died != nil {
		p.state.Store(int32(StateDied))
		p.log.Error("processor died", "processor", p.id, "error", died)
		if p.manager != nil {
			p.manager.ProcessorDied(p, died)
		}
		return
	}
	p.state.Store(int32(StateStopped))
	if p.manager != nil {
		p.manager.ProcessorStopped(p)
	}
}

type ctxKey int

const (
	ctxKeyProcessorID ctxKey = iota
	ctxKeyJobID
)
