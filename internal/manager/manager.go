// Package manager owns the pool of processors, replaces ones that exit
// abnormally, and drives the coordinated graceful-shutdown protocol.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joblet/joblet/internal/config"
	"github.com/joblet/joblet/internal/fetcher"
	"github.com/joblet/joblet/internal/logger"
	"github.com/joblet/joblet/internal/middleware"
	"github.com/joblet/joblet/internal/processor"
	"github.com/joblet/joblet/internal/queue"
	"github.com/joblet/joblet/internal/registry"
	"github.com/joblet/joblet/internal/retry"
)

// entry pairs a running processor with the fetcher it owns, so shutdown
// can signal and drain it directly.
type entry struct {
	proc *processor.Processor
	f    *fetcher.Fetcher
}

// Manager owns N processors sharing a fetcher factory, a middleware chain
// snapshot, and an exception-handler list.
type Manager struct {
	store         *queue.Client
	cfg           *config.ProcessorConfig
	chain         *middleware.Chain
	registry      *registry.Registry
	engine        *retry.Engine
	reloader      processor.Reloader
	errorHandlers []processor.ErrorHandler
	identity      string
	startedAt     string
	log           logger.Logger

	mu                sync.Mutex
	entries           map[string]*entry
	nextID            int
	shuttingDown      bool
	heartbeatStop     chan struct{}
	stopHeartbeatOnce sync.Once
}

// Options configures a Manager.
type Options struct {
	Store         *queue.Client
	Config        *config.ProcessorConfig
	Chain         *middleware.Chain
	Registry      *registry.Registry
	Engine        *retry.Engine
	Reloader      processor.Reloader
	ErrorHandlers []processor.ErrorHandler
	Identity      string
}

// New constructs a Manager in the stopped state.
func New(opts Options, log logger.Logger) *Manager {
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	return &Manager{
		store:         opts.Store,
		cfg:           opts.Config,
		chain:         opts.Chain,
		registry:      opts.Registry,
		engine:        opts.Engine,
		reloader:      opts.Reloader,
		errorHandlers: opts.ErrorHandlers,
		identity:      opts.Identity,
		log:           log,
		entries:       make(map[string]*entry),
	}
}

// Start registers this instance's process identity, sweeps crashed
// identities' in-flight lists back onto their source queues, begins
// renewing this identity's liveness TTL, and spawns cfg.Concurrency
// processors.
func (m *Manager) Start(ctx context.Context) error {
	ttl := 2 * m.cfg.AverageScheduledPollInterval
	m.startedAt = time.Now().UTC().Format(time.RFC3339)

	if err := m.store.RegisterProcess(ctx, m.identity, map[string]string{
		"started_at": m.startedAt,
	}, ttl); err != nil {
		return fmt.Errorf("manager: failed to register process identity: %w", err)
	}

	if moved, err := fetcher.BulkRequeue(ctx, m.store, m.cfg.Queues); err != nil {
		m.log.Error("manager: crash-recovery bulk requeue failed", "error", err)
	} else if moved > 0 {
		m.log.Info("manager: recovered in-flight units from crashed processes", "count", moved)
	}

	m.heartbeatStop = make(chan struct{})
	go m.heartbeat(ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.cfg.Concurrency; i++ {
		m.spawnLocked(ctx)
	}
	return nil
}

// heartbeat periodically re-registers this instance's identity so its
// liveness TTL never lapses while the manager is running; it stops as
// soon as Shutdown closes heartbeatStop.
func (m *Manager) heartbeat(ttl time.Duration) {
	interval := ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.heartbeatStop:
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := m.store.RegisterProcess(renewCtx, m.identity, map[string]string{
				"started_at": m.startedAt,
			}, ttl)
			cancel()
			if err != nil {
				m.log.Error("manager: failed to renew process heartbeat", "error", err)
			}
		}
	}
}

// spawnLocked constructs and starts one new processor. Caller must hold m.mu.
func (m *Manager) spawnLocked(ctx context.Context) {
	m.nextID++
	id := fmt.Sprintf("%s-%d", m.identity, m.nextID)

	f := fetcher.New(m.store, fetcher.Options{
		Queues:   m.cfg.Queues,
		Strict:   m.cfg.Strict,
		Timeout:  m.cfg.FetchTimeout,
		Identity: m.identity,
	}, m.log)

	p := processor.New(id, processor.Options{
		Fetcher:       f,
		Chain:         m.chain,
		Registry:      m.registry,
		RetryEngine:   m.engine,
		Reloader:      m.reloader,
		ErrorHandlers: m.errorHandlers,
	}, m, m.log)

	m.entries[id] = &entry{proc: p, f: f}
	p.Start(ctx)
}

// ProcessorStopped implements processor.Manager: normal exit, remove from
// the pool and spawn a replacement unless shutting down.
func (m *Manager) ProcessorStopped(p *processor.Processor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(p)
	if !m.shuttingDown {
		m.spawnLocked(context.Background())
	}
}

// ProcessorDied implements processor.Manager: abnormal exit, report and
// replace unless shutting down.
func (m *Manager) ProcessorDied(p *processor.Processor, cause error) {
	m.log.Error("manager: processor died", "error", cause)
	for _, h := range m.errorHandlers {
		handler := h
		m.isolate(func() { handler(context.Background(), nil, cause) })
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(p)
	if !m.shuttingDown {
		m.spawnLocked(context.Background())
	}
}

func (m *Manager) isolate(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("manager: error handler panicked", "panic", r)
		}
	}()
	fn()
}

func (m *Manager) removeLocked(p *processor.Processor) {
	for id, e := range m.entries {
		if e.proc == p {
			delete(m.entries, id)
			return
		}
	}
}

// Shutdown runs the graceful-shutdown protocol: stop fetchers, signal
// processors to stop, wait up to the configured hard timeout, hard-kill
// any stragglers without waiting further on them, drain in-flight lists,
// and deregister this instance's identity.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopHeartbeatOnce.Do(func() {
		if m.heartbeatStop != nil {
			close(m.heartbeatStop)
		}
	})

	m.mu.Lock()
	m.shuttingDown = true
	snapshot := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		snapshot = append(snapshot, e)
	}
	m.mu.Unlock()

	// 1. Signal fetchers to stop issuing new work.
	for _, e := range snapshot {
		e.f.Stop()
	}

	// 2. Signal each processor to stop at its loop boundary.
	for _, e := range snapshot {
		e.proc.Terminate(false)
	}

	// 3. Wait up to hard_timeout for processors to join.
	joined := make(chan struct{})
	go func() {
		for _, e := range snapshot {
			e.proc.Terminate(true)
		}
		close(joined)
	}()

	select {
	case <-joined:
	case <-time.After(m.cfg.ShutdownTimeout):
		// 4. Hard-kill stragglers still running after the timeout. Kill
		// cancels each straggler's execution context, but a handler that
		// ignores ctx may never return; don't wait on joined again here or
		// a single stuck handler would hang shutdown indefinitely. Proceed
		// straight to draining in-flight units instead — the requeue below
		// recovers a straggler's unit regardless of whether it ever joins.
		m.log.Warn("manager: shutdown timeout elapsed, hard-killing stragglers", "timeout", m.cfg.ShutdownTimeout)
		for _, e := range snapshot {
			if e.proc.State() != processor.StateStopped && e.proc.State() != processor.StateDied {
				e.proc.Kill(ctx, false)
			}
		}
	}

	// 5. Drain in-flight lists back to source queues.
	for _, e := range snapshot {
		if _, err := e.f.RequeueOnShutdown(ctx); err != nil {
			m.log.Error("manager: failed to requeue in-flight units on shutdown", "error", err)
		}
	}

	// 6. Deregister this instance's process identity.
	if err := m.store.DeregisterProcess(ctx, m.identity); err != nil {
		return fmt.Errorf("manager: failed to deregister process identity: %w", err)
	}
	return nil
}
