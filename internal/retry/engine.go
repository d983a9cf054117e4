// Package retry implements the retry/death engine: given a failing job
// execution, it classifies the error, mutates the envelope, and decides
// whether to schedule a retry or move the job to the dead set.
package retry

import (
	"context"
	"math"
	"math/rand"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"github.com/joblet/joblet/internal/job"
	"github.com/joblet/joblet/internal/logger"
	"github.com/joblet/joblet/internal/queue"
)

// Config holds the engine's tunables.
type Config struct {
	// DefaultMaxAttempts is used when an envelope's retry field is absent
	// or true.
	DefaultMaxAttempts int
}

// RetryInFunc is a handler-declared custom delay function: given the
// current retry_count and the causing error, it returns a delay in
// seconds. ok is false to signal "no opinion, use the default formula".
type RetryInFunc func(count int, cause error) (seconds int, ok bool)

// HandlerPolicyFunc resolves a handler's declared retry policy (what the
// handler itself wants written into an envelope whose retry field was
// never set by the enqueuing client). Used only from the local entry
// point, per §4.4 step 2.
type HandlerPolicyFunc func(class string) (retry interface{}, ok bool)

// Hooks are the user-provided extension points the death path invokes.
// Every hook is isolated: a panicking or erroring hook is caught and
// logged, never allowed to prevent other hooks from running or to escape
// into the processor loop.
type Hooks struct {
	RetryIn         RetryInFunc
	HandlerPolicy   HandlerPolicyFunc
	RetriesExhausted func(ctx context.Context, e *job.Envelope, cause error)
	DeathHandlers   []func(ctx context.Context, e *job.Envelope, cause error)
}

// Engine is the retry/death state machine shared by the global and local
// entry points.
type Engine struct {
	store *queue.Client
	cfg   Config
	hooks Hooks
	log   logger.Logger
}

// NewEngine constructs a retry engine writing into store.
func NewEngine(store *queue.Client, cfg Config, hooks Hooks, log logger.Logger) *Engine {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 25
	}
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	return &Engine{store: store, cfg: cfg, hooks: hooks, log: log}
}

// Global wraps execution that may not yet have a constructed worker
// instance. On failure it classifies/updates/decides (§4.4) and returns
// the Handled sentinel, unless the failure is a shutdown marker (returned
// unmodified) or was already processed by an inner Local call.
func (eng *Engine) Global(ctx context.Context, e *job.Envelope, queueName string, fn func(ctx context.Context) error) error {
	return eng.wrap(ctx, e, queueName, false, fn, Handled)
}

// Local wraps execution once a worker instance exists; on failure it
// returns the Skip sentinel.
func (eng *Engine) Local(ctx context.Context, e *job.Envelope, queueName string, fn func(ctx context.Context) error) error {
	return eng.wrap(ctx, e, queueName, true, fn, Skip)
}

func (eng *Engine) wrap(ctx context.Context, e *job.Envelope, queueName string, isLocal bool, fn func(ctx context.Context) error, sentinel func(error) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}

	// Step 1: shutdown markers are never persisted and never reclassified.
	if IsShutdown(err) {
		return err
	}

	// An inner call (Local, when invoked from within Global's fn) already
	// ran the full classify/update/decide sequence for this failure.
	if IsProcessed(err) {
		return err
	}

	eng.recordFailure(ctx, e, queueName, isLocal, err)
	return sentinel(err)
}

// recordFailure implements §4.4 steps 2-4 against a single observed
// failure: consult policy, mutate the envelope, then schedule a retry or
// route to death.
func (eng *Engine) recordFailure(ctx context.Context, e *job.Envelope, queueName string, isLocal bool, cause error) {
	if isLocal && e.Retry == nil && eng.hooks.HandlerPolicy != nil {
		if policy, ok := eng.hooks.HandlerPolicy(e.Class); ok {
			e.Retry = policy
		}
	}

	if e.RetryDisabled() {
		eng.death(ctx, e, cause)
		return
	}

	now := time.Now()
	e.Queue = queueNameOrEffective(e, queueName)
	e.ErrorClass = errorClassName(cause)
	e.ErrorMessage = job.SafeErrorMessage(cause.Error)
	e.RecordFailure(now)

	if enabled, capped, frames := e.BacktraceRequest(); enabled {
		stack := captureStack()
		if capped {
			stack = job.CapFrames(stack, frames)
		}
		if compressed, err := job.CompressBacktrace(stack); err == nil {
			e.ErrorBacktrace = compressed
		} else {
			eng.log.Warn("retry: failed to compress backtrace", "jid", e.JID, "error", err)
		}
	}

	max := e.MaxAttempts(eng.cfg.DefaultMaxAttempts)
	if e.RetryCountValue() < max {
		delay := eng.computeDelay(e, cause)
		eng.scheduleRetry(ctx, e, now.Add(delay))
		return
	}

	eng.death(ctx, e, cause)
}

func queueNameOrEffective(e *job.Envelope, currentQueue string) string {
	if e.RetryQueue != "" {
		return e.RetryQueue
	}
	if e.Queue != "" {
		return e.Queue
	}
	return currentQueue
}

// computeDelay implements §4.4.1's formula, including the custom
// retry_in escape hatch and its isolated failure fall-through.
func (eng *Engine) computeDelay(e *job.Envelope, cause error) time.Duration {
	count := e.RetryCountValue()
	jitter := rand.Intn(10) * (count + 1)

	if eng.hooks.RetryIn != nil {
		if secs, ok := eng.safeRetryIn(count, cause); ok && secs > 0 {
			return time.Duration(secs+jitter) * time.Second
		}
	}

	defaultSecs := math.Pow(float64(count), 4) + 15
	return time.Duration(int(defaultSecs)+jitter) * time.Second
}

func (eng *Engine) safeRetryIn(count int, cause error) (secs int, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			eng.log.Warn("retry: custom retry_in panicked, falling back to default delay", "panic", r)
			secs, ok = 0, false
		}
	}()
	return eng.hooks.RetryIn(count, cause)
}

func (eng *Engine) scheduleRetry(ctx context.Context, e *job.Envelope, fireAt time.Time) {
	data, err := e.Dump()
	if err != nil {
		eng.log.Error("retry: failed to serialize envelope for retry", "jid", e.JID, "error", err)
		return
	}
	if err := eng.store.ScheduleRetry(ctx, fireAt, data); err != nil {
		eng.log.Error("retry: failed to schedule retry", "jid", e.JID, "error", err)
	}
}

// death runs the terminal path: the retries_exhausted hook, dead-set
// placement (unless suppressed), then every death handler, each isolated
// from the others' failures.
func (eng *Engine) death(ctx context.Context, e *job.Envelope, cause error) {
	if eng.hooks.RetriesExhausted != nil {
		eng.isolate(func() { eng.hooks.RetriesExhausted(ctx, e, cause) })
	}

	if !e.DeadSuppressed() {
		data, err := e.Dump()
		if err != nil {
			eng.log.Error("retry: failed to serialize envelope for dead set", "jid", e.JID, "error", err)
		} else if err := eng.store.PushDead(ctx, time.Now(), data); err != nil {
			eng.log.Error("retry: failed to push to dead set", "jid", e.JID, "error", err)
		}
	}

	for _, handler := range eng.hooks.DeathHandlers {
		h := handler
		eng.isolate(func() { h(ctx, e, cause) })
	}
}

// isolate runs fn, recovering and logging any panic so a misbehaving hook
// can never abort the worker loop or block its sibling hooks.
func (eng *Engine) isolate(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			eng.log.Error("retry: hook panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func errorClassName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "error"
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}

func captureStack() []string {
	raw := strings.TrimRight(string(debug.Stack()), "\n")
	return strings.Split(raw, "\n")
}
