// Package job defines the canonical wire representation of a unit of work
// and the helpers needed to mutate it safely across its retry lifecycle.
package job

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority is a supplemental, non-wire-breaking enrichment: a job may
// additionally carry a priority, which metrics group job counts by. The
// fetcher does not read it.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Envelope is the canonical job representation. Field names and JSON tags
// follow the wire format exactly; this is the contract between enqueue-side
// clients, the fetcher, the retry engine, and the poller.
type Envelope struct {
	Class string            `json:"class"`
	Args  []json.RawMessage `json:"args"`
	JID   string            `json:"jid"`
	Queue string            `json:"queue"`

	// Retry is bool or integer: false disables retry, an integer caps attempts.
	Retry interface{} `json:"retry,omitempty"`

	RetryQueue string `json:"retry_queue,omitempty"`

	// RetryCount is attempts completed *before* the next try. nil means
	// the job has never failed. See RecordFailure for the exact
	// off-by-one semantics this field must preserve on the wire.
	RetryCount *int `json:"retry_count,omitempty"`

	FailedAt  *float64 `json:"failed_at,omitempty"`
	RetriedAt *float64 `json:"retried_at,omitempty"`

	ErrorClass   string `json:"error_class,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Backtrace is bool or integer: true includes the full stack, an
	// integer caps it to that many frames.
	Backtrace      interface{} `json:"backtrace,omitempty"`
	ErrorBacktrace string      `json:"error_backtrace,omitempty"`

	// Dead is checked by equality, not truthiness: nil means "place in
	// dead set on exhaustion" (the default); explicit false suppresses it.
	Dead *bool `json:"dead,omitempty"`

	CreatedAt  *float64 `json:"created_at,omitempty"`
	EnqueuedAt *float64 `json:"enqueued_at,omitempty"`

	// Priority and RoutingKey are supplemental fields the core retry/fetch
	// machinery never requires; the fetcher picks queues by name alone and
	// reads neither.
	Priority   Priority `json:"priority,omitempty"`
	RoutingKey string   `json:"routing_key,omitempty"`
}

// NewEnvelope constructs an envelope for class on queue with the given
// positional arguments, assigning a fresh jid and created_at timestamp.
func NewEnvelope(class string, args []interface{}, queue string) (*Envelope, error) {
	rawArgs := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal arg %d: %w", i, err)
		}
		rawArgs = append(rawArgs, b)
	}

	created := nowFloat()
	return &Envelope{
		Class:      class,
		Args:       rawArgs,
		JID:        newJID(),
		Queue:      queue,
		CreatedAt:  &created,
		Priority:   PriorityNormal,
		RoutingKey: "default",
	}, nil
}

// LoadEnvelope parses raw payload bytes into an Envelope. It rejects any
// root value that is not a JSON object, per the wire contract.
func LoadEnvelope(data []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("job: payload root must be a JSON object")
	}

	var e Envelope
	if err := json.Unmarshal(trimmed, &e); err != nil {
		return nil, fmt.Errorf("job: failed to parse envelope: %w", err)
	}
	return &e, nil
}

// Dump serializes the envelope back to canonical JSON.
func (e *Envelope) Dump() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("job: failed to serialize envelope: %w", err)
	}
	return data, nil
}

// MaxAttempts interprets the Retry field: false means retry is disabled
// (0 attempts allowed beyond the first), true means the default cap
// applies, and an integer caps attempts directly.
func (e *Envelope) MaxAttempts(defaultMax int) int {
	switch v := e.Retry.(type) {
	case bool:
		if !v {
			return 0
		}
		return defaultMax
	case float64:
		return int(v)
	case int:
		return v
	default:
		return defaultMax
	}
}

// RetryDisabled reports whether the client explicitly set retry: false.
func (e *Envelope) RetryDisabled() bool {
	b, ok := e.Retry.(bool)
	return ok && !b
}

// RetryCountValue returns the current retry_count, treating absence as 0.
func (e *Envelope) RetryCountValue() int {
	if e.RetryCount == nil {
		return 0
	}
	return *e.RetryCount
}

// RecordFailure mutates the envelope to reflect a new failure at `now`,
// preserving the source's off-by-one retry_count semantics exactly: the
// field is *set* to 0 on first failure and *incremented* thereafter, so
// after N failures it reads N-1. This is load-bearing for on-wire
// compatibility with any existing consumer of the envelope.
func (e *Envelope) RecordFailure(now time.Time) {
	ts := float64(now.UnixNano()) / 1e9

	if e.FailedAt == nil {
		e.FailedAt = &ts
		zero := 0
		e.RetryCount = &zero
		return
	}

	e.RetriedAt = &ts
	if e.RetryCount == nil {
		zero := 0
		e.RetryCount = &zero
		return
	}
	*e.RetryCount++
}

// DeadSuppressed reports whether the envelope explicitly opts out of
// dead-set placement. Equality, not truthiness: absence is not suppression.
func (e *Envelope) DeadSuppressed() bool {
	return e.Dead != nil && !*e.Dead
}

// BacktraceRequest interprets the Backtrace field. enabled is false when
// backtrace capture was never requested; capped/frames describe an
// explicit frame-count limit.
func (e *Envelope) BacktraceRequest() (enabled bool, capped bool, frames int) {
	switch v := e.Backtrace.(type) {
	case bool:
		return v, false, 0
	case float64:
		return v > 0, true, int(v)
	case int:
		return v > 0, true, v
	default:
		return false, false, 0
	}
}

// EffectiveQueue returns the queue a retry should land on: retry_queue
// overrides the job's current queue when set.
func (e *Envelope) EffectiveQueue() string {
	if e.RetryQueue != "" {
		return e.RetryQueue
	}
	return e.Queue
}

// SetRoutingKey validates and assigns a routing key for directing jobs to
// specific worker pools.
func (e *Envelope) SetRoutingKey(key string) error {
	if err := ValidateRoutingKey(key); err != nil {
		return err
	}
	e.RoutingKey = key
	return nil
}

// ValidateRoutingKey enforces the non-empty, alphanumeric-plus-hyphen,
// 64-char-max routing key format.
func ValidateRoutingKey(key string) error {
	if key == "" {
		return fmt.Errorf("routing key cannot be empty")
	}
	if len(key) > 64 {
		return fmt.Errorf("routing key too long: %d characters (max 64)", len(key))
	}
	for _, char := range key {
		if (char < 'a' || char > 'z') &&
			(char < 'A' || char > 'Z') &&
			(char < '0' || char > '9') &&
			char != '_' && char != '-' {
			return fmt.Errorf("invalid routing key format: must contain only alphanumeric characters, underscores, and hyphens")
		}
	}
	return nil
}

func nowFloat() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// newJID generates a 24-hex-character unique job identifier, matching the
// wire format's jid length. Falls back to a stripped UUID if the system
// random source is unavailable.
func newJID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err == nil {
		return hex.EncodeToString(b)
	}
	u := strings.ReplaceAll(uuid.New().String(), "-", "")
	return u[:24]
}
