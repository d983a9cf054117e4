package config

import (
	"fmt"
	"strings"
	"time"
)

// ProcessorConfig holds the tunables for the fetcher/processor/poller/manager
// stack: how many processors run, which queues they serve and in what order,
// and the bounded waits that govern shutdown and scheduling.
type ProcessorConfig struct {
	// Concurrency is the number of processors per instance.
	Concurrency int

	// Queues is the ordered list of queue names a fetcher serves. A name may
	// repeat to express weight under the weighted-random policy.
	Queues []string

	// Strict selects strict declared-order fetching; false selects
	// weighted-random fetching.
	Strict bool

	// MaxRetries is the default attempt cap applied when an envelope's
	// retry field is absent or true.
	MaxRetries int

	// FetchTimeout bounds a single blocking fetch call.
	FetchTimeout time.Duration

	// ShutdownTimeout is how long the manager waits for processors to join
	// before hard-killing stragglers.
	ShutdownTimeout time.Duration

	// AverageScheduledPollInterval is the base interval the poller divides
	// by the active process count to get its per-instance tick interval.
	AverageScheduledPollInterval time.Duration

	// PromoteBatchSize caps how many due entries a single poll tick
	// promotes from one time-ordered set.
	PromoteBatchSize int64
}

// LoadProcessorConfig loads processor configuration from environment
// variables with sensible defaults.
func LoadProcessorConfig() (*ProcessorConfig, error) {
	cfg := &ProcessorConfig{
		Concurrency:                  getEnvAsInt("PROCESSOR_CONCURRENCY", 10),
		Queues:                       getEnvAsStringSlice("PROCESSOR_QUEUES", []string{"default"}),
		Strict:                       getEnvAsBool("PROCESSOR_STRICT", true),
		MaxRetries:                   getEnvAsInt("PROCESSOR_MAX_RETRIES", 25),
		FetchTimeout:                 getEnvAsDuration("PROCESSOR_FETCH_TIMEOUT", 2*time.Second),
		ShutdownTimeout:              getEnvAsDuration("PROCESSOR_SHUTDOWN_TIMEOUT", 25*time.Second),
		AverageScheduledPollInterval: getEnvAsDuration("PROCESSOR_POLL_INTERVAL", 15*time.Second),
		PromoteBatchSize:             int64(getEnvAsInt("PROCESSOR_PROMOTE_BATCH_SIZE", 1000)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the processor configuration is internally consistent.
func (c *ProcessorConfig) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("processor concurrency must be at least 1 (got %d)", c.Concurrency)
	}
	if c.Concurrency > 1000 {
		return fmt.Errorf("processor concurrency too high: %d (maximum 1000)", c.Concurrency)
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("processor must serve at least one queue")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("processor max retries cannot be negative")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("processor fetch timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("processor shutdown timeout must be positive")
	}
	if c.AverageScheduledPollInterval <= 0 {
		return fmt.Errorf("processor poll interval must be positive")
	}
	return nil
}

// String returns a human-readable description of the processor config.
func (c *ProcessorConfig) String() string {
	order := "strict"
	if !c.Strict {
		order = "weighted-random"
	}
	return fmt.Sprintf(
		"ProcessorConfig{concurrency=%d, queues=%s, order=%s, max_retries=%d, fetch_timeout=%v, shutdown_timeout=%v, poll_interval=%v}",
		c.Concurrency, strings.Join(c.Queues, ","), order, c.MaxRetries, c.FetchTimeout, c.ShutdownTimeout, c.AverageScheduledPollInterval,
	)
}
