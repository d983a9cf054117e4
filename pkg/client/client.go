// Package client provides a small enqueue-side API for submitting jobs
// without pulling in the processor/fetcher machinery.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/joblet/joblet/internal/job"
	"github.com/joblet/joblet/internal/queue"
	"github.com/joblet/joblet/internal/result"
	"github.com/redis/go-redis/v9"
)

// Client submits jobs to a queue.Client and optionally waits on their results.
type Client struct {
	store         *queue.Client
	resultBackend result.Backend
}

// Options configures a Client.
type Options struct {
	Namespace         string
	ResultSuccessTTL  time.Duration
	ResultFailureTTL  time.Duration
}

// New connects a Client to redisURL.
func New(redisURL string, opts Options) (*Client, error) {
	if opts.Namespace == "" {
		opts.Namespace = "joblet:"
	}
	if opts.ResultSuccessTTL <= 0 {
		opts.ResultSuccessTTL = time.Hour
	}
	if opts.ResultFailureTTL <= 0 {
		opts.ResultFailureTTL = 24 * time.Hour
	}

	store, err := queue.NewClient(redisURL, queue.Options{Namespace: opts.Namespace})
	if err != nil {
		return nil, fmt.Errorf("client: failed to connect to redis: %w", err)
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("client: failed to parse redis url: %w", err)
	}
	resultBackend := result.NewRedisBackend(redis.NewClient(redisOpts), opts.ResultSuccessTTL, opts.ResultFailureTTL)

	return &Client{store: store, resultBackend: resultBackend}, nil
}

// Push enqueues a single job envelope and returns its job ID.
func (c *Client) Push(ctx context.Context, class string, args []interface{}, queueName string) (string, error) {
	e, err := job.NewEnvelope(class, args, queueName)
	if err != nil {
		return "", fmt.Errorf("client: failed to build envelope: %w", err)
	}
	data, err := e.Dump()
	if err != nil {
		return "", fmt.Errorf("client: failed to serialize envelope: %w", err)
	}
	if err := c.store.Push(ctx, e.EffectiveQueue(), data); err != nil {
		return "", fmt.Errorf("client: failed to push job: %w", err)
	}
	return e.JID, nil
}

// PushBulk enqueues one job per argument list, all to the same class and
// queue, and returns their job IDs in submission order.
func (c *Client) PushBulk(ctx context.Context, class string, argSets [][]interface{}, queueName string) ([]string, error) {
	jids := make([]string, 0, len(argSets))
	payloads := make([][]byte, 0, len(argSets))
	for _, args := range argSets {
		e, err := job.NewEnvelope(class, args, queueName)
		if err != nil {
			return nil, fmt.Errorf("client: failed to build envelope: %w", err)
		}
		data, err := e.Dump()
		if err != nil {
			return nil, fmt.Errorf("client: failed to serialize envelope: %w", err)
		}
		jids = append(jids, e.JID)
		payloads = append(payloads, data)
	}
	if err := c.store.PushBulk(ctx, queueName, payloads); err != nil {
		return nil, fmt.Errorf("client: failed to push bulk jobs: %w", err)
	}
	return jids, nil
}

// PushAt schedules a job envelope to become fetchable at or after fireAt.
func (c *Client) PushAt(ctx context.Context, class string, args []interface{}, queueName string, fireAt time.Time) (string, error) {
	e, err := job.NewEnvelope(class, args, queueName)
	if err != nil {
		return "", fmt.Errorf("client: failed to build envelope: %w", err)
	}
	data, err := e.Dump()
	if err != nil {
		return "", fmt.Errorf("client: failed to serialize envelope: %w", err)
	}
	if err := c.store.ScheduleAt(ctx, fireAt, data); err != nil {
		return "", fmt.Errorf("client: failed to schedule job: %w", err)
	}
	return e.JID, nil
}

// GetResult retrieves a job's result, or nil if it hasn't completed yet.
func (c *Client) GetResult(ctx context.Context, jobID string) (*job.JobResult, error) {
	r, err := c.resultBackend.GetResult(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("client: failed to get result: %w", err)
	}
	return r, nil
}

// PushAndWait submits a job and blocks until its result is available or
// timeout elapses.
func (c *Client) PushAndWait(ctx context.Context, class string, args []interface{}, queueName string, timeout time.Duration) (*job.JobResult, error) {
	jobID, err := c.Push(ctx, class, args, queueName)
	if err != nil {
		return nil, err
	}
	r, err := c.resultBackend.WaitForResult(ctx, jobID, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: failed to wait for result: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("client: job %s did not complete within %v", jobID, timeout)
	}
	return r, nil
}

// Close releases the underlying Redis connections.
func (c *Client) Close() error {
	var storeErr, resultErr error
	if c.store != nil {
		storeErr = c.store.Close()
	}
	if c.resultBackend != nil {
		resultErr = c.resultBackend.Close()
	}
	if storeErr != nil {
		return storeErr
	}
	return resultErr
}
