// Package kiq is the Embedding API: the narrow surface a host process
// uses to enqueue jobs, fetch or wait for their results, and run a
// full worker node, without touching internal/queue or internal/job
// directly.
package kiq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brightloop/kiq/internal/clock"
	"github.com/brightloop/kiq/internal/job"
	"github.com/brightloop/kiq/internal/queue"
	"github.com/brightloop/kiq/internal/result"
)

// EnqueueOptions controls when a job becomes eligible for pickup. At
// most one of In or At should be set; In takes precedence if both are.
type EnqueueOptions struct {
	In   time.Duration // delay from now
	At   time.Time     // absolute time
	Queue string
	Retry interface{} // bool or int; defaults to true (DefaultRetryCap) if nil
}

// Client is the Embedding API's connection to a kiq deployment: enqueue
// jobs, fetch or wait for their results, and wipe all managed state.
type Client struct {
	queue   *queue.Client
	results result.Backend
	clock   clock.Clock
}

// Config parameterizes a Client's connections.
type Config struct {
	RedisURL                string
	RedisPoolSize           int
	ResultBackendEnabled    bool
	ResultBackendTTLSuccess time.Duration
	ResultBackendTTLFailure time.Duration
}

// New connects a Client to Redis per cfg.
func New(cfg Config) (*Client, error) {
	clk := clock.Real{}
	q, err := queue.NewClient(cfg.RedisURL, cfg.RedisPoolSize, clk)
	if err != nil {
		return nil, fmt.Errorf("kiq: connect: %w", err)
	}

	c := &Client{queue: q, clock: clk}

	if cfg.ResultBackendEnabled {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("kiq: parse redis url for result backend: %w", err)
		}
		successTTL := cfg.ResultBackendTTLSuccess
		if successTTL <= 0 {
			successTTL = time.Hour
		}
		failureTTL := cfg.ResultBackendTTLFailure
		if failureTTL <= 0 {
			failureTTL = 24 * time.Hour
		}
		c.results = result.NewRedisBackend(redis.NewClient(opts), successTTL, failureTTL)
	}

	return c, nil
}

// Enqueue marshals payload to JSON and stores a new job of the given
// class. opts may be zero-valued for immediate, default-queue,
// default-retry enqueueing. Returns the stored job (its JID identifies
// it for GetResult/WaitForResult).
func (c *Client) Enqueue(ctx context.Context, class string, payload interface{}, opts EnqueueOptions) (*job.Job, error) {
	args, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("kiq: marshal payload: %w", err)
	}

	j := job.New(class, args)
	if opts.Queue != "" {
		j.Queue = opts.Queue
	}
	if opts.Retry != nil {
		j.Retry = opts.Retry
	}

	now := c.clock.Now()
	switch {
	case opts.In > 0:
		j.At = float64(now.Add(opts.In).Unix())
	case !opts.At.IsZero():
		j.At = float64(opts.At.Unix())
	}

	stored, err := c.queue.Enqueue(ctx, j)
	if err != nil {
		return nil, fmt.Errorf("kiq: enqueue: %w", err)
	}
	return stored, nil
}

// GetResult retrieves a job's result by JID. Returns nil if the job
// hasn't completed yet, its result has expired, or the result backend
// is disabled.
func (c *Client) GetResult(ctx context.Context, jid string) (*job.JobResult, error) {
	if c.results == nil {
		return nil, nil
	}
	return c.results.GetResult(ctx, jid)
}

// WaitForResult blocks until jid's result is available or timeout
// elapses. Requires the result backend to be enabled.
func (c *Client) WaitForResult(ctx context.Context, jid string, timeout time.Duration) (*job.JobResult, error) {
	if c.results == nil {
		return nil, fmt.Errorf("kiq: result backend is disabled")
	}
	return c.results.WaitForResult(ctx, jid, timeout)
}

// ClearAll removes every core-managed Redis key: every queue list,
// every known backup list, the scheduled sets, and every unique lock.
func (c *Client) ClearAll(ctx context.Context) error {
	return c.queue.ClearAll(ctx)
}

// Queue exposes the underlying queue.Client for callers assembling a
// Supervisor (pipelines and schedulers need the same connection).
func (c *Client) Queue() *queue.Client {
	return c.queue
}

// Close releases the client's Redis connections.
func (c *Client) Close() error {
	var err error
	if c.queue != nil {
		err = c.queue.Close()
	}
	if c.results != nil {
		if closeErr := c.results.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
