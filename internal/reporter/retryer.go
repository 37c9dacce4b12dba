package reporter

import (
	"context"
	"math"

	"github.com/brightloop/kiq/internal/clock"
	"github.com/brightloop/kiq/internal/errors"
)

// Retryer reschedules failed jobs onto the retry set until their cap is
// exhausted, at which point it acknowledges (discards) the backup copy.
type Retryer struct {
	queue  QueueClient
	clock  clock.Clock
	random clock.Random
}

// NewRetryer builds a Retryer. clk and rnd drive the backoff math and
// must be deterministic in tests.
func NewRetryer(q QueueClient, clk clock.Clock, rnd clock.Random) *Retryer {
	return &Retryer{queue: q, clock: clk, random: rnd}
}

func (r *Retryer) Name() string { return "retryer" }

// Handle reacts only to Failure events. It computes the next attempt's
// due time from the job's retry_count BEFORE incrementing it: the
// reference formula's exponential term is meant to grow with the
// attempt that just failed, not the one about to start.
func (r *Retryer) Handle(ctx context.Context, ev Event) error {
	if ev.Kind != Failure || ev.Job == nil {
		return nil
	}
	j := ev.Job

	retryCap, retryable := j.RetryCap()
	class, msg := errors.Classify(ev.Err)

	if !retryable || j.RetryCount >= retryCap {
		return r.queue.Acknowledge(ctx, ev.Queue, ev.NodeID, j)
	}

	originalCount := j.RetryCount
	now := float64(r.clock.Now().Unix())

	updated := j.Clone()
	if updated.FailedAt == 0 {
		updated.FailedAt = now
	}
	updated.ErrorClass = class
	updated.ErrorMsg = msg
	updated.RetryCount = originalCount + 1
	updated.RetriedAt = now
	updated.At = now + backoffSeconds(originalCount, r.random)

	if err := r.queue.Retry(ctx, updated); err != nil {
		return err
	}
	return r.queue.Acknowledge(ctx, ev.Queue, ev.NodeID, j)
}

// backoffSeconds implements 15 + retry_count^4 + rand(0,30)*(retry_count+1),
// using the pre-increment retry_count of the attempt that just failed.
func backoffSeconds(retryCount int, rnd clock.Random) float64 {
	jitter := rnd.Intn(31)
	return 15 + math.Pow(float64(retryCount), 4) + float64(jitter*(retryCount+1))
}
