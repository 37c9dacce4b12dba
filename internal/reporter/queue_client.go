package reporter

import (
	"context"

	"github.com/brightloop/kiq/internal/job"
)

// QueueClient is the narrow slice of internal/queue.Client a reporter
// needs. Reporters depend on this instead of the concrete client so
// they can be tested against a fake without touching Redis.
type QueueClient interface {
	Retry(ctx context.Context, j *job.Job) error
	Acknowledge(ctx context.Context, queue, nodeID string, j *job.Job) error
	Unlock(ctx context.Context, j *job.Job) error
}
