package reporter

import (
	"context"

	"github.com/brightloop/kiq/internal/job"
)

// Unlocker releases a job's uniqueness lock at the point its UniqueUntil
// policy names: on Started for "start", on Success/Failure for
// "success". Jobs without a lock token are ignored.
type Unlocker struct {
	queue QueueClient
}

// NewUnlocker builds an Unlocker.
func NewUnlocker(q QueueClient) *Unlocker {
	return &Unlocker{queue: q}
}

func (u *Unlocker) Name() string { return "unlocker" }

func (u *Unlocker) Handle(ctx context.Context, ev Event) error {
	j := ev.Job
	if j == nil || j.UniqueToken == "" {
		return nil
	}

	until := j.UniqueUntil
	if until == "" {
		until = job.UntilStart
	}

	switch {
	case ev.Kind == Started && until == job.UntilStart:
	case (ev.Kind == Success || ev.Kind == Failure) && until == job.UntilSuccess:
	default:
		return nil
	}
	return u.queue.Unlock(ctx, j)
}
