package reporter

import (
	"context"

	"github.com/brightloop/kiq/internal/clock"
	"github.com/brightloop/kiq/internal/job"
)

// ResultBackend is the slice of internal/result.Backend the reporter
// needs to persist a job's outcome.
type ResultBackend interface {
	StoreResult(ctx context.Context, result *job.JobResult) error
}

// ResultReporter stores a JobResult on Success/Failure so callers using
// the embedding API can poll or wait for a job's outcome. This is a
// best-effort side channel: storage failures are logged by the chain,
// never propagated back into the job's retry decision.
type ResultReporter struct {
	backend ResultBackend
	clock   clock.Clock
}

// NewResultReporter builds a ResultReporter.
func NewResultReporter(backend ResultBackend, clk clock.Clock) *ResultReporter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &ResultReporter{backend: backend, clock: clk}
}

func (r *ResultReporter) Name() string { return "result" }

func (r *ResultReporter) Handle(ctx context.Context, ev Event) error {
	if ev.Job == nil || (ev.Kind != Success && ev.Kind != Failure) {
		return nil
	}

	result := &job.JobResult{
		JID:         ev.Job.JID,
		CompletedAt: r.clock.Now(),
		Duration:    ev.Duration,
	}

	if ev.Kind == Success {
		result.Status = job.StatusCompleted
	} else {
		result.Status = job.StatusFailed
		if ev.Err != nil {
			result.Error = ev.Err.Error()
		}
	}

	return r.backend.StoreResult(ctx, result)
}
