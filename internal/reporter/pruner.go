package reporter

import "context"

// Pruner removes a job's backup-list entry once it has succeeded. The
// Retryer already acknowledges failed-and-exhausted or failed-and-
// rescheduled jobs itself, so Pruner only has to cover the success path.
type Pruner struct {
	queue QueueClient
}

// NewPruner builds a Pruner.
func NewPruner(q QueueClient) *Pruner {
	return &Pruner{queue: q}
}

func (p *Pruner) Name() string { return "pruner" }

func (p *Pruner) Handle(ctx context.Context, ev Event) error {
	if ev.Kind != Success {
		return nil
	}
	return p.queue.Acknowledge(ctx, ev.Queue, ev.NodeID, ev.Job)
}
