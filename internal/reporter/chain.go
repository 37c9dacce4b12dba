package reporter

import (
	"context"

	"github.com/brightloop/kiq/internal/errors"
	"github.com/brightloop/kiq/internal/logger"
)

// Reporter reacts to a single lifecycle event. A reporter must never
// block the pipeline on anything but its own Redis calls, and an error
// returned here is logged, never propagated to the job itself.
type Reporter interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Chain dispatches an event to every reporter in order, isolating each
// one from the others' panics and errors.
type Chain struct {
	log       logger.Logger
	reporters []Reporter
}

// NewChain builds a chain that dispatches to reporters in the given
// order. The order matters: Retryer must run before Unlocker so a
// failure's retry lock policy is decided before the lock is touched.
func NewChain(log logger.Logger, reporters ...Reporter) *Chain {
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	return &Chain{log: log, reporters: reporters}
}

// Dispatch runs every reporter for ev. A reporter that panics or
// returns an error is logged and skipped; the rest of the chain still
// runs.
func (c *Chain) Dispatch(ctx context.Context, ev Event) {
	for _, r := range c.reporters {
		c.run(ctx, r, ev)
	}
}

func (c *Chain) run(ctx context.Context, r Reporter, ev Event) {
	defer errors.Recover(func(err error) {
		c.log.WithComponent(logger.ComponentReporter).Error("reporter panicked",
			"reporter", r.Name(), "jid", jidOf(ev), "error", err.Error())
	})
	if err := r.Handle(ctx, ev); err != nil {
		c.log.WithComponent(logger.ComponentReporter).Error("reporter failed",
			"reporter", r.Name(), "jid", jidOf(ev), "kind", string(ev.Kind), "error", err.Error())
	}
}

func jidOf(ev Event) string {
	if ev.Job == nil {
		return ""
	}
	return ev.Job.JID
}
