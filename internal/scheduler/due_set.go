package scheduler

import (
	"context"
	"time"

	"github.com/brightloop/kiq/internal/clock"
	"github.com/brightloop/kiq/internal/logger"
)

// DueSetClient is the subset of the Redis client a DueSetScheduler needs.
type DueSetClient interface {
	Deschedule(ctx context.Context, setName string, now float64) (int, error)
}

// DueSetScheduler periodically migrates due entries out of one scheduled
// sorted set ("schedule" or "retry") into their target queue lists. One
// instance runs per set name, independently on every node; jitter keeps
// nodes from all ticking in lockstep.
type DueSetScheduler struct {
	setName  string
	queue    DueSetClient
	clock    clock.Clock
	random   clock.Random
	interval time.Duration
	log      logger.Logger

	stop chan struct{}
	done chan struct{}
}

// NewDueSetScheduler creates a scheduler for the given sorted set name.
// interval is the base tick period (default 1s if zero); actual ticks are
// jittered ±50%.
func NewDueSetScheduler(setName string, queue DueSetClient, clk clock.Clock, rnd clock.Random, interval time.Duration) *DueSetScheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &DueSetScheduler{
		setName:  setName,
		queue:    queue,
		clock:    clk,
		random:   rnd,
		interval: interval,
		log:      logger.Default().WithComponent(logger.ComponentScheduler),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the tick loop until the context is cancelled or Stop is called.
func (s *DueSetScheduler) Start(ctx context.Context) {
	defer close(s.done)
	s.log.Info("due-set scheduler started", "set", s.setName, "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-time.After(s.jitteredInterval()):
			s.tick(ctx)
		}
	}
}

// Stop signals the scheduler loop to exit and waits for it to return.
func (s *DueSetScheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *DueSetScheduler) tick(ctx context.Context) {
	now := float64(s.clock.Now().Unix())
	moved, err := s.queue.Deschedule(ctx, s.setName, now)
	if err != nil {
		s.log.Error("deschedule failed", "set", s.setName, "error", err.Error())
		return
	}
	if moved > 0 {
		s.log.Debug("migrated due entries", "set", s.setName, "count", moved)
	}
}

// jitteredInterval returns the base interval scaled by a random factor in
// [0.5, 1.5), spreading tick times across nodes sharing the same set.
func (s *DueSetScheduler) jitteredInterval() time.Duration {
	factor := s.random.Float64() - 0.5
	return s.interval + time.Duration(float64(s.interval)*factor)
}
