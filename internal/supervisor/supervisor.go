// Package supervisor starts, orders, and stops every moving part of a
// kiq node: the reporter chain, one pipeline per configured queue, the
// cron scheduler, and one due-set scheduler per scheduler set. It also
// performs boot-time crash recovery, resurrecting any work left in a
// node's backup lists from a previous, ungracefully-terminated run.
package supervisor

import (
	"context"
	"time"

	"github.com/brightloop/kiq/internal/clock"
	"github.com/brightloop/kiq/internal/job"
	"github.com/brightloop/kiq/internal/logger"
	"github.com/brightloop/kiq/internal/pipeline"
	"github.com/brightloop/kiq/internal/reporter"
	"github.com/brightloop/kiq/internal/scheduler"
)

// QueueClient is the slice of internal/queue.Client the supervisor
// needs directly: resurrection and the per-set deschedule loop.
type QueueClient interface {
	KnownQueues(ctx context.Context) ([]string, error)
	ResurrectBackup(ctx context.Context, name, nodeID string) (int, error)
	Deschedule(ctx context.Context, setName string, now float64) (int, error)
	Enqueue(ctx context.Context, j *job.Job) (*job.Job, error)
	Dequeue(ctx context.Context, name string, count int, nodeID string) ([]*job.Job, error)
	Acknowledge(ctx context.Context, name, nodeID string, j *job.Job) error
}

// QueueConfig pairs a queue name with its pipeline's concurrency cap.
type QueueConfig struct {
	Name        string
	Concurrency int
}

// Config parameterizes a Supervisor. It has no server switch: a host
// that only wants the Embedding API (enqueue/clear_all) does not build
// a Supervisor at all (cmd/worker returns early when config.Server is
// false).
type Config struct {
	NodeID        string
	Queues        []QueueConfig
	SchedulerSets []string // default ["schedule", "retry"]
	JobTimeout    time.Duration
	PollInterval  time.Duration
	SchedulerTick time.Duration // due-set scheduler base tick, default 1s

	CronSchedulerEnabled  bool
	CronSchedulerInterval time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.SchedulerSets) == 0 {
		c.SchedulerSets = []string{"schedule", "retry"}
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = time.Second
	}
	if c.CronSchedulerInterval <= 0 {
		c.CronSchedulerInterval = time.Second
	}
	return c
}

// Supervisor owns the lifecycle of one node's worker-side components.
type Supervisor struct {
	cfg   Config
	queue QueueClient
	chain *reporter.Chain
	log   logger.Logger

	pipelines    []*pipeline.Pipeline
	dueSchedulers []*scheduler.DueSetScheduler
	cronScheduler *scheduler.CronScheduler
}

// New builds a Supervisor. registry resolves job classes to handlers
// for every configured queue's pipeline; chain is the fully-assembled
// reporter chain (retryer, unlocker, pruner, result reporter, logger,
// in whatever order the caller wants them run).
func New(cfg Config, q QueueClient, registry *pipeline.Registry, chain *reporter.Chain, log logger.Logger) *Supervisor {
	cfg = cfg.withDefaults()
	if log == nil {
		log = &logger.NoOpLogger{}
	}

	s := &Supervisor{cfg: cfg, queue: q, chain: chain, log: log}

	for _, qc := range cfg.Queues {
		s.pipelines = append(s.pipelines, pipeline.NewPipeline(pipeline.Config{
			Queue:        qc.Name,
			Concurrency:  qc.Concurrency,
			NodeID:       cfg.NodeID,
			PollInterval: cfg.PollInterval,
			JobTimeout:   cfg.JobTimeout,
		}, q, registry, chain, log))
	}

	for _, setName := range cfg.SchedulerSets {
		s.dueSchedulers = append(s.dueSchedulers, scheduler.NewDueSetScheduler(
			setName, q, clock.Real{}, clock.NewRealRandom(), cfg.SchedulerTick))
	}

	return s
}

// WithCronScheduler attaches a cron scheduler built from the given
// registry and Redis client; a nil cronScheduler disables it. Call
// before Start.
func (s *Supervisor) WithCronScheduler(cs *scheduler.CronScheduler) *Supervisor {
	s.cronScheduler = cs
	return s
}

// Start performs crash recovery, then brings up the reporter chain's
// dependents in order: pipelines, then schedulers. It returns once
// everything is launched; it does not block.
func (s *Supervisor) Start(ctx context.Context) error {
	log := s.log.WithComponent(logger.ComponentSupervisor)

	if err := s.resurrect(ctx); err != nil {
		return err
	}

	for _, p := range s.pipelines {
		p.Start(ctx)
	}
	log.Info("pipelines started", "count", len(s.pipelines))

	if s.cfg.CronSchedulerEnabled && s.cronScheduler != nil {
		go s.cronScheduler.Start(ctx)
		log.Info("cron scheduler started")
	}

	for _, ds := range s.dueSchedulers {
		go ds.Start(ctx)
	}
	log.Info("due-set schedulers started", "count", len(s.dueSchedulers))

	return nil
}

// resurrect re-enqueues every payload left in this node's backup lists
// from a previous run, across every known queue.
func (s *Supervisor) resurrect(ctx context.Context) error {
	log := s.log.WithComponent(logger.ComponentSupervisor)

	queues, err := s.queue.KnownQueues(ctx)
	if err != nil {
		return err
	}
	for _, name := range queues {
		n, err := s.queue.ResurrectBackup(ctx, name, s.cfg.NodeID)
		if err != nil {
			log.Error("resurrection failed", "queue", name, "node_id", s.cfg.NodeID, "error", err.Error())
			continue
		}
		if n > 0 {
			log.Info("resurrected backup entries", "queue", name, "node_id", s.cfg.NodeID, "count", n)
		}
	}
	return nil
}

// Stop stops producers first (each pipeline's Stop already drains the
// executor pool to a grace deadline before returning), then the due-set
// schedulers. The cron scheduler has no stop method of its own; it exits
// when the context passed to Start is cancelled. The reporter chain has no background goroutine
// of its own to stop; it simply stops being dispatched to once every
// pipeline has exited.
func (s *Supervisor) Stop() {
	log := s.log.WithComponent(logger.ComponentSupervisor)

	for _, p := range s.pipelines {
		p.Stop()
	}
	log.Info("pipelines stopped")

	for _, ds := range s.dueSchedulers {
		ds.Stop()
	}
	log.Info("schedulers stopped")
}
