// Package pipeline runs one demand-driven producer/executor pair per
// configured queue: the producer pulls exactly as many jobs as there
// is free executor capacity, and the executor pool runs each job with
// bounded parallelism, reporting its outcome to the reporter chain.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brightloop/kiq/internal/errors"
	"github.com/brightloop/kiq/internal/job"
	"github.com/brightloop/kiq/internal/logger"
	"github.com/brightloop/kiq/internal/metrics"
	"github.com/brightloop/kiq/internal/reporter"
)

// QueueClient is the slice of internal/queue.Client the pipeline needs:
// pull work and acknowledge it once settled.
type QueueClient interface {
	Dequeue(ctx context.Context, name string, count int, nodeID string) ([]*job.Job, error)
	Acknowledge(ctx context.Context, name, nodeID string, j *job.Job) error
}

// Config parameterizes a single queue's pipeline.
type Config struct {
	Queue        string
	Concurrency  int
	NodeID       string
	PollInterval time.Duration // default 1s
	JobTimeout   time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

// Pipeline is the producer + bounded executor pool for one queue.
type Pipeline struct {
	cfg      Config
	queue    QueueClient
	registry *Registry
	chain    *reporter.Chain
	log      logger.Logger
	metrics  *metrics.Collector

	activeWorkers atomic.Int64

	// demand holds one token per free executor slot; the producer
	// drains it to learn how many jobs it may pull, and every executor
	// returns exactly one token when it finishes a job.
	demand chan struct{}
	jobs   chan *job.Job

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPipeline builds a Pipeline. chain must not be nil; log may be nil
// (a no-op logger is used).
func NewPipeline(cfg Config, q QueueClient, reg *Registry, chain *reporter.Chain, log logger.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	p := &Pipeline{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		chain:    chain,
		log:      log,
		metrics:  metrics.Default(),
		demand:   make(chan struct{}, cfg.Concurrency),
		jobs:     make(chan *job.Job, cfg.Concurrency),
		stop:     make(chan struct{}),
	}
	for i := 0; i < cfg.Concurrency; i++ {
		p.demand <- struct{}{}
	}
	return p
}

// Start launches the producer and the executor pool. It returns
// immediately; call Stop for graceful shutdown.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.produce(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.execute(ctx, i+1)
	}
	p.log.WithComponent(logger.ComponentPipeline).Info("pipeline started",
		"queue", p.cfg.Queue, "concurrency", p.cfg.Concurrency)
}

// Stop signals the producer and executors to drain and wait up to 30s
// for them to exit.
func (p *Pipeline) Stop() {
	close(p.stop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.WithComponent(logger.ComponentPipeline).Info("pipeline stopped", "queue", p.cfg.Queue)
	case <-time.After(30 * time.Second):
		p.log.WithComponent(logger.ComponentPipeline).Warn("pipeline shutdown timed out", "queue", p.cfg.Queue)
	}
}

// QueueDepth reports the number of free executor slots, i.e. the
// demand the producer would currently request.
func (p *Pipeline) QueueDepth() int {
	return len(p.demand)
}

func (p *Pipeline) produce(ctx context.Context) {
	defer p.wg.Done()
	log := p.log.WithComponent(logger.ComponentPipeline)

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-p.demand:
			d := p.drainDemand(1)

			jobs, err := p.queue.Dequeue(ctx, p.cfg.Queue, d, p.cfg.NodeID)
			if err != nil {
				log.Error("dequeue failed", "queue", p.cfg.Queue, "error", err.Error())
				p.returnDemand(d)
				p.waitOrStop(p.cfg.PollInterval)
				continue
			}
			if len(jobs) == 0 {
				p.returnDemand(d)
				p.waitOrStop(p.cfg.PollInterval)
				continue
			}

			// Fewer results than requested: hand back the unused slots.
			p.returnDemand(d - len(jobs))

			for _, j := range jobs {
				if j == nil {
					p.chain.Dispatch(ctx, reporter.Event{
						Kind:   reporter.Failure,
						Queue:  p.cfg.Queue,
						NodeID: p.cfg.NodeID,
						Err:    ErrPayloadDecode,
					})
					p.returnDemand(1)
					continue
				}
				select {
				case p.jobs <- j:
				case <-p.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// drainDemand consumes up to cfg.Concurrency-1 more already-available
// tokens beyond the one already taken, without blocking, and returns
// the total consumed.
func (p *Pipeline) drainDemand(already int) int {
	d := already
	for d < p.cfg.Concurrency {
		select {
		case <-p.demand:
			d++
		default:
			return d
		}
	}
	return d
}

func (p *Pipeline) returnDemand(n int) {
	for i := 0; i < n; i++ {
		p.demand <- struct{}{}
	}
}

func (p *Pipeline) waitOrStop(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stop:
	}
}

func (p *Pipeline) execute(ctx context.Context, workerID int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			p.activeWorkers.Add(1)
			p.metrics.RecordWorkerActivity(p.activeWorkers.Load(), int64(p.cfg.Concurrency))
			p.run(ctx, workerID, j)
			p.activeWorkers.Add(-1)
			p.metrics.RecordWorkerActivity(p.activeWorkers.Load(), int64(p.cfg.Concurrency))
			p.returnDemand(1)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, workerID int, j *job.Job) {
	log := p.log.WithComponent(logger.ComponentPipeline)
	start := time.Now()
	p.metrics.RecordJobStarted(p.cfg.Queue)
	defer errors.Recover(func(err error) {
		log.Error("worker panicked", "worker_id", workerID, "jid", j.JID, "error", err.Error())
		p.metrics.RecordJobFailed(p.cfg.Queue, time.Since(start))
		p.chain.Dispatch(ctx, reporter.Event{
			Kind: reporter.Failure, Job: j, Queue: p.cfg.Queue, NodeID: p.cfg.NodeID, Err: err,
			Duration: time.Since(start),
		})
	})

	p.chain.Dispatch(ctx, reporter.Event{
		Kind: reporter.Started, Job: j, Queue: p.cfg.Queue, NodeID: p.cfg.NodeID,
	})

	fn, ok := p.registry.Resolve(j.Class)
	if !ok {
		p.metrics.RecordJobFailed(p.cfg.Queue, time.Since(start))
		p.chain.Dispatch(ctx, reporter.Event{
			Kind: reporter.Failure, Job: j, Queue: p.cfg.Queue, NodeID: p.cfg.NodeID,
			Err: &UnknownClassError{JobClass: j.Class}, Duration: time.Since(start),
		})
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()
	jobCtx = logger.ContextWithJob(jobCtx, j.JID, p.cfg.NodeID, p.cfg.Queue)

	if err := fn(jobCtx, j.Args); err != nil {
		if jobCtx.Err() != nil && ctx.Err() == nil {
			err = jobCtx.Err()
		}
		p.metrics.RecordJobFailed(p.cfg.Queue, time.Since(start))
		p.chain.Dispatch(ctx, reporter.Event{
			Kind: reporter.Failure, Job: j, Queue: p.cfg.Queue, NodeID: p.cfg.NodeID, Err: err,
			Duration: time.Since(start),
		})
		return
	}

	p.metrics.RecordJobCompleted(p.cfg.Queue, time.Since(start))
	p.chain.Dispatch(ctx, reporter.Event{
		Kind: reporter.Success, Job: j, Queue: p.cfg.Queue, NodeID: p.cfg.NodeID,
		Duration: time.Since(start),
	})
}
