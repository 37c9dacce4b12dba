// Package metrics tracks in-process counters and gauges for the
// pipeline: jobs started per queue, jobs completed/failed in total and
// by status, queue depth, and worker utilization. Collected in memory and exposed via GetMetrics;
// nothing is pushed to an external time-series store.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/brightloop/kiq/internal/job"
)

var (
	globalCollector *Collector
	once            sync.Once
)

// Collector tracks system-wide metrics in memory. Started jobs and queue
// depths are keyed by queue name; completed and failed jobs are counted
// in total and by status only.
type Collector struct {
	totalJobsStarted   atomic.Int64
	totalJobsCompleted atomic.Int64
	totalJobsFailed    atomic.Int64

	mu             sync.RWMutex
	jobsByStatus   map[job.JobStatus]int64
	jobsByQueue    map[string]int64
	queueDepths    map[string]int64
	totalDuration  time.Duration
	startTime      time.Time
	activeWorkers  int64
	totalWorkers   int64
	errorCount     int64
	operationCount int64
}

// Metrics is a snapshot of current system metrics.
type Metrics struct {
	TotalJobsStarted   int64                   `json:"total_jobs_started"`
	TotalJobsCompleted int64                   `json:"total_jobs_completed"`
	TotalJobsFailed    int64                   `json:"total_jobs_failed"`
	JobsByStatus       map[job.JobStatus]int64 `json:"jobs_by_status"`
	JobsByQueue        map[string]int64        `json:"jobs_by_queue"`
	QueueDepths        map[string]int64        `json:"queue_depths"`
	AvgJobDuration     time.Duration           `json:"avg_job_duration"`
	WorkerUtilization  float64                 `json:"worker_utilization"`
	ErrorRate          float64                 `json:"error_rate"`
	Uptime             time.Duration           `json:"uptime"`
}

// Default returns the global metrics collector instance.
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		jobsByStatus: make(map[job.JobStatus]int64),
		jobsByQueue:  make(map[string]int64),
		queueDepths:  make(map[string]int64),
		startTime:    time.Now(),
	}
}

// RecordJobStarted increments the jobs-started counter for a queue.
func (c *Collector) RecordJobStarted(queue string) {
	c.totalJobsStarted.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsByQueue[queue]++
	c.jobsByStatus[job.StatusProcessing]++
}

// RecordJobCompleted records a successfully completed job.
func (c *Collector) RecordJobCompleted(queue string, duration time.Duration) {
	c.totalJobsCompleted.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsByStatus[job.StatusProcessing]--
	c.jobsByStatus[job.StatusCompleted]++
	c.totalDuration += duration
	c.operationCount++
}

// RecordJobFailed records a failed job.
func (c *Collector) RecordJobFailed(queue string, duration time.Duration) {
	c.totalJobsFailed.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsByStatus[job.StatusProcessing]--
	c.jobsByStatus[job.StatusFailed]++
	c.totalDuration += duration
	c.operationCount++
	c.errorCount++
}

// RecordQueueDepth updates the current queue depth for a queue.
func (c *Collector) RecordQueueDepth(queue string, depth int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepths[queue] = depth
}

// RecordWorkerActivity updates worker utilization metrics.
func (c *Collector) RecordWorkerActivity(active, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeWorkers = active
	c.totalWorkers = total
}

// GetMetrics returns a snapshot of current metrics.
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	jobsByStatus := make(map[job.JobStatus]int64, len(c.jobsByStatus))
	for k, v := range c.jobsByStatus {
		jobsByStatus[k] = v
	}

	jobsByQueue := make(map[string]int64, len(c.jobsByQueue))
	for k, v := range c.jobsByQueue {
		jobsByQueue[k] = v
	}

	queueDepths := make(map[string]int64, len(c.queueDepths))
	for k, v := range c.queueDepths {
		queueDepths[k] = v
	}

	var avgDuration time.Duration
	if c.operationCount > 0 {
		avgDuration = c.totalDuration / time.Duration(c.operationCount)
	}

	var utilization float64
	if c.totalWorkers > 0 {
		utilization = float64(c.activeWorkers) / float64(c.totalWorkers) * 100
	}

	var errorRate float64
	if c.operationCount > 0 {
		errorRate = float64(c.errorCount) / float64(c.operationCount) * 100
	}

	return Metrics{
		TotalJobsStarted:   c.totalJobsStarted.Load(),
		TotalJobsCompleted: c.totalJobsCompleted.Load(),
		TotalJobsFailed:    c.totalJobsFailed.Load(),
		JobsByStatus:       jobsByStatus,
		JobsByQueue:        jobsByQueue,
		QueueDepths:        queueDepths,
		AvgJobDuration:     avgDuration,
		WorkerUtilization:  utilization,
		ErrorRate:          errorRate,
		Uptime:             time.Since(c.startTime),
	}
}

// Reset clears all metrics (useful for testing).
func (c *Collector) Reset() {
	c.totalJobsStarted.Store(0)
	c.totalJobsCompleted.Store(0)
	c.totalJobsFailed.Store(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobsByStatus = make(map[job.JobStatus]int64)
	c.jobsByQueue = make(map[string]int64)
	c.queueDepths = make(map[string]int64)
	c.totalDuration = 0
	c.startTime = time.Now()
	c.activeWorkers = 0
	c.totalWorkers = 0
	c.errorCount = 0
	c.operationCount = 0
}

// GetMetrics returns metrics from the global collector.
func GetMetrics() Metrics {
	return Default().GetMetrics()
}

// ResetMetrics resets the global collector.
func ResetMetrics() {
	Default().Reset()
}
