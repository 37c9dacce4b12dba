// Package scheduler provides cron-based recurring job scheduling, and
// the periodic due-set migration that drains the "schedule"/"retry"
// sorted sets (see due_set.go).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/brightloop/kiq/internal/job"
	"github.com/brightloop/kiq/internal/logger"
	"github.com/redis/go-redis/v9"
)

// Queue defines the interface for enqueueing jobs produced by a schedule.
type Queue interface {
	Enqueue(ctx context.Context, j *job.Job) (*job.Job, error)
}

// CronScheduler manages periodic task execution.
type CronScheduler struct {
	registry *Registry
	queue    Queue
	client   *redis.Client
	interval time.Duration
	lockTTL  time.Duration
	log      logger.Logger
}

// NewCronScheduler creates a new cron scheduler.
func NewCronScheduler(registry *Registry, queue Queue, client *redis.Client, interval time.Duration) *CronScheduler {
	return &CronScheduler{
		registry: registry,
		queue:    queue,
		client:   client,
		interval: interval,
		lockTTL:  60 * time.Second,
		log:      logger.Default().WithComponent(logger.ComponentScheduler),
	}
}

// SetLockTTL sets the distributed lock TTL (for testing or tuning).
func (cs *CronScheduler) SetLockTTL(ttl time.Duration) {
	cs.lockTTL = ttl
}

// Start begins the cron scheduler loop.
func (cs *CronScheduler) Start(ctx context.Context) {
	cs.log.Info("cron scheduler started", "interval", cs.interval, "schedules", cs.registry.Count())

	ticker := time.NewTicker(cs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cs.log.Info("cron scheduler stopping")
			return
		case <-ticker.C:
			cs.tick(ctx)
		}
	}
}

func (cs *CronScheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, schedule := range cs.registry.List() {
		if !schedule.Enabled {
			continue
		}
		if cs.isDue(ctx, schedule, now) {
			cs.executeSchedule(ctx, schedule, now)
		}
	}
}

func (cs *CronScheduler) isDue(ctx context.Context, schedule *Schedule, now time.Time) bool {
	state, err := cs.getState(ctx, schedule.ID)
	if err != nil {
		cs.log.Error("failed to get schedule state", "schedule_id", schedule.ID, "error", err)
		return false
	}

	nextRun, err := cs.registry.NextRun(schedule, state.LastRun)
	if err != nil {
		cs.log.Error("failed to calculate next run", "schedule_id", schedule.ID, "error", err)
		return false
	}

	// 1-second buffer to account for tick timing.
	return now.After(nextRun.Add(-1*time.Second)) || now.Equal(nextRun)
}

func (cs *CronScheduler) executeSchedule(ctx context.Context, schedule *Schedule, now time.Time) {
	lockKey := fmt.Sprintf("kiq:schedule_lock:%s", schedule.ID)

	lock, err := AcquireLock(ctx, cs.client, lockKey, cs.lockTTL)
	if err != nil {
		cs.log.Error("failed to acquire schedule lock", "schedule_id", schedule.ID, "error", err)
		return
	}
	if lock == nil {
		cs.log.Debug("schedule already locked by another instance", "schedule_id", schedule.ID)
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			cs.log.Error("failed to release schedule lock", "schedule_id", schedule.ID, "error", err)
		}
	}()

	args := schedule.Args
	if len(args) == 0 {
		args = []byte("{}")
	}
	j := job.New(schedule.Class, args)
	if schedule.Queue != "" {
		j.Queue = schedule.Queue
	}

	enqueued, err := cs.queue.Enqueue(ctx, j)
	if err != nil {
		cs.log.Error("failed to enqueue scheduled job", "schedule_id", schedule.ID, "class", schedule.Class, "error", err)
		if updateErr := cs.updateState(ctx, schedule.ID, &ScheduleState{ID: schedule.ID, LastRun: now, LastError: err.Error()}); updateErr != nil {
			cs.log.Warn("failed to update schedule state", "schedule_id", schedule.ID, "error", updateErr)
		}
		return
	}

	cs.log.Info("scheduled job enqueued", "schedule_id", schedule.ID, "class", schedule.Class, "jid", enqueued.JID, "queue", enqueued.Queue)

	nextRun, err := cs.registry.NextRun(schedule, now)
	if err != nil {
		cs.log.Error("failed to calculate next run time", "schedule_id", schedule.ID, "error", err)
		nextRun = time.Time{}
	}

	runCount := cs.incrementRunCount(ctx, schedule.ID)
	if updateErr := cs.updateState(ctx, schedule.ID, &ScheduleState{
		ID: schedule.ID, LastRun: now, NextRun: nextRun, LastSuccess: now, RunCount: runCount,
	}); updateErr != nil {
		cs.log.Warn("failed to update schedule state", "schedule_id", schedule.ID, "error", updateErr)
	}
}

func (cs *CronScheduler) getState(ctx context.Context, scheduleID string) (*ScheduleState, error) {
	key := fmt.Sprintf("kiq:schedules:%s", scheduleID)

	result, err := cs.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule state: %w", err)
	}
	if len(result) == 0 {
		return &ScheduleState{ID: scheduleID}, nil
	}

	state := &ScheduleState{ID: scheduleID}
	if lastRun, exists := result["last_run"]; exists && lastRun != "" {
		if parsed, err := time.Parse(time.RFC3339, lastRun); err == nil {
			state.LastRun = parsed
		}
	}
	if nextRun, exists := result["next_run"]; exists && nextRun != "" {
		if parsed, err := time.Parse(time.RFC3339, nextRun); err == nil {
			state.NextRun = parsed
		}
	}
	if lastSuccess, exists := result["last_success"]; exists && lastSuccess != "" {
		if parsed, err := time.Parse(time.RFC3339, lastSuccess); err == nil {
			state.LastSuccess = parsed
		}
	}
	if lastError, exists := result["last_error"]; exists {
		state.LastError = lastError
	}
	if runCount, exists := result["run_count"]; exists && runCount != "" {
		var count int64
		if _, err := fmt.Sscanf(runCount, "%d", &count); err == nil {
			state.RunCount = count
		}
	}
	return state, nil
}

func (cs *CronScheduler) updateState(ctx context.Context, scheduleID string, state *ScheduleState) error {
	key := fmt.Sprintf("kiq:schedules:%s", scheduleID)

	fields := map[string]interface{}{"last_run": state.LastRun.Format(time.RFC3339)}
	if !state.NextRun.IsZero() {
		fields["next_run"] = state.NextRun.Format(time.RFC3339)
	}
	if !state.LastSuccess.IsZero() {
		fields["last_success"] = state.LastSuccess.Format(time.RFC3339)
	}
	if state.LastError != "" {
		fields["last_error"] = state.LastError
	} else {
		cs.client.HDel(ctx, key, "last_error")
	}
	return cs.client.HSet(ctx, key, fields).Err()
}

func (cs *CronScheduler) incrementRunCount(ctx context.Context, scheduleID string) int64 {
	key := fmt.Sprintf("kiq:schedules:%s", scheduleID)
	count, err := cs.client.HIncrBy(ctx, key, "run_count", 1).Result()
	if err != nil {
		cs.log.Error("failed to increment run count", "schedule_id", scheduleID, "error", err)
		return 0
	}
	return count
}

// GetState retrieves the current state of a schedule (for monitoring).
func (cs *CronScheduler) GetState(ctx context.Context, scheduleID string) (*ScheduleState, error) {
	return cs.getState(ctx, scheduleID)
}
