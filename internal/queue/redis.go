// Package queue is the only component that talks to Redis. It exposes
// the narrow storage contract the rest of the system relies on: enqueue,
// dequeue, acknowledge, deschedule, retry, unlock, and clear.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brightloop/kiq/internal/clock"
	"github.com/brightloop/kiq/internal/job"
)

// Client is the Redis-backed storage layer. No other component issues
// Redis commands directly.
type Client struct {
	redis *redis.Client
	clock clock.Clock

	queuesKey  string
	backupsKey string
}

// NewClient builds a Redis client for redisURL with a pool of poolSize
// connections (20 when poolSize <= 0).
func NewClient(redisURL string, poolSize int, clk clock.Clock) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}

	if poolSize <= 0 {
		poolSize = 20
	}
	opts.PoolSize = poolSize
	opts.MinIdleConns = 2
	opts.ConnMaxIdleTime = 10 * time.Minute
	opts.PoolTimeout = 5 * time.Second
	opts.MaxRetries = 0 // no command retries: errors propagate to the caller
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 10 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.ContextTimeoutEnabled = true

	rc := redis.NewClient(opts)

	if clk == nil {
		clk = clock.Real{}
	}

	return &Client{
		redis:      rc,
		clock:      clk,
		queuesKey:  "queues",
		backupsKey: "kiq:backups",
	}, nil
}

// NewClientFromRedis wraps an already-constructed go-redis client, for
// callers (and tests) that want to share a connection or point at
// miniredis directly.
func NewClientFromRedis(rc *redis.Client, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Client{redis: rc, clock: clk, queuesKey: "queues", backupsKey: "kiq:backups"}
}

func queueKey(name string) string  { return "queue:" + name }
func uniqueKey(token string) string { return "unique:" + token }
func backupKey(name, nodeID string) string {
	return "queue:" + name + ":" + nodeID
}

func nowSeconds(clk clock.Clock) float64 {
	return float64(clk.Now().UnixNano()) / 1e9
}

// Enqueue stores a job. If job.At is present and in the future, it is
// added to the "schedule" sorted set; otherwise it is pushed to the
// head of its queue list and the queue name is registered in the known
// set. If the job carries UniqueFor, a NX+PX advisory lock guards
// against a duplicate: on contention the enqueue is suppressed and the
// existing holder's job is returned.
func (c *Client) Enqueue(ctx context.Context, j *job.Job) (*job.Job, error) {
	now := nowSeconds(c.clock)
	if j.CreatedAt == 0 {
		j.CreatedAt = now
	}

	if j.UniqueFor > 0 {
		if err := j.ApplyUnique(); err != nil {
			return nil, fmt.Errorf("queue: apply unique: %w", err)
		}
		acquired, holder, err := c.acquireUnique(ctx, j)
		if err != nil {
			return nil, fmt.Errorf("queue: acquire unique lock: %w", err)
		}
		if !acquired {
			returned := j.Clone()
			returned.JID = holder
			return returned, nil
		}
		ttl := time.Duration(j.UniqueFor) * time.Millisecond
		j.UnlocksAt = c.clock.Now().Add(ttl).UnixMilli()
	}

	if j.At > 0 && j.At > now {
		payload, err := j.Encode()
		if err != nil {
			return nil, fmt.Errorf("queue: encode job: %w", err)
		}
		if err := c.redis.ZAdd(ctx, "schedule", redis.Z{Score: j.At, Member: payload}).Err(); err != nil {
			return nil, fmt.Errorf("queue: schedule job: %w", err)
		}
		return j, nil
	}

	j.EnqueuedAt = now
	payload, err := j.Encode()
	if err != nil {
		return nil, fmt.Errorf("queue: encode job: %w", err)
	}

	pipe := c.redis.TxPipeline()
	pipe.LPush(ctx, queueKey(j.Queue), payload)
	pipe.SAdd(ctx, c.queuesKey, j.Queue)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: enqueue job: %w", err)
	}
	return j, nil
}

// acquireUnique attempts to create unique:<token> with value jid and
// TTL unique_for. It returns (true, "", nil) on success, or
// (false, holderJID, nil) if another job already holds the lock.
func (c *Client) acquireUnique(ctx context.Context, j *job.Job) (bool, string, error) {
	ttl := time.Duration(j.UniqueFor) * time.Millisecond
	ok, err := c.redis.SetNX(ctx, uniqueKey(j.UniqueToken), j.JID, ttl).Result()
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "", nil
	}
	holder, err := c.redis.Get(ctx, uniqueKey(j.UniqueToken)).Result()
	if err != nil && err != redis.Nil {
		return false, "", err
	}
	return false, holder, nil
}

// dequeueScript moves up to ARGV[1] payloads from the tail of the
// source queue to the head of the node's backup list and returns them.
// A payload is, at every instant, in exactly one of: the main list, one
// node's backup list, or nowhere (acknowledged).
var dequeueScript = redis.NewScript(`
local src = KEYS[1]
local dst = KEYS[2]
local count = tonumber(ARGV[1])
local moved = {}
for i = 1, count do
	local payload = redis.call('rpoplpush', src, dst)
	if not payload then
		break
	end
	table.insert(moved, payload)
end
return moved
`)

// Dequeue atomically moves up to count payloads from the tail of
// queue:<name> into the head of queue:<name>:<nodeID>, decodes them,
// and returns the jobs. This is the crash-safety primitive.
func (c *Client) Dequeue(ctx context.Context, name string, count int, nodeID string) ([]*job.Job, error) {
	if count <= 0 {
		return nil, nil
	}
	bk := backupKey(name, nodeID)
	res, err := dequeueScript.Run(ctx, c.redis, []string{queueKey(name), bk}, count).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	if err := c.redis.SAdd(ctx, c.backupsKey, bk).Err(); err != nil {
		return nil, fmt.Errorf("queue: track backup list: %w", err)
	}

	jobs := make([]*job.Job, 0, len(res))
	for _, payload := range res {
		j, err := job.Decode([]byte(payload))
		if err != nil {
			// Decode errors are reported by the caller (the producer)
			// as failure events with no job; still acknowledge the raw
			// payload here so it does not loop forever.
			_ = c.redis.LRem(ctx, bk, 1, payload).Err()
			jobs = append(jobs, nil)
			continue
		}
		j.StampBackupPayload([]byte(payload))
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Acknowledge removes the job's payload from its node's backup list,
// matching the exact payload bytes, first occurrence from the head.
func (c *Client) Acknowledge(ctx context.Context, name, nodeID string, j *job.Job) error {
	payload, err := payloadFor(j)
	if err != nil {
		return err
	}
	if err := c.redis.LRem(ctx, backupKey(name, nodeID), 1, payload).Err(); err != nil {
		return fmt.Errorf("queue: acknowledge: %w", err)
	}
	return nil
}

// descheduleScript atomically pops every member of a sorted set whose
// score is <= ARGV[1] and pushes each into its target queue list
// (extracted from the payload's own "queue" field), guaranteeing
// at-most-once migration even under concurrent schedulers.
var descheduleScript = redis.NewScript(`
local set = KEYS[1]
local queuesKey = KEYS[2]
local now = ARGV[1]
local members = redis.call('zrangebyscore', set, '-inf', now)
local moved = 0
for i, payload in ipairs(members) do
	local removed = redis.call('zrem', set, payload)
	if removed == 1 then
		local decoded = cjson.decode(payload)
		local q = decoded['queue']
		if not q or q == '' then
			q = 'default'
		end
		redis.call('lpush', 'queue:' .. q, payload)
		redis.call('sadd', queuesKey, q)
		moved = moved + 1
	end
end
return moved
`)

// Deschedule atomically moves every due entry of the named sorted set
// into its target queue list. Returns the count moved.
func (c *Client) Deschedule(ctx context.Context, setName string, now float64) (int, error) {
	moved, err := descheduleScript.Run(ctx, c.redis, []string{setName, c.queuesKey}, now).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: deschedule %s: %w", setName, err)
	}
	return moved, nil
}

// Retry re-inserts an already-updated job into the "retry" sorted set,
// scored by job.At (which the caller, the retryer reporter, has already
// set to now+backoff).
func (c *Client) Retry(ctx context.Context, j *job.Job) error {
	payload, err := j.Encode()
	if err != nil {
		return fmt.Errorf("queue: encode job for retry: %w", err)
	}
	if err := c.redis.ZAdd(ctx, "retry", redis.Z{Score: j.At, Member: payload}).Err(); err != nil {
		return fmt.Errorf("queue: retry: %w", err)
	}
	return nil
}

// unlockScript deletes unique:<token> only if its value still equals
// the job's jid, so a racing holder's lock is never released.
var unlockScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
else
	return 0
end
`)

// Unlock releases the unique lock held by j, if it is still the holder.
func (c *Client) Unlock(ctx context.Context, j *job.Job) error {
	if j.UniqueToken == "" {
		return nil
	}
	if err := unlockScript.Run(ctx, c.redis, []string{uniqueKey(j.UniqueToken)}, j.JID).Err(); err != nil {
		return fmt.Errorf("queue: unlock: %w", err)
	}
	return nil
}

// ClearAll removes every core-managed key: every queue list, every
// known backup list, both scheduled sets, every unique:* key (found by
// SCAN), and the bookkeeping sets themselves.
func (c *Client) ClearAll(ctx context.Context) error {
	queues, err := c.redis.SMembers(ctx, c.queuesKey).Result()
	if err != nil {
		return fmt.Errorf("queue: list known queues: %w", err)
	}
	backups, err := c.redis.SMembers(ctx, c.backupsKey).Result()
	if err != nil {
		return fmt.Errorf("queue: list known backups: %w", err)
	}

	keys := make([]string, 0, len(queues)+len(backups)+3)
	for _, q := range queues {
		keys = append(keys, queueKey(q))
	}
	keys = append(keys, backups...)
	keys = append(keys, "schedule", "retry", c.queuesKey, c.backupsKey)

	iter := c.redis.Scan(ctx, 0, uniqueKey("*"), 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("queue: list unique keys: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("queue: clear all: %w", err)
	}
	return nil
}

// KnownQueues returns the set of queue names that have ever been
// enqueued to, used by the supervisor's crash-recovery pass.
func (c *Client) KnownQueues(ctx context.Context) ([]string, error) {
	queues, err := c.redis.SMembers(ctx, c.queuesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list known queues: %w", err)
	}
	return queues, nil
}

// ResurrectBackup moves every payload in queue:<name>:<nodeID> to the
// tail of queue:<name>, preserving order, then removes the backup key.
// Used once at boot to recover work in flight when the process crashed.
func (c *Client) ResurrectBackup(ctx context.Context, name, nodeID string) (int, error) {
	bk := backupKey(name, nodeID)
	payloads, err := c.redis.LRange(ctx, bk, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: read backup list: %w", err)
	}
	if len(payloads) == 0 {
		return 0, nil
	}

	pipe := c.redis.TxPipeline()
	// LRange returns head-to-tail; RPush each in that order onto the
	// tail of the main queue preserves the original order.
	for _, p := range payloads {
		pipe.RPush(ctx, queueKey(name), p)
	}
	pipe.Del(ctx, bk)
	pipe.SRem(ctx, c.backupsKey, bk)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: resurrect backup: %w", err)
	}
	return len(payloads), nil
}

// QueueDepth returns the length of queue:<name>, for metrics.
func (c *Client) QueueDepth(ctx context.Context, name string) (int64, error) {
	n, err := c.redis.LLen(ctx, queueKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}

// Close releases the underlying Redis connection pool.
func (c *Client) Close() error {
	if err := c.redis.Close(); err != nil {
		return fmt.Errorf("queue: close: %w", err)
	}
	return nil
}

func payloadFor(j *job.Job) ([]byte, error) {
	if p := j.BackupPayload(); p != nil {
		return p, nil
	}
	return j.Encode()
}
