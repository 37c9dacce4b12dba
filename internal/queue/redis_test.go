package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/brightloop/kiq/internal/clock"
	"github.com/brightloop/kiq/internal/job"
)

func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis, *clock.Fake) {
	t.Helper()
	mr := miniredis.RunT(t)
	fake := clock.NewFake(time.Unix(1000, 0))

	c, err := NewClient("redis://"+mr.Addr(), 0, fake)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return c, mr, fake
}

func TestEnqueue_PushesToQueueList(t *testing.T) {
	c, mr, _ := setupTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	j := job.New("SendEmail", json.RawMessage(`[1,2]`))

	stored, err := c.Enqueue(ctx, j)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if stored.JID != j.JID {
		t.Errorf("expected jid %s, got %s", j.JID, stored.JID)
	}

	length, _ := mr.List(queueKey("default"))
	if len(length) != 1 {
		t.Fatalf("expected 1 entry in queue:default, got %d", len(length))
	}

	members, _ := mr.SMembers("queues")
	if len(members) != 1 || members[0] != "default" {
		t.Errorf("expected queues set to contain 'default', got %v", members)
	}
}

func TestEnqueue_Delayed(t *testing.T) {
	c, mr, fake := setupTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	j := job.New("SendEmail", json.RawMessage(`[]`))
	j.At = float64(fake.Now().Unix()) + 60

	if _, err := c.Enqueue(ctx, j); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	entries, _ := mr.List(queueKey("default"))
	if len(entries) != 0 {
		t.Errorf("expected no entry in queue:default, got %d", len(entries))
	}

	members, err := mr.ZMembers("schedule")
	if err != nil {
		t.Fatalf("expected schedule set to exist: %v", err)
	}
	if len(members) != 1 {
		t.Errorf("expected 1 member in schedule, got %d", len(members))
	}
}

func TestEnqueue_UniqueLockSuppressesDuplicate(t *testing.T) {
	c, mr, _ := setupTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	args := json.RawMessage(`{"to":"a@example.com"}`)

	j1 := job.New("SendEmail", args)
	j1.UniqueFor = 60000
	j1.UniqueUntil = job.UntilSuccess

	j2 := job.New("SendEmail", args)
	j2.UniqueFor = 60000
	j2.UniqueUntil = job.UntilSuccess

	first, err := c.Enqueue(ctx, j1)
	if err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}

	second, err := c.Enqueue(ctx, j2)
	if err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}

	if second.JID != first.JID {
		t.Errorf("expected suppressed enqueue to return holder's jid %s, got %s", first.JID, second.JID)
	}

	entries, _ := mr.List(queueKey("default"))
	if len(entries) != 1 {
		t.Errorf("expected exactly one list push, got %d", len(entries))
	}
}

func TestDequeue_MovesToBackupList(t *testing.T) {
	c, mr, _ := setupTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	j := job.New("SendEmail", json.RawMessage(`[]`))
	if _, err := c.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	jobs, err := c.Dequeue(ctx, "default", 5, "node-1")
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].JID != j.JID {
		t.Errorf("expected jid %s, got %s", j.JID, jobs[0].JID)
	}

	mainLen, _ := mr.List(queueKey("default"))
	if len(mainLen) != 0 {
		t.Errorf("expected main queue empty after dequeue, got %d", len(mainLen))
	}
	backupLen, _ := mr.List(backupKey("default", "node-1"))
	if len(backupLen) != 1 {
		t.Errorf("expected 1 entry in backup list, got %d", len(backupLen))
	}
}

func TestDequeue_EmptyQueue(t *testing.T) {
	c, mr, _ := setupTestClient(t)
	defer mr.Close()
	defer c.Close()

	jobs, err := c.Dequeue(context.Background(), "default", 5, "node-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(jobs))
	}
}

func TestAcknowledge_RemovesFromBackupList(t *testing.T) {
	c, mr, _ := setupTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	j := job.New("SendEmail", json.RawMessage(`[]`))
	c.Enqueue(ctx, j)
	jobs, _ := c.Dequeue(ctx, "default", 5, "node-1")

	if err := c.Acknowledge(ctx, "default", "node-1", jobs[0]); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	backupLen, _ := mr.List(backupKey("default", "node-1"))
	if len(backupLen) != 0 {
		t.Errorf("expected backup list empty, got %d", len(backupLen))
	}
}

func TestDeschedule_MovesDueEntries(t *testing.T) {
	c, mr, fake := setupTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	j := job.New("SendEmail", json.RawMessage(`[]`))
	j.Queue = "default"
	payload, _ := j.Encode()

	mr.ZAdd("schedule", 900, string(payload))

	moved, err := c.Deschedule(ctx, "schedule", float64(fake.Now().Unix()))
	if err != nil {
		t.Fatalf("deschedule failed: %v", err)
	}
	if moved != 1 {
		t.Errorf("expected 1 entry moved, got %d", moved)
	}

	entries, _ := mr.List(queueKey("default"))
	if len(entries) != 1 {
		t.Errorf("expected 1 entry in queue:default, got %d", len(entries))
	}

	remaining, _ := mr.ZMembers("schedule")
	if len(remaining) != 0 {
		t.Errorf("expected schedule set empty, got %d", len(remaining))
	}
}

func TestDeschedule_FutureEntriesUntouched(t *testing.T) {
	c, mr, fake := setupTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	j := job.New("SendEmail", json.RawMessage(`[]`))
	payload, _ := j.Encode()
	mr.ZAdd("schedule", float64(fake.Now().Unix())+3600, string(payload))

	moved, err := c.Deschedule(ctx, "schedule", float64(fake.Now().Unix()))
	if err != nil {
		t.Fatalf("deschedule failed: %v", err)
	}
	if moved != 0 {
		t.Errorf("expected 0 entries moved, got %d", moved)
	}
}

func TestRetry_PushesToRetrySet(t *testing.T) {
	c, mr, fake := setupTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	j := job.New("SendEmail", json.RawMessage(`[]`))
	j.RetryCount = 1
	j.At = float64(fake.Now().Unix()) + 30

	if err := c.Retry(ctx, j); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	members, err := mr.ZMembers("retry")
	if err != nil {
		t.Fatalf("expected retry set to exist: %v", err)
	}
	if len(members) != 1 {
		t.Errorf("expected 1 member in retry set, got %d", len(members))
	}
}

func TestUnlock_CompareAndDelete(t *testing.T) {
	c, mr, _ := setupTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	j := job.New("SendEmail", json.RawMessage(`{}`))
	j.UniqueFor = 60000
	if _, err := c.Enqueue(ctx, j); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := c.Unlock(ctx, j); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if mr.Exists(uniqueKey(j.UniqueToken)) {
		t.Error("expected unique key to be deleted")
	}
}

func TestUnlock_DoesNotReleaseAnotherHoldersLock(t *testing.T) {
	c, mr, _ := setupTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	j := job.New("SendEmail", json.RawMessage(`{}`))
	j.UniqueFor = 60000
	j.ApplyUnique()

	// Another holder owns the key.
	mr.Set(uniqueKey(j.UniqueToken), "someone-else-jid")

	if err := c.Unlock(ctx, j); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if !mr.Exists(uniqueKey(j.UniqueToken)) {
		t.Error("expected another holder's lock to survive")
	}
}

func TestClearAll_RemovesEveryManagedKey(t *testing.T) {
	c, mr, _ := setupTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	j := job.New("SendEmail", json.RawMessage(`[]`))
	c.Enqueue(ctx, j)
	c.Dequeue(ctx, "default", 1, "node-1")

	if err := c.ClearAll(ctx); err != nil {
		t.Fatalf("clear all failed: %v", err)
	}

	if mr.Exists(queueKey("default")) {
		t.Error("expected queue:default to be removed")
	}
	if mr.Exists(backupKey("default", "node-1")) {
		t.Error("expected backup list to be removed")
	}
	if mr.Exists("queues") {
		t.Error("expected queues set to be removed")
	}
}

func TestResurrectBackup_PreservesOrder(t *testing.T) {
	c, mr, _ := setupTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	j1 := job.New("A", json.RawMessage(`[]`))
	j2 := job.New("B", json.RawMessage(`[]`))
	c.Enqueue(ctx, j1)
	c.Enqueue(ctx, j2)

	jobs, err := c.Dequeue(ctx, "default", 10, "node-1")
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs dequeued, got %d", len(jobs))
	}

	n, err := c.ResurrectBackup(ctx, "default", "node-1")
	if err != nil {
		t.Fatalf("resurrect failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 entries resurrected, got %d", n)
	}

	entries, _ := mr.List(queueKey("default"))
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries restored, got %d", len(entries))
	}

	restored1, err := job.Decode([]byte(entries[0]))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	restored2, err := job.Decode([]byte(entries[1]))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	// The main list is consumed from its tail, so the first job dequeued
	// before the crash sits last and is consumed first again.
	if restored1.JID != jobs[1].JID || restored2.JID != jobs[0].JID {
		t.Error("expected resurrection to preserve original order")
	}

	if mr.Exists(backupKey("default", "node-1")) {
		t.Error("expected backup list to be removed after resurrection")
	}
}

func TestQueueDepth(t *testing.T) {
	c, mr, _ := setupTestClient(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	c.Enqueue(ctx, job.New("A", json.RawMessage(`[]`)))
	c.Enqueue(ctx, job.New("B", json.RawMessage(`[]`)))

	depth, err := c.QueueDepth(ctx, "default")
	if err != nil {
		t.Fatalf("queue depth failed: %v", err)
	}
	if depth != 2 {
		t.Errorf("expected depth 2, got %d", depth)
	}
}

func TestNewClientFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rc.Close()

	c := NewClientFromRedis(rc, nil)
	if c == nil {
		t.Fatal("expected client to be created")
	}
}
