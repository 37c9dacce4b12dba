package kiq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/brightloop/kiq/internal/job"
)

func TestNew_ConnectsSuccessfully(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := New(Config{RedisURL: "redis://" + s.Addr()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if c.queue == nil {
		t.Error("expected queue client to be initialized")
	}
}

func TestNew_RejectsMalformedURL(t *testing.T) {
	_, err := New(Config{RedisURL: "not-a-url://::::"})
	if err == nil {
		t.Error("expected error for malformed redis url")
	}
}

func TestEnqueue_StoresImmediateJob(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := New(Config{RedisURL: "redis://" + s.Addr()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	j, err := c.Enqueue(context.Background(), "SendEmail", map[string]string{"to": "a@b.com"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.JID == "" {
		t.Error("expected a non-empty jid")
	}
	if j.Class != "SendEmail" {
		t.Errorf("expected class SendEmail, got %s", j.Class)
	}
	if j.Queue != "default" {
		t.Errorf("expected default queue, got %s", j.Queue)
	}

	depth, err := c.queue.QueueDepth(context.Background(), "default")
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected queue depth 1, got %d", depth)
	}
}

func TestEnqueue_HonorsQueueOverride(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := New(Config{RedisURL: "redis://" + s.Addr()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	j, err := c.Enqueue(context.Background(), "ExportReport", nil, EnqueueOptions{Queue: "critical"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.Queue != "critical" {
		t.Errorf("expected critical queue, got %s", j.Queue)
	}
}

func TestEnqueue_WithInDelaysJob(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := New(Config{RedisURL: "redis://" + s.Addr()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	j, err := c.Enqueue(context.Background(), "DelayedJob", nil, EnqueueOptions{In: time.Hour})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.At <= float64(time.Now().Unix()) {
		t.Errorf("expected a future At timestamp, got %v", j.At)
	}

	depth, err := c.queue.QueueDepth(context.Background(), "default")
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 0 {
		t.Errorf("expected delayed job to skip the immediate queue, got depth %d", depth)
	}
}

func TestEnqueue_MarshalsPayload(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := New(Config{RedisURL: "redis://" + s.Addr()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	j, err := c.Enqueue(context.Background(), "EchoJob", map[string]int{"count": 3}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var decoded map[string]int
	if err := json.Unmarshal(j.Args, &decoded); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if decoded["count"] != 3 {
		t.Errorf("expected count 3, got %d", decoded["count"])
	}
}

func TestGetResult_NilWhenBackendDisabled(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := New(Config{RedisURL: "redis://" + s.Addr()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	res, err := c.GetResult(context.Background(), "whatever")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if res != nil {
		t.Error("expected nil result with result backend disabled")
	}
}

func TestWaitForResult_ErrorsWhenBackendDisabled(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := New(Config{RedisURL: "redis://" + s.Addr()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	_, err = c.WaitForResult(context.Background(), "whatever", 10*time.Millisecond)
	if err == nil {
		t.Error("expected error when result backend is disabled")
	}
}

func TestGetResult_ReturnsStoredResult(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := New(Config{RedisURL: "redis://" + s.Addr(), ResultBackendEnabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	j, err := c.Enqueue(context.Background(), "SomeJob", nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	fixture := &job.JobResult{JID: j.JID, Status: job.StatusCompleted, CompletedAt: time.Now()}
	if err := c.results.StoreResult(context.Background(), fixture); err != nil {
		t.Fatalf("StoreResult: %v", err)
	}

	res, err := c.GetResult(context.Background(), j.JID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if res == nil {
		t.Fatal("expected a stored result")
	}
	if res.JID != j.JID {
		t.Errorf("expected jid %s, got %s", j.JID, res.JID)
	}
}

func TestClearAll_RemovesEnqueuedJobs(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	c, err := New(Config{RedisURL: "redis://" + s.Addr()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if _, err := c.Enqueue(context.Background(), "Job", nil, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := c.ClearAll(context.Background()); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	depth, err := c.queue.QueueDepth(context.Background(), "default")
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 0 {
		t.Errorf("expected queue to be cleared, got depth %d", depth)
	}
}
