// Package main demonstrates the Embedding API: connect, enqueue a job,
// and optionally wait for its result, all without a running worker
// node sharing this process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/brightloop/kiq/pkg/kiq"
)

func main() {
	redisURL := flag.String("redis-url", "redis://localhost:6379", "Redis connection URL")
	class := flag.String("class", "SendEmail", "job class to enqueue")
	queueName := flag.String("queue", "", "queue override; empty uses the \"default\" queue")
	payload := flag.String("payload", "{}", "JSON payload for the job's args")
	in := flag.Duration("in", 0, "delay before the job becomes eligible")
	wait := flag.Duration("wait", 0, "if set, block for the job's result up to this timeout")
	flag.Parse()

	c, err := kiq.New(kiq.Config{
		RedisURL:             *redisURL,
		ResultBackendEnabled: *wait > 0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	var args interface{}
	if err := json.Unmarshal([]byte(*payload), &args); err != nil {
		fmt.Fprintf(os.Stderr, "invalid payload JSON: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	j, err := c.Enqueue(ctx, *class, args, kiq.EnqueueOptions{Queue: *queueName, In: *in})
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("enqueued %s jid=%s queue=%s\n", *class, j.JID, j.Queue)

	if *wait <= 0 {
		return
	}

	result, err := c.WaitForResult(ctx, j.JID, *wait)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wait for result: %v\n", err)
		os.Exit(1)
	}
	if result == nil {
		fmt.Fprintf(os.Stderr, "timed out waiting for result after %s\n", *wait)
		os.Exit(1)
	}
	fmt.Printf("result status=%s duration=%s\n", result.Status, result.Duration)
}
