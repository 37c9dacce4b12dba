// Package main runs a kiq worker node: it resurrects any work left
// over from a previous crash, then runs one pipeline per configured
// queue plus the cron and due-set schedulers until told to stop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brightloop/kiq/internal/clock"
	"github.com/brightloop/kiq/internal/config"
	"github.com/brightloop/kiq/internal/logger"
	"github.com/brightloop/kiq/internal/metrics"
	"github.com/brightloop/kiq/internal/pipeline"
	"github.com/brightloop/kiq/internal/queue"
	"github.com/brightloop/kiq/internal/reporter"
	"github.com/brightloop/kiq/internal/result"
	"github.com/brightloop/kiq/internal/scheduler"
	"github.com/brightloop/kiq/internal/supervisor"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	workerLog := log.WithComponent(logger.ComponentSupervisor).WithSource(logger.LogSourceInternal)
	workerLog.Info("worker starting",
		"node_id", cfg.NodeID, "queues", len(cfg.Queues), "job_timeout", cfg.JobTimeout,
		"redis_url", cfg.RedisURL)

	if !cfg.Server {
		workerLog.Info("server mode disabled; not starting pipelines, schedulers or supervisor")
		return
	}

	pprofPort := os.Getenv("KIQ_PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6061"
	}
	go func() {
		workerLog.Info("starting pprof server", "port", pprofPort)
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			workerLog.Error("pprof server failed", "error", err.Error())
		}
	}()

	clk := clock.Real{}
	qc, err := queue.NewClient(cfg.RedisURL, cfg.RedisPoolSize, clk)
	if err != nil {
		workerLog.Error("failed to connect to redis", "error", err.Error())
		os.Exit(1)
	}
	defer func() {
		if err := qc.Close(); err != nil {
			workerLog.Error("failed to close redis queue client", "error", err.Error())
		}
	}()

	reporters := []reporter.Reporter{
		reporter.NewRetryer(qc, clk, clock.NewRealRandom()),
		reporter.NewUnlocker(qc),
		reporter.NewPruner(qc),
	}

	var resultBackend result.Backend
	if cfg.ResultBackendEnabled {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			workerLog.Error("failed to parse redis url for result backend", "error", err.Error())
			os.Exit(1)
		}
		resultBackend = result.NewRedisBackend(redis.NewClient(opts), cfg.ResultBackendTTLSuccess, cfg.ResultBackendTTLFailure)
		reporters = append(reporters, reporter.NewResultReporter(resultBackend, clk))
		workerLog.Info("result backend enabled",
			"success_ttl", cfg.ResultBackendTTLSuccess, "failure_ttl", cfg.ResultBackendTTLFailure)
	}
	reporters = append(reporters, reporter.NewLoggerReporter(log))
	chain := reporter.NewChain(log, reporters...)

	registry := pipeline.NewRegistry()
	registerExampleHandlers(registry)
	workerLog.Info("registered job handlers", "count", registry.Count())

	queues := make([]supervisor.QueueConfig, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		queues = append(queues, supervisor.QueueConfig{Name: q.Name, Concurrency: q.Concurrency})
	}

	svCfg := supervisor.Config{
		NodeID:                cfg.NodeID,
		Queues:                queues,
		SchedulerSets:         cfg.SchedulerSets,
		JobTimeout:            cfg.JobTimeout,
		CronSchedulerEnabled:  cfg.CronSchedulerEnabled,
		CronSchedulerInterval: cfg.CronSchedulerInterval,
	}
	sv := supervisor.New(svCfg, qc, registry, chain, log)

	if cfg.CronSchedulerEnabled {
		cronRegistry := scheduler.NewRegistry()
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			workerLog.Error("failed to parse redis url for cron scheduler", "error", err.Error())
			os.Exit(1)
		}
		cs := scheduler.NewCronScheduler(cronRegistry, qc, redis.NewClient(opts), cfg.CronSchedulerInterval)
		sv.WithCronScheduler(cs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := sv.Start(ctx); err != nil {
		workerLog.Error("supervisor failed to start", "error", err.Error())
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := metrics.GetMetrics()
				workerLog.Info("system metrics",
					"jobs_started", m.TotalJobsStarted,
					"jobs_completed", m.TotalJobsCompleted,
					"jobs_failed", m.TotalJobsFailed,
					"avg_duration_ms", m.AvgJobDuration.Milliseconds(),
					"worker_utilization", fmt.Sprintf("%.1f%%", m.WorkerUtilization),
					"error_rate", fmt.Sprintf("%.2f%%", m.ErrorRate),
					"uptime", m.Uptime.String())
			}
		}
	}()

	sig := <-sigChan
	workerLog.Info("received shutdown signal, initiating graceful shutdown", "signal", sig.String())

	cancel()
	sv.Stop()

	workerLog.Info("worker shut down successfully")
}

// registerExampleHandlers wires up a couple of illustrative job classes.
// Replace with the classes your application actually performs.
func registerExampleHandlers(registry *pipeline.Registry) {
	registry.Register("CountItems", func(ctx context.Context, args json.RawMessage) error {
		var items []string
		if err := json.Unmarshal(args, &items); err != nil {
			return err
		}
		logger.InfoContext(ctx, "counted items", "count", len(items))
		return nil
	})

	registry.Register("SendEmail", func(ctx context.Context, args json.RawMessage) error {
		var email struct {
			To      string `json:"to"`
			Subject string `json:"subject"`
		}
		if err := json.Unmarshal(args, &email); err != nil {
			return err
		}
		logger.InfoContext(ctx, "sending email", "to", email.To, "subject", email.Subject)
		return nil
	})
}
