// Package main runs the standalone scheduler process: the cron-schedule
// driver and the scheduled/retry-set poller, without any processors.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joblet/joblet/internal/config"
	"github.com/joblet/joblet/internal/cronjob"
	"github.com/joblet/joblet/internal/logger"
	"github.com/joblet/joblet/internal/poller"
	"github.com/joblet/joblet/internal/queue"
	"github.com/redis/go-redis/v9"
)

func connectWithRetry(redisURL string, namespace string, maxRetries int, log logger.Logger) (*queue.Client, error) {
	var store *queue.Client
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		store, err = queue.NewClient(redisURL, queue.Options{Namespace: namespace})
		if err == nil {
			return store, nil
		}

		// #nosec G115 - attempt is bounded by maxRetries parameter, overflow not possible
		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}

		log.Warn("Failed to connect to Redis, retrying",
			"attempt", attempt+1,
			"max_attempts", maxRetries,
			"error", err,
			"retry_in", delay)

		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries, err)
}

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

	schedulerLog := log.WithComponent(logger.ComponentScheduler).WithSource(logger.LogSourceInternal)
	schedulerLog.Info("Scheduler starting",
		"redis_url", cfg.RedisURL,
		"max_retries", cfg.Processor.MaxRetries)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6062"
	}
	go func() {
		schedulerLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			schedulerLog.Error("pprof server failed", "error", err)
		}
	}()

	store, err := connectWithRetry(cfg.RedisURL, cfg.Namespace, 5, schedulerLog)
	if err != nil {
		schedulerLog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			schedulerLog.Error("Failed to close Redis client", "error", err)
		}
	}()
	schedulerLog.Info("Successfully connected to Redis")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var scheduler *cronjob.CronScheduler
	if cfg.CronSchedulerEnabled {
		registry := cronjob.NewRegistry()

		// Applications register their own periodic schedules here, e.g.:
		// registry.MustRegister(&cronjob.Schedule{
		// 	ID:       "daily-report",
		// 	Cron:     "0 0 * * *",
		// 	Class:    "generate_report",
		// 	Queue:    "default",
		// 	Priority: job.PriorityNormal,
		// 	Enabled:  true,
		// })

		scheduler = cronjob.NewCronScheduler(registry, store, store.Redis(), cfg.CronSchedulerInterval)
		schedulerLog.Info("Cron scheduler initialized",
			"interval", cfg.CronSchedulerInterval,
			"schedules", registry.Count())

		go scheduler.Start(ctx)
	}

	p := poller.New(store, poller.Options{
		AverageInterval: cfg.Processor.AverageScheduledPollInterval,
		BatchSize:       cfg.Processor.PromoteBatchSize,
	}, log.WithComponent(logger.ComponentScheduler))
	p.Start(ctx)
	schedulerLog.Info("Scheduled-set poller started", "average_interval", cfg.Processor.AverageScheduledPollInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	schedulerLog.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)

	cancel()
	p.Stop()

	schedulerLog.Info("Scheduler shut down successfully")
}
