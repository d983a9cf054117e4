// Package main runs the job-processing server: a pool of processors
// pulling from configured queues, a scheduled-set poller, and the
// manager that keeps both alive and shuts them down gracefully.
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
	"github.com/joblet/joblet/internal/logger"
	"github.com/joblet/joblet/internal/manager"
	"github.com/joblet/joblet/internal/metrics"
	"github.com/joblet/joblet/internal/middleware"
	"github.com/joblet/joblet/internal/poller"
	"github.com/joblet/joblet/internal/processor"
	"github.com/joblet/joblet/internal/queue"
	"github.com/joblet/joblet/internal/registry"
	"github.com/joblet/joblet/internal/retry"
	"github.com/joblet/joblet/internal/worker"
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

	serverLog := log.WithComponent(logger.ComponentWorker).WithSource(logger.LogSourceInternal)
	serverLog.Info("Server starting",
		"concurrency", cfg.Processor.Concurrency,
		"queues", cfg.Processor.Queues,
		"strict", cfg.Processor.Strict,
		"redis_url", cfg.RedisURL)
	serverLog.Info("Processor configuration details", "config", cfg.Processor.String())

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6061"
	}
	go func() {
		serverLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			serverLog.Error("pprof server failed", "error", err)
		}
	}()

	store, err := queue.NewClient(cfg.RedisURL, queue.Options{Namespace: cfg.Namespace})
	if err != nil {
		serverLog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			serverLog.Error("Failed to close Redis client", "error", err)
		}
	}()

	reg := registry.New()
	// TODO: replace example handlers with the application's actual job handlers.
	reg.Register("count_items", worker.HandleCountItems)
	reg.Register("send_email", worker.HandleSendEmail)
	reg.Register("process_data", worker.HandleProcessData)
	serverLog.Info("Registered job handlers", "count", reg.Count())

	chain := middleware.NewChain()

	engine := retry.NewEngine(store, retry.Config{DefaultMaxAttempts: cfg.Processor.MaxRetries}, retry.Hooks{}, serverLog)

	hostname, _ := os.Hostname()
	identity := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	mgr := manager.New(manager.Options{
		Store:    store,
		Config:   cfg.Processor,
		Chain:    chain,
		Registry: reg,
		Engine:   engine,
		Reloader: processor.Identity,
		ErrorHandlers: []processor.ErrorHandler{
			func(ctx context.Context, payload []byte, cause error) {
				serverLog.Error("job error", "error", cause)
			},
		},
		Identity: identity,
	}, serverLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		serverLog.Error("Failed to start manager", "error", err)
		os.Exit(1)
	}

	schedulerPoller := poller.New(store, poller.Options{
		AverageInterval: cfg.Processor.AverageScheduledPollInterval,
		BatchSize:       cfg.Processor.PromoteBatchSize,
	}, serverLog)
	schedulerPoller.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := metrics.GetMetrics()
				serverLog.Info("System metrics",
					"jobs_started", m.TotalJobsProcessed,
					"jobs_completed", m.TotalJobsCompleted,
					"jobs_failed", m.TotalJobsFailed,
					"avg_duration_ms", m.AvgJobDuration.Milliseconds(),
					"error_rate", fmt.Sprintf("%.2f%%", m.ErrorRate),
					"uptime", m.Uptime.String(),
				)
			}
		}
	}()

	sig := <-sigChan
	serverLog.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)

	cancel()
	schedulerPoller.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Processor.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		serverLog.Error("Error during graceful shutdown", "error", err)
	}

	serverLog.Info("Server shut down successfully")
}
