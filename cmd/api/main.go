// Package main provides a minimal admin/status HTTP surface: queue
// depths, dead-set size, and in-process metrics, read-only.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"time"

	"github.com/joblet/joblet/internal/config"
	"github.com/joblet/joblet/internal/logger"
	"github.com/joblet/joblet/internal/metrics"
	"github.com/joblet/joblet/internal/queue"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
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

	// Set as default logger
	logger.SetDefault(log)

	// Create component-specific logger
	apiLog := log.WithComponent(logger.ComponentAPI).WithSource(logger.LogSourceInternal)

	apiLog.Info("API server starting",
		"redis_url", cfg.RedisURL,
		"api_port", cfg.APIPort,
		"job_timeout", cfg.JobTimeout,
		"max_retries", cfg.Processor.MaxRetries)

	store, err := queue.NewClient(cfg.RedisURL, queue.Options{Namespace: cfg.Namespace})
	if err != nil {
		apiLog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			apiLog.Error("Failed to close Redis client", "error", err)
		}
	}()

	// Start pprof server on separate port for profiling
	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6060"
	}
	go func() {
		apiLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		pprofServer := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := pprofServer.ListenAndServe(); err != nil {
			apiLog.Error("pprof server failed", "error", err)
		}
	}()

	mainMux := http.NewServeMux()
	mainMux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintf(w, "joblet admin API")
	})

	mainMux.HandleFunc("/metrics/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(metrics.GetMetrics())
	})

	mainMux.HandleFunc("/status/queues", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		queues, err := store.KnownQueues(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		depths := make(map[string]int64, len(queues))
		for _, q := range queues {
			depth, err := store.QueueDepth(ctx, q)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			depths[q] = depth
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(depths)
	})

	mainMux.HandleFunc("/status/dead", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		size, err := store.DeadSetSize(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{"dead_set_size": size})
	})

	mainMux.HandleFunc("/status/processes", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		identities, err := store.ActiveProcesses(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"active_processes": identities})
	})

	addr := ":" + cfg.APIPort
	apiLog.Info("API server listening", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           mainMux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if err := server.ListenAndServe(); err != nil {
		apiLog.Error("API server failed", "error", err)
		os.Exit(1)
	}
}
