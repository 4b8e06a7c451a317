package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bakerst/bakerst/internal/bus"
	"github.com/bakerst/bakerst/internal/config"
	"github.com/bakerst/bakerst/internal/dispatch"
	"github.com/bakerst/bakerst/internal/observability"
)

// runWorkerPool runs count workers against the shared JetStream consumer
// until a shutdown signal arrives.
func runWorkerPool(ctx context.Context, count int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logs := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	log := logs.Slog()
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	busClient, err := bus.Connect(ctx, cfg.NATSURL, "bakerst-worker", log)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	rt, err := buildRouter(cfg, log, metrics)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	log.Info("starting worker pool", "count", count, "nats_url", cfg.NATSURL)

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		worker := dispatch.NewWorker(fmt.Sprintf("%s-%d", hostname, i), busClient, rt, log, metrics,
			dispatch.WorkerOptions{JobTimeout: cfg.JobTimeout})
		consumer, err := busClient.WorkerConsumer(ctx)
		if err != nil {
			return fmt.Errorf("failed to create worker consumer: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Run(ctx, consumer); err != nil {
				log.Error("worker stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	log.Info("worker pool stopped")
	return nil
}
