package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bakerst/bakerst/internal/agent"
	"github.com/bakerst/bakerst/internal/brain"
	"github.com/bakerst/bakerst/internal/bus"
	"github.com/bakerst/bakerst/internal/config"
	"github.com/bakerst/bakerst/internal/dispatch"
	"github.com/bakerst/bakerst/internal/mcp"
	"github.com/bakerst/bakerst/internal/memory"
	"github.com/bakerst/bakerst/internal/observability"
	"github.com/bakerst/bakerst/internal/observer"
	"github.com/bakerst/bakerst/internal/plugins"
	"github.com/bakerst/bakerst/internal/registry"
	"github.com/bakerst/bakerst/internal/router"
	"github.com/bakerst/bakerst/internal/scheduler"
	"github.com/bakerst/bakerst/internal/server"
	"github.com/bakerst/bakerst/internal/skills"
	"github.com/bakerst/bakerst/internal/store"
)

// runServe wires the whole brain together and serves until shutdown.
func runServe(ctx context.Context, debug bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.LogLevel = "debug"
	}

	logs := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	log := logs.Slog()
	log.Info("starting brain",
		"version", version,
		"brain_version", cfg.BrainVersion,
		"role", cfg.BrainRole,
		"port", cfg.Port,
	)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	_, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "bakerst",
		ServiceVersion: cfg.BrainVersion,
		Endpoint:       cfg.OTELEndpoint,
		EnableInsecure: true,
	})
	defer stopTracer(context.Background())

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	busClient, err := bus.Connect(ctx, cfg.NATSURL, "bakerst-brain", log)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	rt, err := buildRouter(cfg, log, metrics)
	if err != nil {
		return err
	}
	if cfg.RouterConfigPath != "" {
		err := config.WatchRouterConfig(ctx, cfg.RouterConfigPath, log, func(rc *config.RouterConfig) {
			if err := rt.ReplaceConfig(rc); err != nil {
				log.Warn("router config rejected", "error", err)
			}
		})
		if err != nil {
			log.Warn("router config watch unavailable", "error", err)
		}
	}

	skillReg := skills.NewRegistry(st, log)
	if err := skillReg.LoadEnabled(ctx); err != nil {
		log.Warn("skill loading incomplete", "error", err)
	}
	defer skillReg.Shutdown()

	dispatcher := dispatch.NewDispatcher(st, busClient, log, metrics)
	unified := registry.NewUnified(skillReg, []plugins.Provider{
		plugins.NewUtilPlugin(),
		plugins.NewJobsPlugin(dispatcher, st),
	}, log, metrics)

	obs := observer.New(st, rt, log, metrics)
	ag := agent.New(st, rt, unified, memory.NewBuilder(st), memory.NewKeywordSearcher(st), obs, log, metrics)
	ag.SystemPrompt = defaultSystemPrompt(cfg.AgentName)

	tracker := dispatch.NewStatusTracker(st, log, metrics)
	if err := tracker.Start(busClient); err != nil {
		return fmt.Errorf("failed to start status tracker: %w", err)
	}
	defer tracker.Stop()

	hostname, _ := os.Hostname()
	worker := dispatch.NewWorker("brain-"+hostname, busClient, rt, log, metrics,
		dispatch.WorkerOptions{JobTimeout: cfg.JobTimeout})
	consumer, err := busClient.WorkerConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create worker consumer: %w", err)
	}
	go func() {
		if err := worker.Run(ctx, consumer); err != nil {
			log.Error("worker stopped", "error", err)
		}
	}()

	sched := scheduler.New(st, dispatcher, log)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	machine := brain.NewMachine(cfg.BrainRole, cfg.BrainVersion, log, metrics)
	if cfg.TransferEnabled {
		transfer := brain.NewTransfer(machine, st, busClient, log, cfg.DrainTimeout)
		if err := transfer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start transfer handler: %w", err)
		}
		defer transfer.Stop()
	}
	heartbeat := brain.NewHeartbeat("brain-"+hostname, busClient, machine, log)
	go heartbeat.Run(ctx)

	monitor := brain.NewMonitor(busClient, log)
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("failed to start fabric monitor: %w", err)
	}
	defer monitor.Stop()

	srv := server.New(machine, ag, dispatcher, st, sched, skillReg,
		mcp.NewRegistryClient(""), promReg, log, server.Options{
			AuthToken:   cfg.AuthToken,
			CORSOrigins: cfg.CORSOrigins,
			AgentName:   cfg.AgentName,
			Version:     cfg.BrainVersion,
		})
	return srv.Run(ctx, fmt.Sprintf(":%d", cfg.Port))
}

// buildRouter constructs the model router from the YAML file when configured,
// otherwise from environment credentials.
func buildRouter(cfg *config.Config, log *slog.Logger, metrics *observability.Metrics) (*router.Router, error) {
	rc := config.DefaultRouterConfig(cfg)
	if cfg.RouterConfigPath != "" {
		loaded, err := config.LoadRouterConfig(cfg.RouterConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load router config: %w", err)
		}
		rc = loaded
	}
	rt, err := router.New(rc, log, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build router: %w", err)
	}
	return rt, nil
}

func defaultSystemPrompt(agentName string) string {
	return fmt.Sprintf(`You are %s, a personal assistant.

You can call tools to run background jobs, check their status, and use any
skills the user has connected. Prefer dispatching long-running work as jobs
over doing it inline. Be concise and direct.`, agentName)
}
