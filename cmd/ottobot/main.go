// Package main is the entry point for Ottobot. One binary runs either role:
// MODE=api serves the public gateway, MODE=worker executes session jobs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/agent"
	"github.com/ottobot/ottobot/internal/common/config"
	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/fabric"
	"github.com/ottobot/ottobot/internal/gateway"
	"github.com/ottobot/ottobot/internal/lifecycle"
	"github.com/ottobot/ottobot/internal/ports"
	"github.com/ottobot/ottobot/internal/queue"
	"github.com/ottobot/ottobot/internal/sandbox"
	"github.com/ottobot/ottobot/internal/session"
	"github.com/ottobot/ottobot/internal/store"
	"github.com/ottobot/ottobot/internal/worker"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Ottobot",
		zap.String("mode", cfg.Mode),
		zap.String("version", gateway.Version),
	)

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the coordination store
	s, err := store.NewRedisStore(ctx, cfg.Store, log)
	if err != nil {
		log.Fatal("Failed to connect coordination store", zap.Error(err))
	}
	defer s.Close()
	log.Info("Connected to coordination store", zap.String("addr", cfg.Store.Addr()))

	// 5. Shared coordination primitives
	registry := session.NewRegistry(s, cfg.Session.TimeoutDuration(), log)
	fab := fabric.New(s, log)
	defer fab.Close()
	q := queue.New(s, log)
	desktopPorts := ports.NewAllocator(s, ports.KindDesktop,
		cfg.Ports.DesktopStart, cfg.Ports.DesktopEnd, cfg.Ports.LeaseDuration(), log)
	toolPorts := ports.NewAllocator(s, ports.KindTool,
		cfg.Ports.ToolStart, cfg.Ports.ToolEnd, cfg.Ports.LeaseDuration(), log)

	switch cfg.Mode {
	case config.ModeAPI:
		runAPI(ctx, cancel, cfg, log, s, registry, fab, q, desktopPorts)
	case config.ModeWorker:
		runWorker(ctx, cancel, cfg, log, s, registry, fab, q, desktopPorts, toolPorts)
	default:
		log.Fatal("Unknown mode", zap.String("mode", cfg.Mode))
	}
}

// runAPI hosts the gateway plus the shared janitors: the delayed-job sweeper
// and the port reaper run here so exactly one process owns them in the
// reference deployment.
func runAPI(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, log *logger.Logger,
	s *store.RedisStore, registry *session.Registry, fab *fabric.Fabric, q *queue.Queue,
	desktopPorts *ports.Allocator) {

	// 6. Optional container engine, for health reporting and stale-sandbox reaping
	var supervisor *sandbox.Supervisor
	if rt, err := sandbox.NewDockerRuntime(cfg.Container.Host, log); err != nil {
		log.Warn("Container engine unavailable, sandbox health reporting disabled", zap.Error(err))
	} else if err := rt.Ping(ctx); err != nil {
		log.Warn("Container engine not responding, sandbox health reporting disabled", zap.Error(err))
		_ = rt.Close()
	} else {
		defer rt.Close()
		if supervisor, err = sandbox.NewSupervisor(rt, cfg.Container, log); err != nil {
			log.Fatal("Failed to build sandbox supervisor", zap.Error(err))
		}
		log.Info("Connected to container engine")
	}

	// 7. Queue janitor: promotes due retries, requeues stalled claims
	janitor := queue.NewJanitor(s, q, 5*time.Second, log)
	go janitor.Run(ctx)

	// 8. Port reaper: reconciles claims against live sessions
	reaper := ports.NewReaper(s, []ports.Kind{ports.KindDesktop, ports.KindTool},
		registry.Active, cfg.Ports.ReclaimIntervalDuration(), log)
	if supervisor != nil {
		reaper.AddHook(func(ctx context.Context) error {
			_, err := supervisor.ReapStale(ctx, registry.Active)
			return err
		})
	}
	go reaper.Run(ctx)

	// 9. HTTP server
	var sandboxPing func() error
	if supervisor != nil {
		sandboxPing = func() error {
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer pingCancel()
			return supervisor.Ping(pingCtx)
		}
	}
	handler := gateway.NewHandler(gateway.Params{
		Registry:    registry,
		Queue:       q,
		Fabric:      fab,
		Desktop:     desktopPorts,
		Store:       s,
		SandboxPing: sandboxPing,
		Server:      cfg.Server,
		Logger:      log,
	})
	server := gateway.NewServer(handler, cfg.Server, cfg.Gateway.CORSOrigins,
		cfg.Logging.Level == "debug", log)

	go func() {
		if err := server.Run(); err != nil {
			log.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	// 10. Wait for shutdown
	waitForSignal(ctx, log)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	log.Info("Ottobot API stopped")
}

// dispatcher defers handler binding so the worker id exists before the
// controller that needs it.
type dispatcher struct {
	controller *lifecycle.Controller
}

func (d *dispatcher) Handle(ctx context.Context, job *queue.Job) error {
	return d.controller.Handle(ctx, job)
}

// runWorker consumes session jobs: provisioning sandboxes, driving agent
// turns, and tearing sessions down.
func runWorker(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, log *logger.Logger,
	s *store.RedisStore, registry *session.Registry, fab *fabric.Fabric, q *queue.Queue,
	desktopPorts, toolPorts *ports.Allocator) {

	// 6. Container engine is mandatory for workers
	rt, err := sandbox.NewDockerRuntime(cfg.Container.Host, log)
	if err != nil {
		log.Fatal("Failed to connect container engine", zap.Error(err))
	}
	defer rt.Close()
	if err := rt.Ping(ctx); err != nil {
		log.Fatal("Container engine not responding", zap.Error(err))
	}
	supervisor, err := sandbox.NewSupervisor(rt, cfg.Container, log)
	if err != nil {
		log.Fatal("Failed to build sandbox supervisor", zap.Error(err))
	}
	log.Info("Connected to container engine", zap.String("image", cfg.Container.AgentImage))

	// 7. Agent runner
	agents := agent.NewRunner(agent.NewScriptedFactory(agent.ScriptedOptions{}), log)

	// 8. Worker runtime and lifecycle controller
	d := &dispatcher{}
	wrt := worker.NewRuntime(s, q, d, cfg.Worker, log)
	d.controller = lifecycle.New(lifecycle.Params{
		Registry:     registry,
		Fabric:       fab,
		Queue:        q,
		Sandboxes:    supervisor,
		Agents:       agents,
		DesktopPorts: desktopPorts,
		ToolPorts:    toolPorts,
		WorkerID:     wrt.ID(),
		SandboxHost:  cfg.Server.PublicHost,
		PurgeDelay:   cfg.Session.PurgeDelayDuration(),
		Logger:       log,
	})
	wrt.OnDrained(agents.CloseAll)

	done := make(chan error, 1)
	go func() { done <- wrt.Run(ctx) }()
	log.Info("Worker running",
		zap.String("worker_id", wrt.ID()),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)

	// 9. Wait for shutdown, then let the runtime drain
	waitForSignal(ctx, log)
	cancel()
	if err := <-done; err != nil && err != context.Canceled {
		log.Warn("Worker stopped with error", zap.Error(err))
	}
	log.Info("Ottobot worker stopped")
}

func waitForSignal(ctx context.Context, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}
}
