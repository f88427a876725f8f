// Orchestrator Standalone — API, scheduler и fleet supervisor в одном
// процессе для локальной разработки.
//
// Данные хранятся в памяти процесса, runners запускаются локальными
// процессами (LOCAL_RUNNER_CMD). События идут через общий EventBus,
// без RabbitMQ и Redis.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/NangoHQ/nango-sub018/internal/api"
	"github.com/NangoHQ/nango-sub018/internal/config"
	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/fleet/local"
	"github.com/NangoHQ/nango-sub018/internal/fleet/setup"
	"github.com/NangoHQ/nango-sub018/internal/notify"
	"github.com/NangoHQ/nango-sub018/internal/orchestrator"
	"github.com/NangoHQ/nango-sub018/internal/repo/memrepo"
	"github.com/NangoHQ/nango-sub018/internal/scheduler"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("orchestrator-standalone")
	logger.Info("starting orchestrator-standalone")

	common := config.LoadCommon()
	apiCfg := config.LoadAPI()
	schedCfg := config.LoadScheduler()
	fleetCfg := config.LoadFleet()
	fleetCfg.Provider = setup.Local
	fleetCfg.APIURL = "http://localhost:" + apiCfg.Port

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := memrepo.New()
	events := scheduler.NewEventBus(logger)
	sched := scheduler.New(scheduler.Config{
		Store:    store,
		Events:   events,
		Logger:   logger,
		Defaults: scheduler.TaskDefaults(apiCfg.Defaults),
		Backoff: scheduler.BackoffPolicy{
			Initial: common.RetryBackoff,
			Max:     common.RetryBackoffMax,
		},
	})

	notifier := notify.NewLocal()
	events.Subscribe(domain.TaskStateCreated, notify.TaskListener(notifier))

	provider, err := setup.Provider(ctx, fleetCfg, logger)
	if err != nil {
		logger.Error("failed to create node provider", "error", err)
		os.Exit(1)
	}
	fl := setup.Fleet(fleetCfg, store, provider, logger)
	if fleetCfg.OverridesFile != "" {
		if _, err := fl.LoadOverridesFile(ctx, fleetCfg.OverridesFile); err != nil {
			logger.Error("failed to load overrides", "path", fleetCfg.OverridesFile, "error", err)
			os.Exit(1)
		}
	}

	// Scheduler workers
	orch, err := orchestrator.New(orchestrator.Config{
		Scheduler:      sched,
		SchedulingTick: schedCfg.SchedulingTick,
		MonitorTick:    schedCfg.MonitorTick,
		CleanupTick:    schedCfg.CleanupTick,
		BatchSize:      schedCfg.BatchSize,
		Monitor: scheduler.MonitorConfig{
			BatchSize: schedCfg.BatchSize,
		},
		Cleaner: scheduler.CleanerConfig{
			Retention: schedCfg.Retention,
			Budget:    schedCfg.CleanupBudget,
			BatchSize: schedCfg.BatchSize,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	// Fleet supervisor, будится созданием tasks через общий EventBus
	supervisor := setup.Supervisor(fleetCfg, store, provider, setup.Demand(fleetCfg, sched), logger)
	fleetRunner, err := orchestrator.NewFleetRunner(orchestrator.FleetConfig{
		Supervisor: supervisor,
		Tick:       fleetCfg.Tick,
		Events:     events,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create fleet runner", "error", err)
		os.Exit(1)
	}

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}
	if err := fleetRunner.Start(ctx); err != nil {
		logger.Error("failed to start fleet runner", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(api.Config{
		Scheduler:      sched,
		Fleet:          fl,
		Notifier:       notifier,
		MaxDequeueWait: apiCfg.MaxDequeueWait,
		Logger:         logger,
	})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	addr := ":" + apiCfg.Port
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), apiCfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	fleetRunner.Stop()
	orch.Stop()

	// Локальные runners не переживают процесс
	if lp, ok := provider.(*local.Provider); ok {
		if err := lp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to stop local runners", "error", err)
		}
	}
	logger.Info("orchestrator-standalone stopped")
}
