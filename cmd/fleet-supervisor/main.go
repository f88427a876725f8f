// Fleet Supervisor — поддерживает fleet runner-nodes.
//
// Supervisor:
//   - Сравнивает число nodes с потребностью из активных tasks
//   - Запускает, проверяет и останавливает nodes через провайдера
//   - Переводит nodes на новый deployment
//
// Тики идут по таймеру; новые tasks из RabbitMQ будят supervisor раньше.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/api"
	"github.com/NangoHQ/nango-sub018/internal/config"
	"github.com/NangoHQ/nango-sub018/internal/fleet/setup"
	"github.com/NangoHQ/nango-sub018/internal/mq"
	"github.com/NangoHQ/nango-sub018/internal/orchestrator"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/NangoHQ/nango-sub018/internal/scheduler"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("fleet-supervisor")

	common := config.LoadCommon()
	cfg := config.LoadFleet()
	logger = logger.With("fleet", cfg.Name)
	logger.Info("starting fleet-supervisor", "provider", cfg.Provider)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, repo.PoolConfig{DSN: common.DBURL})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := repo.NewPgStore(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	provider, err := setup.Provider(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create node provider", "error", err)
		os.Exit(1)
	}

	// Overrides из файла загружаются до первого тика
	if cfg.OverridesFile != "" {
		n, err := setup.Fleet(cfg, store, provider, logger).LoadOverridesFile(ctx, cfg.OverridesFile)
		if err != nil {
			logger.Error("failed to load overrides", "path", cfg.OverridesFile, "error", err)
			os.Exit(1)
		}
		logger.Info("overrides loaded", "path", cfg.OverridesFile, "count", n)
	}

	// Потребность считается по tasks в общем хранилище
	sched := scheduler.New(scheduler.Config{Store: store, Logger: logger})
	supervisor := setup.Supervisor(cfg, store, provider, setup.Demand(cfg, sched), logger)

	// RabbitMQ
	var mqConn *mq.Connection
	if common.RabbitMQURL != "" {
		mqConn, err = mq.NewConnection(mq.ConnectionConfig{URL: common.RabbitMQURL, Logger: logger})
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
			mqConn = nil
		} else {
			defer mqConn.Close()
			logger.Info("RabbitMQ connected")

			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
		}
	}

	runner, err := orchestrator.NewFleetRunner(orchestrator.FleetConfig{
		Supervisor: supervisor,
		Tick:       cfg.Tick,
		Conn:       mqConn,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create fleet runner", "error", err)
		os.Exit(1)
	}
	if err := runner.Start(ctx); err != nil {
		logger.Error("failed to start fleet runner", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", api.Healthz)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())

	addr := ":" + cfg.Port
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	runner.Stop()
	logger.Info("fleet-supervisor stopped")
}
