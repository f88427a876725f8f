// Orchestrator Scheduler — фоновые workers планировщика.
//
// Scheduler:
//   - Создаёт tasks по расписаниям
//   - Истекает невзятые и зависшие tasks, создаёт повторы
//   - Удаляет старые финальные tasks и schedules
//
// Worker'ы опрашивают хранилище по тикам; события из RabbitMQ
// будят их раньше.
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
	"github.com/NangoHQ/nango-sub018/internal/mq"
	"github.com/NangoHQ/nango-sub018/internal/orchestrator"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/NangoHQ/nango-sub018/internal/scheduler"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("orchestrator-scheduler")
	logger.Info("starting orchestrator-scheduler")

	common := config.LoadCommon()
	cfg := config.LoadScheduler()

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

	events := scheduler.NewEventBus(logger)
	sched := scheduler.New(scheduler.Config{
		Store:    store,
		Events:   events,
		Logger:   logger,
		Defaults: scheduler.TaskDefaults(cfg.Defaults),
		Backoff: scheduler.BackoffPolicy{
			Initial: common.RetryBackoff,
			Max:     common.RetryBackoffMax,
		},
	})

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
			// Tasks, созданные monitor'ом и расписаниями, видны остальным сервисам
			events.SubscribeAll(mq.NewPublisher(mqConn, logger).TaskListener())
		}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Scheduler:      sched,
		Conn:           mqConn,
		SchedulingTick: cfg.SchedulingTick,
		MonitorTick:    cfg.MonitorTick,
		CleanupTick:    cfg.CleanupTick,
		BatchSize:      cfg.BatchSize,
		Monitor: scheduler.MonitorConfig{
			BatchSize: cfg.BatchSize,
		},
		Cleaner: scheduler.CleanerConfig{
			Retention: cfg.Retention,
			Budget:    cfg.CleanupBudget,
			BatchSize: cfg.BatchSize,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
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

	orch.Stop()
	logger.Info("orchestrator-scheduler stopped")
}
