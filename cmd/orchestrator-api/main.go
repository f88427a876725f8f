// Orchestrator API — HTTP API для producers, runners и fleet.
//
// API:
//   - Принимает tasks и schedules от producers
//   - Отдаёт tasks runners через long-poll dequeue
//   - Принимает heartbeats, результаты и регистрацию nodes
//
// Переходы tasks публикуются в RabbitMQ, пробуждение dequeue между
// инстансами идёт через Redis.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/NangoHQ/nango-sub018/internal/api"
	"github.com/NangoHQ/nango-sub018/internal/config"
	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/fleet/setup"
	"github.com/NangoHQ/nango-sub018/internal/mq"
	"github.com/NangoHQ/nango-sub018/internal/notify"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/NangoHQ/nango-sub018/internal/scheduler"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("orchestrator-api")
	logger.Info("starting orchestrator-api")

	common := config.LoadCommon()
	cfg := config.LoadAPI()
	fleetCfg := config.LoadFleet()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Подключаемся к базе данных
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
	logger.Info("connected to database")

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

	// Notifier: Redis между инстансами или только этот процесс
	var notifier notify.Notifier
	if common.RedisURL != "" {
		rn, err := notify.NewRedis(notify.RedisConfig{URL: common.RedisURL, Logger: logger})
		if err != nil {
			logger.Error("failed to create redis notifier", "error", err)
			os.Exit(1)
		}
		defer rn.Close()

		go func() {
			if err := rn.Run(ctx, nil); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("redis notifier stopped", "error", err)
			}
		}()
		notifier = rn
		logger.Info("redis notifier enabled")
	} else {
		notifier = notify.NewLocal()
	}
	events.Subscribe(domain.TaskStateCreated, notify.TaskListener(notifier))

	// RabbitMQ
	if common.RabbitMQURL != "" {
		conn, err := mq.NewConnection(mq.ConnectionConfig{URL: common.RabbitMQURL, Logger: logger})
		if err != nil {
			logger.Warn("RabbitMQ not available, task events stay in-process", "error", err)
		} else {
			defer conn.Close()
			if err := mq.SetupTopology(ctx, conn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			events.SubscribeAll(mq.NewPublisher(conn, logger).TaskListener())
			logger.Info("RabbitMQ connected")
		}
	}

	// Fleet: провайдер нужен для принудительной остановки nodes
	provider, err := setup.Provider(ctx, fleetCfg, logger)
	if err != nil {
		logger.Error("failed to create node provider", "provider", fleetCfg.Provider, "error", err)
		os.Exit(1)
	}
	fl := setup.Fleet(fleetCfg, store, provider, logger)

	handler := api.NewHandler(api.Config{
		Scheduler:      sched,
		Fleet:          fl,
		Notifier:       notifier,
		MaxDequeueWait: cfg.MaxDequeueWait,
		Logger:         logger,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	addr := ":" + cfg.Port
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	// Запускаем сервер в горутине
	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("orchestrator-api stopped")
}
