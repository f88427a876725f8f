// Runner — выполняет tasks одной группы.
//
// Runner:
//   - Забирает tasks через long-poll dequeue API
//   - Выполняет их executor'ом по имени task
//   - Шлёт heartbeats и сообщает результат
//   - Регистрируется во fleet и сообщает о простое
//
// Runners запускаются провайдером fleet и масштабируются горизонтально.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/client"
	"github.com/NangoHQ/nango-sub018/internal/config"
	"github.com/NangoHQ/nango-sub018/internal/runner"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("runner")

	cfg := config.LoadRunner()
	if cfg.NodeID != "" {
		logger = logger.With("node_id", cfg.NodeID)
	}
	logger.Info("starting runner", "group_key", cfg.GroupKey, "concurrency", cfg.Concurrency)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	apiClient := runner.NewAPIClient(client.New(client.Config{
		BaseURL: cfg.APIURL,
		Retries: 2,
	}))

	// Executors: tasks без своего executor'а уходят на webhook
	var fallback runner.Executor
	if cfg.WebhookURL != "" {
		fallback = runner.NewHTTPExecutor(cfg.WebhookURL, cfg.WebhookTimeout)
		logger.Info("webhook executor enabled", "url", cfg.WebhookURL)
	}
	registry := runner.NewRegistry(fallback)
	registry.Register("delay", runner.DelayExecutor{})

	proc := runner.NewProcessor(runner.Config{
		Client:             apiClient,
		Executor:           registry,
		Fleet:              apiClient,
		NodeID:             cfg.NodeID,
		AdvertiseURL:       cfg.AdvertiseURL,
		GroupKey:           cfg.GroupKey,
		Concurrency:        cfg.Concurrency,
		PollInterval:       cfg.PollInterval,
		DequeueWait:        cfg.DequeueWait,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		StateCheckInterval: cfg.StateCheckInterval,
		IdleReportInterval: cfg.IdleReportInterval,
		ShutdownTimeout:    cfg.ShutdownTimeout,
		Logger:             logger,
	})
	proc.Start(ctx)

	// HTTP: /health, /notifyWhenIdle, /metrics
	addr := ":" + cfg.Port
	server := &http.Server{
		Addr:    addr,
		Handler: runner.NewServer(proc, logger),
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	// Сначала дожидаемся tasks, потом гасим HTTP
	proc.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	logger.Info("runner stopped")
}
