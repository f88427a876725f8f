package api

import (
	"log/slog"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/fleet"
	"github.com/NangoHQ/nango-sub018/internal/notify"
	"github.com/NangoHQ/nango-sub018/internal/scheduler"
)

// DefaultMaxDequeueWait — верхняя граница wait_ms для long-poll dequeue.
const DefaultMaxDequeueWait = 30 * time.Second

// dequeueFallbackPoll — период повторного dequeue во время ожидания.
// Покрывает tasks, ставшие готовыми без Enqueue (starts_after, retry).
const dequeueFallbackPoll = time.Second

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	sched          *scheduler.Scheduler
	fleet          *fleet.Fleet
	notifier       notify.Notifier
	maxDequeueWait time.Duration
	logger         *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Scheduler *scheduler.Scheduler

	// Fleet опционален: без него маршруты /fleet не регистрируются.
	Fleet *fleet.Fleet

	// Notifier будит ожидающие dequeue. nil — только периодический опрос.
	Notifier notify.Notifier

	MaxDequeueWait time.Duration
	Logger         *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxWait := cfg.MaxDequeueWait
	if maxWait <= 0 {
		maxWait = DefaultMaxDequeueWait
	}
	return &Handler{
		sched:          cfg.Scheduler,
		fleet:          cfg.Fleet,
		notifier:       cfg.Notifier,
		maxDequeueWait: maxWait,
		logger:         logger,
	}
}
