package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
)

// Значения по умолчанию для таймаутов task.
const (
	defaultCreatedToStartedTimeout   = 15 * time.Minute
	defaultStartedToCompletedTimeout = 24 * time.Hour
	defaultHeartbeatTimeout          = 5 * time.Minute
)

// TaskDefaults — таймауты, применяемые, когда producer их не задал.
type TaskDefaults struct {
	CreatedToStartedTimeout   time.Duration
	StartedToCompletedTimeout time.Duration
	HeartbeatTimeout          time.Duration
}

func (d TaskDefaults) withFallbacks() TaskDefaults {
	if d.CreatedToStartedTimeout <= 0 {
		d.CreatedToStartedTimeout = defaultCreatedToStartedTimeout
	}
	if d.StartedToCompletedTimeout <= 0 {
		d.StartedToCompletedTimeout = defaultStartedToCompletedTimeout
	}
	if d.HeartbeatTimeout <= 0 {
		d.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	return d
}

// Scheduler — клиент task engine: единая точка входа для producers,
// runners и фоновых воркеров.
//
// Каждая мутация выполняется в одной транзакции Store. События
// рассылаются через EventBus только после коммита.
type Scheduler struct {
	store    repo.Store
	events   *EventBus
	logger   *slog.Logger
	defaults TaskDefaults
	backoff  BackoffPolicy
	now      func() time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	Store    repo.Store
	Events   *EventBus    // опционально; nil — события не рассылаются
	Logger   *slog.Logger // опционально; nil — slog.Default()
	Defaults TaskDefaults

	// Backoff — задержка перед повтором упавшего task.
	Backoff BackoffPolicy

	// Clock подменяет time.Now в тестах.
	Clock func() time.Time
}

// New создаёт Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	events := cfg.Events
	if events == nil {
		events = NewEventBus(logger)
	}

	return &Scheduler{
		store:    cfg.Store,
		events:   events,
		logger:   logger,
		defaults: cfg.Defaults.withFallbacks(),
		backoff:  cfg.Backoff,
		now:      clock,
	}
}

// Events возвращает EventBus для подписки.
func (s *Scheduler) Events() *EventBus {
	return s.events
}

// Store возвращает хранилище (для воркеров пакета и тестов).
func (s *Scheduler) Store() repo.Store {
	return s.store
}

// clock возвращает текущее время в UTC, обрезанное до микросекунд
// (точность timestamptz).
func (s *Scheduler) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// inTx выполняет fn в транзакции и рассылает накопленные события
// после успешного коммита.
func (s *Scheduler) inTx(ctx context.Context, fn func(q repo.Querier, emit func(domain.Task)) error) error {
	var pending []domain.Task
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		pending = pending[:0]
		return fn(q, func(t domain.Task) { pending = append(pending, t) })
	})
	if err != nil {
		return err
	}
	s.events.Publish(ctx, pending...)
	return nil
}
