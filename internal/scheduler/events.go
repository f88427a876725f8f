package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/NangoHQ/nango-sub018/internal/domain"
)

// Listener получает task после коммита перехода в новое состояние.
type Listener func(ctx context.Context, task domain.Task) error

// EventBus рассылает переходы tasks подписчикам.
//
// Listeners вызываются синхронно, после коммита транзакции.
// Ошибка или panic подписчика логируется и не влияет на переход.
type EventBus struct {
	mu      sync.RWMutex
	byState map[domain.TaskState][]Listener
	all     []Listener
	logger  *slog.Logger
}

// NewEventBus создаёт EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		byState: make(map[domain.TaskState][]Listener),
		logger:  logger,
	}
}

// Subscribe подписывает listener на переходы в state.
func (b *EventBus) Subscribe(state domain.TaskState, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byState[state] = append(b.byState[state], l)
}

// SubscribeAll подписывает listener на все переходы.
func (b *EventBus) SubscribeAll(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, l)
}

// Publish вызывает подписчиков для каждого task.
func (b *EventBus) Publish(ctx context.Context, tasks ...domain.Task) {
	if b == nil || len(tasks) == 0 {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, task := range tasks {
		for _, l := range b.byState[task.State] {
			b.call(ctx, l, task)
		}
		for _, l := range b.all {
			b.call(ctx, l, task)
		}
	}
}

func (b *EventBus) call(ctx context.Context, l Listener, task domain.Task) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("task listener panicked",
				"task_id", task.ID,
				"state", task.State,
				"panic", r,
			)
		}
	}()

	if err := l(ctx, task); err != nil {
		b.logger.Warn("task listener failed",
			"task_id", task.ID,
			"state", task.State,
			"error", err,
		)
	}
}
