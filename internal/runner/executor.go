package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/NangoHQ/nango-sub018/internal/domain"
)

// Executor выполняет task и возвращает его output.
//
// ctx отменяется, когда task отменён на сервере или Processor
// останавливается; реализация должна вернуться как можно скорее.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) (json.RawMessage, error)
}

// ExecutorFunc — функция как Executor.
type ExecutorFunc func(ctx context.Context, task domain.Task) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Registry — реестр executor'ов по имени task.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
}

// NewRegistry создаёт пустой реестр. fallback получает tasks, для
// имени которых нет executor'а; nil — такие tasks завершаются
// постоянной ошибкой.
func NewRegistry(fallback Executor) *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		fallback:  fallback,
	}
}

// Register добавляет executor для имени task.
func (r *Registry) Register(name string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = executor
}

// Get возвращает executor для имени task.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if executor, ok := r.executors[name]; ok {
		return executor, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
}

// Execute выбирает executor по task.Name и выполняет task.
func (r *Registry) Execute(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	executor, err := r.Get(task.Name)
	if err != nil {
		return nil, Permanent(err)
	}
	return executor.Execute(ctx, task)
}
