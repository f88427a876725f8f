package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/NangoHQ/nango-sub018/internal/domain"
)

// StartResult — результат запуска node провайдером.
type StartResult struct {
	// URL — адрес node, если провайдер знает его сразу.
	// Иначе node сообщит его сам при регистрации.
	URL string

	// ProviderRef — идентификатор ресурса у провайдера.
	ProviderRef string
}

// NodeProvider — backend, на котором запускаются nodes.
type NodeProvider interface {
	// Start создаёт ресурсы node. Повторный вызов для того же node
	// не должен падать, если ресурсы уже существуют.
	Start(ctx context.Context, node domain.Node) (StartResult, error)

	// Terminate удаляет ресурсы node. Отсутствие ресурсов — не ошибка.
	Terminate(ctx context.Context, node domain.Node) error

	// VerifyURL проверяет, что node по url готов принимать работу.
	VerifyURL(ctx context.Context, url string) error
}

// ProviderFactory создаёт провайдера. Вызывается только для
// выбранного backend'а: остальные могут требовать недоступных
// учётных данных.
type ProviderFactory func(ctx context.Context) (NodeProvider, error)

// ProviderRegistry — фабрики провайдеров по имени backend'а.
type ProviderRegistry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewProviderRegistry создаёт пустой реестр.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{factories: make(map[string]ProviderFactory)}
}

// Register добавляет фабрику. Повторная регистрация заменяет прежнюю.
func (r *ProviderRegistry) Register(name string, f ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build создаёт провайдера по имени.
func (r *ProviderRegistry) Build(ctx context.Context, name string) (NodeProvider, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownProvider, name, r.Names())
	}
	p, err := f(ctx)
	if err != nil {
		return nil, fmt.Errorf("build %s provider: %w", name, err)
	}
	return p, nil
}

// Names возвращает имена зарегистрированных провайдеров.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
