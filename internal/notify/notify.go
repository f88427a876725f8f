// Package notify будит long-poll dequeue, когда в группе появляются tasks.
//
// LocalNotifier работает внутри одного процесса. RedisNotifier рассылает
// сигналы через Redis pub/sub, чтобы их получали все экземпляры API.
package notify

import (
	"context"
	"sync"

	"github.com/NangoHQ/nango-sub018/internal/domain"
)

// Notifier — сигнал "в группе есть новые tasks".
type Notifier interface {
	// Notify будит всех ожидающих группы groupKey.
	Notify(ctx context.Context, groupKey string) error

	// Subscribe возвращает канал, в который придёт сигнал для groupKey.
	// cancel освобождает подписку и должен быть вызван всегда.
	Subscribe(groupKey string) (ch <-chan struct{}, cancel func())
}

// TaskListener возвращает listener для EventBus: каждый новый task
// будит ожидающих в его группе.
func TaskListener(n Notifier) func(ctx context.Context, task domain.Task) error {
	return func(ctx context.Context, task domain.Task) error {
		return n.Notify(ctx, task.GroupKey)
	}
}

// LocalNotifier — Notifier внутри процесса.
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewLocal создаёт LocalNotifier.
func NewLocal() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[chan struct{}]struct{})}
}

// Notify будит подписчиков группы. Сигнал не копится: если подписчик
// ещё не прочитал предыдущий, новый отбрасывается.
func (n *LocalNotifier) Notify(_ context.Context, groupKey string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[groupKey] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe подписывается на сигналы группы.
func (n *LocalNotifier) Subscribe(groupKey string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.subs[groupKey] == nil {
		n.subs[groupKey] = make(map[chan struct{}]struct{})
	}
	n.subs[groupKey][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[groupKey], ch)
			if len(n.subs[groupKey]) == 0 {
				delete(n.subs, groupKey)
			}
		})
	}
}

// Subscribers возвращает число подписчиков группы.
func (n *LocalNotifier) Subscribers(groupKey string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[groupKey])
}
