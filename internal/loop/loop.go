// Package loop — периодический запуск фоновой работы.
//
// Loop вызывает TickFunc раз в интервал, плюс сразу при старте
// и при каждом Trigger. Тики одного Loop никогда не выполняются
// параллельно. Ошибка тика логируется и не останавливает цикл.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// TickFunc — одна итерация фоновой работы.
type TickFunc func(ctx context.Context) error

// Observer получает результат каждого тика (метрики).
type Observer func(name string, d time.Duration, err error)

// Loop — тикер с управляемым жизненным циклом.
type Loop struct {
	name     string
	interval time.Duration
	tick     TickFunc
	logger   *slog.Logger
	observe  Observer

	trigger chan struct{}

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// Config — конфигурация Loop.
type Config struct {
	Name     string
	Interval time.Duration
	Tick     TickFunc
	Logger   *slog.Logger
	Observer Observer
}

// New создаёт Loop. Интервал по умолчанию — 1s.
func New(cfg Config) *Loop {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Loop{
		name:     cfg.Name,
		interval: interval,
		tick:     cfg.Tick,
		logger:   logger.With("loop", cfg.Name),
		observe:  cfg.Observer,
		trigger:  make(chan struct{}, 1),
	}
}

// Name возвращает имя цикла.
func (l *Loop) Name() string {
	return l.name
}

// Start запускает цикл в отдельной горутине.
// Повторный вызов без Stop ничего не делает.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancelFunc = cancel
	l.running = true

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()

	l.logger.Info("loop started", "interval", l.interval)
}

// Stop останавливает цикл и ждёт завершения текущего тика.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancelFunc
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	l.logger.Info("loop stopped")
}

// Trigger просит выполнить тик вне расписания.
// Несколько вызовов до начала тика схлопываются в один.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// RunOnce синхронно выполняет один тик.
func (l *Loop) RunOnce(ctx context.Context) error {
	start := time.Now()
	err := l.tick(ctx)
	if l.observe != nil {
		l.observe(l.name, time.Since(start), err)
	}
	return err
}

func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	// Первый тик сразу при старте.
	l.safeTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.safeTick(ctx)
		case <-l.trigger:
			l.safeTick(ctx)
		}
	}
}

func (l *Loop) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("tick panicked", "panic", r)
		}
	}()

	if err := l.RunOnce(ctx); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		l.logger.Error("tick failed", "error", err)
	}
}
