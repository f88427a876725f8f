package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/loop"
	"github.com/NangoHQ/nango-sub018/internal/mq"
	"github.com/NangoHQ/nango-sub018/internal/scheduler"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
)

// Значения конфигурации по умолчанию.
const (
	defaultSchedulingTick = time.Second
	defaultMonitorTick    = time.Second
	defaultCleanupTick    = time.Minute
	wakeupPrefetch        = 50
)

// Orchestrator запускает воркеры scheduler'а.
//
//   - scheduling — превращает due schedules в tasks
//   - monitoring — истекает и валит зависшие tasks, создаёт повторы
//   - cleanup — удаляет старые финальные tasks и удалённые schedules
//
// Завершение task будит scheduling (следующий запуск schedule ждёт
// предыдущий task), падение или истечение — monitoring (повтор).
type Orchestrator struct {
	sched *scheduler.Scheduler
	conn  *mq.Connection

	scheduling *loop.Loop
	monitoring *loop.Loop
	cleanup    *loop.Loop

	consumer *mq.Consumer

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// Config — конфигурация Orchestrator.
type Config struct {
	Scheduler *scheduler.Scheduler

	// Conn — соединение с RabbitMQ. nil — только события своего процесса.
	Conn *mq.Connection

	SchedulingTick time.Duration // default: 1s
	MonitorTick    time.Duration // default: 1s
	CleanupTick    time.Duration // default: 1m

	// BatchSize — сколько schedules обрабатывается за тик.
	BatchSize int

	Monitor scheduler.MonitorConfig
	Cleaner scheduler.CleanerConfig

	Logger *slog.Logger
}

// New создаёт Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Scheduler == nil {
		return nil, ErrNoScheduler
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		sched:  cfg.Scheduler,
		conn:   cfg.Conn,
		logger: logger,
	}

	o.scheduling = loop.New(loop.Config{
		Name:     "scheduling",
		Interval: orDefault(cfg.SchedulingTick, defaultSchedulingTick),
		Tick:     scheduler.NewScheduleWorker(cfg.Scheduler, cfg.BatchSize).Tick,
		Logger:   logger,
		Observer: telemetry.ObserveTick,
	})
	o.monitoring = loop.New(loop.Config{
		Name:     "monitoring",
		Interval: orDefault(cfg.MonitorTick, defaultMonitorTick),
		Tick:     scheduler.NewMonitor(cfg.Scheduler, cfg.Monitor).Tick,
		Logger:   logger,
		Observer: telemetry.ObserveTick,
	})
	o.cleanup = loop.New(loop.Config{
		Name:     "cleanup",
		Interval: orDefault(cfg.CleanupTick, defaultCleanupTick),
		Tick:     scheduler.NewCleaner(cfg.Scheduler, cfg.Cleaner).Tick,
		Logger:   logger,
		Observer: telemetry.ObserveTick,
	})

	return o, nil
}

// Start запускает воркеры и, если задано соединение, consumer
// очереди scheduler.wakeup.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return ErrAlreadyStarted
	}
	o.started = true

	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator", "mq", o.conn != nil)

	for _, state := range []domain.TaskState{
		domain.TaskStateSucceeded,
		domain.TaskStateFailed,
		domain.TaskStateExpired,
		domain.TaskStateCancelled,
	} {
		o.sched.Events().Subscribe(state, o.onTaskDone)
	}

	o.scheduling.Start(ctx)
	o.monitoring.Start(ctx)
	o.cleanup.Start(ctx)

	if o.conn != nil {
		o.consumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:           string(mq.QueueSchedulerWakeup),
			Handler:         o.handleWakeup,
			Prefetch:        wakeupPrefetch,
			MaxRedeliveries: 3,
		})

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("wakeup consumer error", "error", err)
			}
		}()
	}

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает consumer и воркеры, дожидаясь текущих тиков.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started || o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	if o.consumer != nil {
		o.consumer.Stop()
	}
	o.wg.Wait()

	o.scheduling.Stop()
	o.monitoring.Stop()
	o.cleanup.Stop()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// Trigger будит все воркеры вне расписания.
func (o *Orchestrator) Trigger() {
	o.scheduling.Trigger()
	o.monitoring.Trigger()
	o.cleanup.Trigger()
}

// onTaskDone — listener EventBus для финальных переходов.
func (o *Orchestrator) onTaskDone(_ context.Context, t domain.Task) error {
	o.wake(t.State, t.ScheduleID != nil)
	return nil
}

// handleWakeup обрабатывает событие task из scheduler.wakeup.
func (o *Orchestrator) handleWakeup(_ context.Context, d *mq.Delivery) error {
	ev, err := mq.ParsePayload[mq.TaskEvent](&d.Message)
	if err != nil {
		o.logger.Error("failed to parse task event", "error", err)
		return err
	}

	o.logger.Debug("received task event", "task_id", ev.TaskID, "state", ev.State)
	o.wake(ev.State, ev.ScheduleID != nil)
	return nil
}

func (o *Orchestrator) wake(state domain.TaskState, scheduled bool) {
	if scheduled && state.IsTerminal() {
		o.scheduling.Trigger()
	}
	if state == domain.TaskStateFailed || state == domain.TaskStateExpired {
		o.monitoring.Trigger()
	}
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
