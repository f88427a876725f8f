package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/fleet"
	"github.com/NangoHQ/nango-sub018/internal/loop"
	"github.com/NangoHQ/nango-sub018/internal/mq"
	"github.com/NangoHQ/nango-sub018/internal/scheduler"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
)

const defaultFleetTick = time.Second

// FleetRunner запускает цикл fleet.Supervisor. Новые tasks будят
// цикл раньше тика, чтобы nodes поднимались под нагрузку без задержки.
type FleetRunner struct {
	loop     *loop.Loop
	conn     *mq.Connection
	events   *scheduler.EventBus
	consumer *mq.Consumer

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// FleetConfig — конфигурация FleetRunner.
type FleetConfig struct {
	Supervisor *fleet.Supervisor
	Tick       time.Duration // default: 1s

	// Conn — соединение с RabbitMQ; события из fleet.wakeup.
	Conn *mq.Connection

	// Events — EventBus scheduler'а в том же процессе (standalone).
	Events *scheduler.EventBus

	Logger *slog.Logger
}

// NewFleetRunner создаёт FleetRunner.
func NewFleetRunner(cfg FleetConfig) (*FleetRunner, error) {
	if cfg.Supervisor == nil {
		return nil, ErrNoSupervisor
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &FleetRunner{
		loop: loop.New(loop.Config{
			Name:     "fleet-supervisor",
			Interval: orDefault(cfg.Tick, defaultFleetTick),
			Tick:     cfg.Supervisor.Tick,
			Logger:   logger,
			Observer: telemetry.ObserveTick,
		}),
		conn:   cfg.Conn,
		events: cfg.Events,
		logger: logger,
	}, nil
}

// Start запускает цикл supervisor'а и источники пробуждения.
func (r *FleetRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	ctx, cancel := context.WithCancel(ctx)
	r.cancelFunc = cancel

	if r.events != nil {
		r.events.Subscribe(domain.TaskStateCreated, func(context.Context, domain.Task) error {
			r.loop.Trigger()
			return nil
		})
	}

	r.loop.Start(ctx)

	if r.conn != nil {
		r.consumer = mq.NewConsumer(r.conn, r.logger, mq.ConsumerConfig{
			Queue:           string(mq.QueueFleetWakeup),
			Handler:         mq.WakeupHandler(r.loop.Trigger),
			Prefetch:        wakeupPrefetch,
			MaxRedeliveries: 3,
		})

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("fleet wakeup consumer error", "error", err)
			}
		}()
	}
	return nil
}

// Stop останавливает consumer и цикл.
func (r *FleetRunner) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	if r.consumer != nil {
		r.consumer.Stop()
	}
	r.wg.Wait()
	r.loop.Stop()
}

// Trigger просит выполнить тик supervisor'а вне расписания.
func (r *FleetRunner) Trigger() {
	r.loop.Trigger()
}
