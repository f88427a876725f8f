package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
	"github.com/google/uuid"
)

// Значения конфигурации по умолчанию.
const (
	defaultConcurrency        = 1
	defaultPollInterval       = time.Second
	defaultDequeueWait        = 10 * time.Second
	defaultHeartbeatInterval  = 30 * time.Second
	defaultStateCheckInterval = 10 * time.Second
	defaultIdleReportInterval = time.Minute
	defaultShutdownTimeout    = 30 * time.Second
	reportTimeout             = 10 * time.Second
	maxRegisterBackoff        = 30 * time.Second
)

// Error types, с которыми runner завершает tasks.
const (
	ErrorTypeExecution = "execution_error"
	ErrorTypePanic     = "executor_panic"
	ErrorTypeShutdown  = "runner_shutdown"
)

// Client — вызовы scheduler API, нужные runner'у.
type Client interface {
	Dequeue(ctx context.Context, groupKey string, limit int, wait time.Duration) ([]domain.Task, error)

	// Heartbeat возвращает ErrTaskNotRunning, если task больше не STARTED.
	Heartbeat(ctx context.Context, id uuid.UUID) error

	Succeed(ctx context.Context, id uuid.UUID, output json.RawMessage) error
	Fail(ctx context.Context, id uuid.UUID, taskErr domain.TaskError) error
	SearchTasks(ctx context.Context, ids []uuid.UUID) ([]domain.Task, error)
}

// FleetClient — вызовы fleet API, нужные runner'у.
type FleetClient interface {
	Register(ctx context.Context, nodeID, url string) error
	ReportIdle(ctx context.Context, nodeID string, idleFor time.Duration) error
}

// Config — конфигурация Processor.
type Config struct {
	Client   Client
	Executor Executor

	// Fleet и NodeID опциональны: без них runner не регистрируется
	// и не сообщает о простое.
	Fleet        FleetClient
	NodeID       string
	AdvertiseURL string

	GroupKey    string
	Concurrency int

	// PollInterval — пауза после ошибки dequeue или при занятых слотах.
	PollInterval time.Duration

	// DequeueWait — wait для long-poll dequeue.
	DequeueWait time.Duration

	HeartbeatInterval  time.Duration
	StateCheckInterval time.Duration

	// IdleReportInterval — через сколько простоя runner сообщает fleet.
	IdleReportInterval time.Duration

	// ShutdownTimeout — сколько Stop ждёт текущие tasks до их отмены.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

// running — выполняющийся task.
type running struct {
	task    domain.Task
	cancel  context.CancelFunc
	aborted bool
}

// Processor забирает и выполняет tasks одной группы.
type Processor struct {
	client   Client
	fleet    FleetClient
	executor Executor
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	tasks      map[uuid.UUID]*running
	draining   bool
	lastActive time.Time

	slotFreed chan struct{}
	idleWake  chan struct{}

	// Loops (dequeue, heartbeat, ...) и tasks отменяются раздельно:
	// Stop сначала прекращает dequeue, потом ждёт tasks.
	loopCancel context.CancelFunc
	taskCancel context.CancelFunc
	loops      sync.WaitGroup
	work       sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// NewProcessor создаёт Processor.
func NewProcessor(cfg Config) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DequeueWait < 0 {
		cfg.DequeueWait = 0
	} else if cfg.DequeueWait == 0 {
		cfg.DequeueWait = defaultDequeueWait
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.StateCheckInterval <= 0 {
		cfg.StateCheckInterval = defaultStateCheckInterval
	}
	if cfg.IdleReportInterval <= 0 {
		cfg.IdleReportInterval = defaultIdleReportInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := telemetry.WithComponent(cfg.Logger, "runner")
	if cfg.NodeID != "" {
		logger = logger.With("node_id", cfg.NodeID)
	}

	return &Processor{
		client:     cfg.Client,
		fleet:      cfg.Fleet,
		executor:   cfg.Executor,
		cfg:        cfg,
		logger:     logger.With("group_key", cfg.GroupKey),
		now:        clock,
		tasks:      make(map[uuid.UUID]*running),
		lastActive: clock(),
		slotFreed:  make(chan struct{}, 1),
		idleWake:   make(chan struct{}, 1),
	}
}

// Start запускает циклы Processor'а и сразу возвращается.
func (p *Processor) Start(ctx context.Context) {
	loopCtx, loopCancel := context.WithCancel(ctx)
	taskCtx, taskCancel := context.WithCancel(context.WithoutCancel(ctx))
	p.loopCancel = loopCancel
	p.taskCancel = taskCancel

	p.logger.Info("starting runner",
		"concurrency", p.cfg.Concurrency,
		"dequeue_wait", p.cfg.DequeueWait,
	)

	p.goLoop(func() { p.dequeueLoop(loopCtx, taskCtx) })
	p.goLoop(func() { p.every(loopCtx, p.cfg.HeartbeatInterval, nil, p.heartbeat) })
	p.goLoop(func() { p.every(loopCtx, p.cfg.StateCheckInterval, nil, p.checkStates) })

	if p.fleet != nil && p.cfg.NodeID != "" {
		p.goLoop(func() { p.register(loopCtx) })
		interval := min(p.cfg.IdleReportInterval, 10*time.Second)
		p.goLoop(func() { p.every(loopCtx, interval, p.idleWake, p.reportIdle) })
	}
}

// Stop прекращает dequeue, ждёт текущие tasks не дольше
// ShutdownTimeout и отменяет оставшиеся.
func (p *Processor) Stop() {
	p.stoppedMu.Lock()
	if p.stopped {
		p.stoppedMu.Unlock()
		return
	}
	p.stopped = true
	p.stoppedMu.Unlock()

	p.logger.Info("stopping runner...", "running", p.Running())

	if p.loopCancel != nil {
		p.loopCancel()
	}
	p.loops.Wait()

	done := make(chan struct{})
	go func() {
		p.work.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("shutdown timeout reached, cancelling tasks", "running", p.Running())
		if p.taskCancel != nil {
			p.taskCancel()
		}
		<-done
	}
	if p.taskCancel != nil {
		p.taskCancel()
	}

	p.logger.Info("runner stopped")
}

// IsStopped проверяет, остановлен ли Processor.
func (p *Processor) IsStopped() bool {
	p.stoppedMu.RLock()
	defer p.stoppedMu.RUnlock()
	return p.stopped
}

// Running возвращает число выполняющихся tasks.
func (p *Processor) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Draining сообщает, ждёт ли Processor завершения tasks перед простоем.
func (p *Processor) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// NotifyWhenIdle прекращает dequeue; о простое Processor сообщит,
// как только текущие tasks завершатся.
func (p *Processor) NotifyWhenIdle() {
	p.mu.Lock()
	already := p.draining
	p.draining = true
	p.mu.Unlock()

	if !already {
		p.logger.Info("draining: no new tasks will be dequeued")
	}
	signal(p.idleWake)
}

// Resume снимает режим drain.
func (p *Processor) Resume() {
	p.mu.Lock()
	p.draining = false
	p.mu.Unlock()
	signal(p.slotFreed)
}

func (p *Processor) goLoop(fn func()) {
	p.loops.Add(1)
	go func() {
		defer p.loops.Done()
		fn()
	}()
}

// every вызывает fn на каждом тике и по сигналу wake.
func (p *Processor) every(ctx context.Context, interval time.Duration, wake <-chan struct{}, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		fn(ctx)
	}
}

// dequeueLoop забирает tasks, пока есть свободные слоты.
func (p *Processor) dequeueLoop(ctx, taskCtx context.Context) {
	for ctx.Err() == nil {
		free := p.freeSlots()
		if free == 0 {
			p.pause(ctx)
			continue
		}

		tasks, err := p.client.Dequeue(ctx, p.cfg.GroupKey, free, p.cfg.DequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", "error", err)
			p.pause(ctx)
			continue
		}

		if len(tasks) > 0 {
			p.logger.Debug("dequeued tasks", "count", len(tasks))
		}
		for _, task := range tasks {
			p.launch(taskCtx, task)
		}
	}
}

// pause ждёт освобождения слота или PollInterval.
func (p *Processor) pause(ctx context.Context) {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-p.slotFreed:
	case <-timer.C:
	}
}

func (p *Processor) freeSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return 0
	}
	return max(p.cfg.Concurrency-len(p.tasks), 0)
}

func (p *Processor) launch(parent context.Context, task domain.Task) {
	ctx, cancel := context.WithCancel(parent)
	r := &running{task: task, cancel: cancel}

	p.mu.Lock()
	p.tasks[task.ID] = r
	p.lastActive = p.now()
	p.mu.Unlock()

	p.work.Add(1)
	go func() {
		defer p.work.Done()
		defer p.finish(task.ID, cancel)
		p.run(ctx, r)
	}()
}

func (p *Processor) finish(id uuid.UUID, cancel context.CancelFunc) {
	cancel()

	p.mu.Lock()
	delete(p.tasks, id)
	p.lastActive = p.now()
	idle := len(p.tasks) == 0 && p.draining
	p.mu.Unlock()

	signal(p.slotFreed)
	if idle {
		signal(p.idleWake)
	}
}

// run выполняет task и отчитывается о результате.
func (p *Processor) run(ctx context.Context, r *running) {
	task := r.task
	logger := telemetry.WithTaskID(p.logger, task.ID.String()).With("task_name", task.Name)
	logger.Info("task started", "retry_count", task.RetryCount)
	start := p.now()

	output, err := p.execute(telemetry.WithLogger(ctx, logger), task)

	if p.isAborted(task.ID) {
		telemetry.RunnerTasks.WithLabelValues("aborted").Inc()
		logger.Info("task aborted", "duration", p.now().Sub(start))
		return
	}

	// Отчёт отправляется и после отмены ctx (остановка runner'а).
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if err == nil {
		telemetry.RunnerTasks.WithLabelValues("succeeded").Inc()
		if rerr := p.client.Succeed(reportCtx, task.ID, output); rerr != nil {
			logger.Error("failed to report success", "error", rerr)
			return
		}
		logger.Info("task succeeded", "duration", p.now().Sub(start))
		return
	}

	taskErr := p.taskError(ctx, err)
	telemetry.RunnerTasks.WithLabelValues("failed").Inc()
	if rerr := p.client.Fail(reportCtx, task.ID, taskErr); rerr != nil {
		logger.Error("failed to report failure", "error", rerr)
		return
	}
	logger.Warn("task failed",
		"error", err,
		"retryable", taskErr.Retryable,
		"duration", p.now().Sub(start),
	)
}

// execute вызывает executor и превращает панику в постоянную ошибку.
func (p *Processor) execute(ctx context.Context, task domain.Task) (output json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec}
		}
	}()
	return p.executor.Execute(ctx, task)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("executor panic: %v", e.value)
}

func (p *Processor) taskError(ctx context.Context, err error) domain.TaskError {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		return domain.TaskError{Type: ErrorTypePanic, Message: err.Error()}
	case ctx.Err() != nil:
		return domain.TaskError{Type: ErrorTypeShutdown, Message: "runner stopped before the task completed", Retryable: true}
	default:
		return domain.TaskError{Type: ErrorTypeExecution, Message: err.Error(), Retryable: !IsPermanent(err)}
	}
}

func (p *Processor) isAborted(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.tasks[id]
	return ok && r.aborted
}

// abort отменяет task, не отчитываясь о результате.
func (p *Processor) abort(id uuid.UUID, reason string) {
	p.mu.Lock()
	r, ok := p.tasks[id]
	if ok && !r.aborted {
		r.aborted = true
		r.cancel()
	}
	p.mu.Unlock()

	if ok {
		telemetry.WithTaskID(p.logger, id.String()).Info("aborting task", "reason", reason)
	}
}

func (p *Processor) runningIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(p.tasks))
	for id, r := range p.tasks {
		if !r.aborted {
			ids = append(ids, id)
		}
	}
	return ids
}

// heartbeat продлевает жизнь всех выполняющихся tasks.
func (p *Processor) heartbeat(ctx context.Context) {
	for _, id := range p.runningIDs() {
		err := p.client.Heartbeat(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, ErrTaskNotRunning):
			p.abort(id, "heartbeat rejected")
		case ctx.Err() != nil:
			return
		default:
			p.logger.Warn("heartbeat failed", "task_id", id, "error", err)
		}
	}
}

// checkStates отменяет tasks, ставшие терминальными на сервере.
func (p *Processor) checkStates(ctx context.Context) {
	ids := p.runningIDs()
	if len(ids) == 0 {
		return
	}

	tasks, err := p.client.SearchTasks(ctx, ids)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("task state check failed", "error", err)
		}
		return
	}

	for _, t := range tasks {
		if t.State.IsTerminal() {
			p.abort(t.ID, "task is "+string(t.State))
		}
	}
}

// reportIdle сообщает fleet о простое: сразу после drain или
// когда простой превысил IdleReportInterval.
func (p *Processor) reportIdle(ctx context.Context) {
	p.mu.Lock()
	busy := len(p.tasks) > 0
	draining := p.draining
	idleFor := p.now().Sub(p.lastActive)
	p.mu.Unlock()

	if busy || (!draining && idleFor < p.cfg.IdleReportInterval) {
		return
	}

	if err := p.fleet.ReportIdle(ctx, p.cfg.NodeID, idleFor); err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("idle report failed", "error", err)
		}
		return
	}
	p.logger.Debug("reported idle", "idle_for", idleFor, "draining", draining)
}

// register сообщает fleet адрес node, повторяя с backoff до успеха.
func (p *Processor) register(ctx context.Context) {
	if p.cfg.AdvertiseURL == "" {
		return
	}

	backoff := time.Second
	for {
		err := p.fleet.Register(ctx, p.cfg.NodeID, p.cfg.AdvertiseURL)
		if err == nil {
			p.logger.Info("registered with fleet", "url", p.cfg.AdvertiseURL)
			return
		}
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("fleet registration failed", "error", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, maxRegisterBackoff)
	}
}

// signal неблокирующе кладёт сигнал в канал с буфером 1.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
