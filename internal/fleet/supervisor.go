package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/NangoHQ/nango-sub018/internal/telemetry"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// maxNodesPerTick ограничивает выборку nodes за один тик.
const maxNodesPerTick = 10000

// errSkip — операция устарела: node уже сменил состояние.
var errSkip = errors.New("operation skipped")

// SupervisorConfig — конфигурация Supervisor.
type SupervisorConfig struct {
	// Name — имя fleet; ключ advisory lock.
	Name string

	Store    repo.Store
	Provider NodeProvider
	Demand   Demand

	// Nodes — клиент для notifyWhenIdle. nil — уведомления не шлются.
	Nodes *NodeClient

	// Default — форма новых nodes. Image игнорируется: образ берётся
	// из активного deployment.
	Default domain.NodeConfig

	// Floor — минимум nodes на routing id с потребностью.
	Floor int

	Timeouts Timeouts

	// HealthcheckSuccesses — сколько успешных проверок подряд нужно
	// для STARTING → RUNNING. 0 — nodes переводит регистрация.
	HealthcheckSuccesses int
	HealthcheckInterval  time.Duration

	// StartLimiter ограничивает темп вызовов provider.Start.
	// nil — без ограничения.
	StartLimiter *rate.Limiter

	Logger *slog.Logger
	Clock  func() time.Time
}

// Supervisor приводит популяцию nodes к желаемой.
type Supervisor struct {
	name     string
	store    repo.Store
	provider NodeProvider
	demand   Demand
	nodes    *NodeClient

	defaults  domain.NodeConfig
	floor     int
	timeouts  Timeouts
	successes int
	interval  time.Duration
	limiter   *rate.Limiter

	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	lastProbe map[uuid.UUID]time.Time
}

// NewSupervisor создаёт Supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	demand := cfg.Demand
	if demand == nil {
		demand = StaticDemand{}
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}

	return &Supervisor{
		name:      name,
		store:     cfg.Store,
		provider:  cfg.Provider,
		demand:    demand,
		nodes:     cfg.Nodes,
		defaults:  cfg.Default,
		floor:     cfg.Floor,
		timeouts:  cfg.Timeouts,
		successes: cfg.HealthcheckSuccesses,
		interval:  cfg.HealthcheckInterval,
		limiter:   cfg.StartLimiter,
		logger:    telemetry.WithComponent(cfg.Logger, "supervisor").With("fleet", name),
		now:       clock,
		lastProbe: make(map[uuid.UUID]time.Time),
	}
}

// SupervisorResult — итог одного тика.
type SupervisorResult struct {
	// Skipped — lock держит другой экземпляр или нет активного deployment.
	Skipped  bool
	Planned  int
	Executed int
	Failed   int
}

// Tick выполняет один проход supervisor'а.
func (s *Supervisor) Tick(ctx context.Context) error {
	_, err := s.Run(ctx)
	return err
}

// Run выполняет один проход и возвращает счётчики.
//
// Проход держит advisory lock fleet:<name>: параллельный экземпляр
// пропускает тик. План строится в короткой читающей транзакции, каждая
// операция затем пишет в своей. Вызовы провайдера и nodes идут вне
// транзакций: ошибка одной операции не откатывает остальные.
func (s *Supervisor) Run(ctx context.Context) (SupervisorResult, error) {
	var res SupervisorResult

	// Потребность считается до lock: Demand может сам ходить в store.
	targets, err := s.demand.Targets(ctx)
	if err != nil {
		return res, fmt.Errorf("compute demand: %w", err)
	}

	locked, err := s.store.WithLock(ctx, "fleet:"+s.name, func(ctx context.Context) error {
		plan, ok, err := s.plan(ctx, targets)
		if err != nil {
			return err
		}
		if !ok {
			res.Skipped = true
			return nil
		}
		res.Planned = len(plan)

		for _, op := range plan {
			err := s.execute(ctx, op)
			switch {
			case errors.Is(err, errSkip):
				telemetry.SupervisorOperations.WithLabelValues(string(op.Type), "skipped").Inc()
			case err != nil:
				res.Failed++
				telemetry.SupervisorOperations.WithLabelValues(string(op.Type), "error").Inc()
				s.opLogger(op).Error("supervisor operation failed",
					"operation", op.Type,
					"error", err,
				)
			default:
				res.Executed++
				telemetry.SupervisorOperations.WithLabelValues(string(op.Type), "ok").Inc()
			}
		}

		if err := s.recordNodeGauge(ctx); err != nil {
			s.logger.Warn("record node gauge", "error", err)
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if !locked {
		s.logger.Debug("fleet lock held elsewhere, skipping tick")
		res.Skipped = true
	}
	return res, nil
}

// plan читает nodes, overrides и активный deployment и строит план.
// ok == false — активного deployment нет.
func (s *Supervisor) plan(ctx context.Context, targets map[string]int) ([]Operation, bool, error) {
	var plan []Operation
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		deployment, err := q.GetActiveDeployment(ctx)
		if err != nil {
			return err
		}
		nodes, err := q.SearchNodes(ctx, repo.NodeFilter{Limit: maxNodesPerTick})
		if err != nil {
			return fmt.Errorf("search nodes: %w", err)
		}
		overrides, err := q.ListNodeConfigOverrides(ctx, nil)
		if err != nil {
			return fmt.Errorf("list overrides: %w", err)
		}

		s.pruneProbes(nodes)
		plan = Plan(PlanInput{
			Now:        s.now().UTC(),
			Deployment: *deployment,
			Default:    s.defaults,
			Nodes:      nodes,
			Overrides:  overridesByRouting(overrides),
			Targets:    targets,
			Floor:      s.floor,
			Timeouts:   s.timeouts,
		})
		return nil
	})
	if errors.Is(err, repo.ErrNotFound) {
		s.logger.Debug("no active deployment, skipping tick")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return plan, true, nil
}

func (s *Supervisor) execute(ctx context.Context, op Operation) error {
	switch op.Type {
	case OpCreate:
		return s.createNode(ctx, op)
	case OpStart:
		return s.startNode(ctx, op.Node.ID)
	case OpHealthcheck:
		return s.healthcheckNode(ctx, op.Node.ID)
	case OpFail:
		return s.failNode(ctx, op.Node, op.Reason)
	case OpOutdate:
		return s.moveNode(ctx, op.Node.ID, domain.NodeStateRunning, domain.NodeStateOutdated)
	case OpFinishing:
		return s.finishNode(ctx, op.Node.ID)
	case OpFinishingTimeout:
		return s.moveNode(ctx, op.Node.ID, domain.NodeStateFinishing, domain.NodeStateIdle)
	case OpWake:
		return s.moveNode(ctx, op.Node.ID, domain.NodeStateIdle, domain.NodeStateRunning)
	case OpTerminate:
		return s.terminateNode(ctx, op.Node.ID)
	case OpRemove:
		return s.removeNode(ctx, op.Node.ID)
	default:
		return fmt.Errorf("unknown operation %q", op.Type)
	}
}

func (s *Supervisor) createNode(ctx context.Context, op Operation) error {
	now := s.now().UTC()
	n := &domain.Node{
		ID:                    uuid.New(),
		RoutingID:             op.RoutingID,
		DeploymentID:          op.DeploymentID,
		Image:                 op.Config.Image,
		CPUMilli:              op.Config.CPUMilli,
		MemoryMb:              op.Config.MemoryMb,
		StorageMb:             op.Config.StorageMb,
		State:                 domain.NodeStatePending,
		CreatedAt:             now,
		LastStateTransitionAt: now,
	}
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		return q.InsertNode(ctx, n)
	})
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	telemetry.WithNodeID(s.logger, n.ID.String(), n.RoutingID).Info("node created",
		"image", n.Image,
	)
	return nil
}

// startNode вызывает provider.Start вне транзакции и затем записывает
// результат, если node всё ещё PENDING. Ресурс, который не удалось
// записать, останавливается: иначе следующий тик запустил бы второй.
func (s *Supervisor) startNode(ctx context.Context, id uuid.UUID) error {
	n, err := s.readInState(ctx, id, domain.NodeStatePending)
	if err != nil {
		return err
	}
	if s.limiter != nil && !s.limiter.Allow() {
		// Старт откладывается до следующего тика.
		return errSkip
	}

	logger := telemetry.WithNodeID(s.logger, n.ID.String(), n.RoutingID)
	result, err := s.provider.Start(ctx, *n)
	if err != nil {
		if termErr := s.provider.Terminate(ctx, *n); termErr != nil {
			logger.Warn("terminate after failed start", "error", termErr)
		}
		startErr := fmt.Errorf("%w: start: %v", ErrNodeProvider, err)
		if _, err := s.updateInState(ctx, id, domain.NodeStatePending, func(n *domain.Node) error {
			return n.Fail(startErr.Error(), s.now().UTC())
		}); err != nil && !errors.Is(err, errSkip) {
			return err
		}
		return startErr
	}

	started, err := s.updateInState(ctx, id, domain.NodeStatePending, func(n *domain.Node) error {
		if result.URL != "" {
			n.URL = result.URL
		}
		n.ProviderRef = result.ProviderRef
		return n.TransitionTo(domain.NodeStateStarting, s.now().UTC())
	})
	if err != nil {
		n.ProviderRef = result.ProviderRef
		if termErr := s.provider.Terminate(ctx, *n); termErr != nil {
			logger.Warn("terminate unrecorded node", "error", termErr)
		}
		return err
	}
	logger.Info("node starting", "url", started.URL, "provider_ref", started.ProviderRef)
	return nil
}

func (s *Supervisor) healthcheckNode(ctx context.Context, id uuid.UUID) error {
	n, err := s.readInState(ctx, id, domain.NodeStateStarting)
	if err != nil {
		return err
	}
	if n.URL == "" || !s.probeDue(id) {
		return errSkip
	}

	logger := telemetry.WithNodeID(s.logger, n.ID.String(), n.RoutingID)
	probeErr := s.provider.VerifyURL(ctx, n.URL)
	if probeErr != nil {
		logger.Debug("health check failed", "url", n.URL, "error", probeErr)
		if n.HealthChecks == 0 {
			return nil
		}
	}

	updated, err := s.updateInState(ctx, id, domain.NodeStateStarting, func(n *domain.Node) error {
		if probeErr != nil {
			n.HealthChecks = 0
			return nil
		}
		n.HealthChecks++
		if n.HealthChecks >= max(s.successes, 1) {
			return n.TransitionTo(domain.NodeStateRunning, s.now().UTC())
		}
		return nil
	})
	if err != nil {
		return err
	}
	if updated.State == domain.NodeStateRunning {
		s.forgetProbe(id)
		logger.Info("node running", "url", updated.URL)
	}
	return nil
}

// failNode переводит node в ERROR и затем останавливает его у провайдера.
// Ошибка провайдера не мешает переходу: node всё равно будет заменён.
func (s *Supervisor) failNode(ctx context.Context, planned *domain.Node, reason string) error {
	n, err := s.updateInState(ctx, planned.ID, planned.State, func(n *domain.Node) error {
		return n.Fail(reason, s.now().UTC())
	})
	if err != nil {
		return err
	}
	s.forgetProbe(n.ID)

	logger := telemetry.WithNodeID(s.logger, n.ID.String(), n.RoutingID)
	if err := s.provider.Terminate(ctx, *n); err != nil {
		logger.Warn("terminate failed node", "error", err)
	}
	logger.Warn("node failed", "reason", reason)
	return nil
}

func (s *Supervisor) finishNode(ctx context.Context, id uuid.UUID) error {
	n, err := s.updateInState(ctx, id, domain.NodeStateOutdated, func(n *domain.Node) error {
		return n.TransitionTo(domain.NodeStateFinishing, s.now().UTC())
	})
	if err != nil {
		return err
	}
	logger := telemetry.WithNodeID(s.logger, n.ID.String(), n.RoutingID)
	logger.Info("supervisor moved node",
		"from", domain.NodeStateOutdated,
		"to", domain.NodeStateFinishing,
	)
	if s.nodes == nil || n.URL == "" {
		return nil
	}
	// Node останется в FINISHING до таймаута, если уведомление не дошло.
	if err := s.nodes.NotifyWhenIdle(ctx, n.URL, n.ID); err != nil {
		logger.Warn("notify when idle failed", "url", n.URL, "error", err)
	}
	return nil
}

// terminateNode останавливает IDLE node у провайдера и только потом
// записывает TERMINATED: при ошибке провайдера node остаётся IDLE
// и следующий тик повторит попытку.
func (s *Supervisor) terminateNode(ctx context.Context, id uuid.UUID) error {
	n, err := s.readInState(ctx, id, domain.NodeStateIdle)
	if err != nil {
		return err
	}
	logger := telemetry.WithNodeID(s.logger, n.ID.String(), n.RoutingID)
	if err := s.provider.Terminate(ctx, *n); err != nil {
		return fmt.Errorf("%w: terminate: %v", ErrNodeProvider, err)
	}

	_, err = s.updateInState(ctx, id, domain.NodeStateIdle, func(n *domain.Node) error {
		return n.TransitionTo(domain.NodeStateTerminated, s.now().UTC())
	})
	if errors.Is(err, errSkip) {
		logger.Warn("node left IDLE while terminating")
	}
	if err != nil {
		return err
	}
	logger.Info("node terminated")
	return nil
}

func (s *Supervisor) removeNode(ctx context.Context, id uuid.UUID) error {
	return s.store.WithTx(ctx, func(q repo.Querier) error {
		n, err := q.LockNode(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return errSkip
		}
		if err != nil {
			return err
		}
		if !n.State.IsFinal() {
			return errSkip
		}
		return q.DeleteNode(ctx, id)
	})
}

// moveNode выполняет простой переход from → to.
func (s *Supervisor) moveNode(ctx context.Context, id uuid.UUID, from, to domain.NodeState) error {
	n, err := s.updateInState(ctx, id, from, func(n *domain.Node) error {
		return n.TransitionTo(to, s.now().UTC())
	})
	if err != nil {
		return err
	}
	telemetry.WithNodeID(s.logger, n.ID.String(), n.RoutingID).Info("supervisor moved node",
		"from", from,
		"to", to,
	)
	return nil
}

func (s *Supervisor) recordNodeGauge(ctx context.Context) error {
	var nodes []domain.Node
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		v, err := q.SearchNodes(ctx, repo.NodeFilter{Limit: maxNodesPerTick})
		nodes = v
		return err
	})
	if err != nil {
		return fmt.Errorf("search nodes: %w", err)
	}
	counts := make(map[domain.NodeState]int, len(domain.NodeStates))
	for _, n := range nodes {
		counts[n.State]++
	}
	for _, st := range domain.NodeStates {
		telemetry.NodesByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	return nil
}

func (s *Supervisor) probeDue(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last, ok := s.lastProbe[id]; ok && now.Sub(last) < s.interval {
		return false
	}
	s.lastProbe[id] = now
	return true
}

// pruneProbes забывает nodes, которые больше не в STARTING.
func (s *Supervisor) pruneProbes(nodes []domain.Node) {
	starting := make(map[uuid.UUID]bool)
	for _, n := range nodes {
		if n.State == domain.NodeStateStarting {
			starting[n.ID] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.lastProbe {
		if !starting[id] {
			delete(s.lastProbe, id)
		}
	}
}

func (s *Supervisor) forgetProbe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastProbe, id)
}

func (s *Supervisor) opLogger(op Operation) *slog.Logger {
	if op.Node != nil {
		return telemetry.WithNodeID(s.logger, op.Node.ID.String(), op.Node.RoutingID)
	}
	return s.logger.With("routing_id", op.RoutingID)
}

// readInState читает node и проверяет, что он всё ещё в state.
func (s *Supervisor) readInState(ctx context.Context, id uuid.UUID, state domain.NodeState) (*domain.Node, error) {
	var node *domain.Node
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		n, err := q.GetNode(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return errSkip
		}
		if err != nil {
			return fmt.Errorf("get node: %w", err)
		}
		if n.State != state {
			return errSkip
		}
		node = n
		return nil
	})
	return node, err
}

// updateInState в отдельной транзакции блокирует node, проверяет, что
// он всё ещё в state, применяет apply и сохраняет результат.
func (s *Supervisor) updateInState(ctx context.Context, id uuid.UUID, state domain.NodeState, apply func(n *domain.Node) error) (*domain.Node, error) {
	var node *domain.Node
	err := s.store.WithTx(ctx, func(q repo.Querier) error {
		n, err := q.LockNode(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return errSkip
		}
		if err != nil {
			return fmt.Errorf("lock node: %w", err)
		}
		if n.State != state {
			return errSkip
		}
		if err := apply(n); err != nil {
			return err
		}
		if err := q.UpdateNode(ctx, n); err != nil {
			return fmt.Errorf("update node: %w", err)
		}
		node = n
		return nil
	})
	return node, err
}

func overridesByRouting(list []domain.NodeConfigOverride) map[string]domain.NodeConfigOverride {
	out := make(map[string]domain.NodeConfigOverride, len(list))
	for _, o := range list {
		out[o.RoutingID] = o
	}
	return out
}
