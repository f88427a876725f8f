package fleet

import (
	"sort"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/google/uuid"
)

// OperationType — вид операции supervisor'а.
type OperationType string

const (
	OpCreate           OperationType = "CREATE"
	OpStart            OperationType = "START"
	OpHealthcheck      OperationType = "HEALTHCHECK"
	OpFail             OperationType = "FAIL"
	OpOutdate          OperationType = "OUTDATE"
	OpFinishing        OperationType = "FINISHING"
	OpFinishingTimeout OperationType = "FINISHING_TIMEOUT"
	OpWake             OperationType = "WAKE"
	OpTerminate        OperationType = "TERMINATE"
	OpRemove           OperationType = "REMOVE"
)

// Причины FAIL.
const (
	ReasonPendingTimeout  = "pending_timeout_reached"
	ReasonStartingTimeout = "starting_timeout_reached"
	ReasonIdleTimeout     = "idle_timeout_reached"
)

// Operation — одна операция плана.
type Operation struct {
	Type OperationType

	// Node — для операций над существующим node.
	Node *domain.Node

	// RoutingID, Config, DeploymentID — для CREATE.
	RoutingID    string
	Config       domain.NodeConfig
	DeploymentID uuid.UUID

	// Reason — для FAIL.
	Reason string
}

// Timeouts — сколько node может провести в состоянии.
type Timeouts struct {
	Pending   time.Duration
	Starting  time.Duration
	Finishing time.Duration
	Idle      time.Duration

	// Remove — через сколько TERMINATED/ERROR nodes удаляются.
	Remove time.Duration
}

// PlanInput — снимок состояния fleet для планирования.
type PlanInput struct {
	Now        time.Time
	Deployment domain.Deployment

	// Default — форма новых nodes; Image берётся из Deployment.
	Default domain.NodeConfig

	Nodes     []domain.Node
	Overrides map[string]domain.NodeConfigOverride

	// Targets — потребность по routing id.
	Targets map[string]int

	// Floor — минимум здоровых nodes на routing id с потребностью.
	Floor int

	Timeouts Timeouts
}

// Plan строит список операций. Функция чистая: не обращается
// ни к store, ни к провайдеру.
func Plan(in PlanInput) []Operation {
	byRouting := make(map[string][]domain.Node)
	for _, n := range in.Nodes {
		byRouting[n.RoutingID] = append(byRouting[n.RoutingID], n)
	}
	routingIDs := make([]string, 0, len(byRouting)+len(in.Targets))
	for id := range byRouting {
		routingIDs = append(routingIDs, id)
	}
	for id := range in.Targets {
		if _, ok := byRouting[id]; !ok {
			routingIDs = append(routingIDs, id)
		}
	}
	sort.Strings(routingIDs)

	var plan []Operation
	for _, id := range routingIDs {
		plan = append(plan, planRouting(in, id, byRouting[id])...)
	}
	return plan
}

func planRouting(in PlanInput, routingID string, nodes []domain.Node) []Operation {
	var override *domain.NodeConfigOverride
	if o, ok := in.Overrides[routingID]; ok {
		override = &o
	}
	isCurrent := func(n *domain.Node) bool {
		return n.DeploymentID == in.Deployment.ID && !override.Differs(n)
	}
	timedOut := func(n *domain.Node, limit time.Duration) bool {
		return limit > 0 && n.InState(in.Now) > limit
	}

	target, hasTarget := in.Targets[routingID]
	if hasTarget {
		target = max(target, in.Floor)
	}

	byState := make(map[domain.NodeState][]*domain.Node)
	for i := range nodes {
		n := &nodes[i]
		byState[n.State] = append(byState[n.State], n)
	}
	for _, list := range byState {
		sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	}

	var (
		plan       []Operation
		upcoming   int // PENDING и STARTING на текущей конфигурации
		running    int // RUNNING на текущей конфигурации
		outdated   []*domain.Node
		idle       []*domain.Node
		finishOnly []*domain.Node
	)

	for _, n := range byState[domain.NodeStatePending] {
		if timedOut(n, in.Timeouts.Pending) {
			plan = append(plan, Operation{Type: OpFail, Node: n, Reason: ReasonPendingTimeout})
			continue
		}
		plan = append(plan, Operation{Type: OpStart, Node: n})
		if isCurrent(n) {
			upcoming++
		}
	}

	for _, n := range byState[domain.NodeStateStarting] {
		if timedOut(n, in.Timeouts.Starting) {
			plan = append(plan, Operation{Type: OpFail, Node: n, Reason: ReasonStartingTimeout})
			continue
		}
		if n.URL != "" {
			plan = append(plan, Operation{Type: OpHealthcheck, Node: n})
		}
		if isCurrent(n) {
			upcoming++
		}
	}

	for _, n := range byState[domain.NodeStateRunning] {
		if !isCurrent(n) {
			plan = append(plan, Operation{Type: OpOutdate, Node: n})
			outdated = append(outdated, n)
			continue
		}
		running++
	}
	outdated = append(byState[domain.NodeStateOutdated], outdated...)

	for _, n := range byState[domain.NodeStateFinishing] {
		if timedOut(n, in.Timeouts.Finishing) {
			finishOnly = append(finishOnly, n)
		}
	}

	// IDLE nodes на текущей конфигурации будятся, если не хватает
	// здоровых; остальные останавливаются.
	need := target - running - upcoming
	for _, n := range byState[domain.NodeStateIdle] {
		if need > 0 && isCurrent(n) {
			plan = append(plan, Operation{Type: OpWake, Node: n})
			running++
			need--
			continue
		}
		idle = append(idle, n)
	}

	// Старые nodes уходят, только когда их работу можно забрать:
	// здоровых не становится меньше target.
	retire := min(running+len(outdated)-target, len(outdated))
	for i := 0; i < retire; i++ {
		plan = append(plan, Operation{Type: OpFinishing, Node: outdated[i]})
	}

	for i := 0; i < need; i++ {
		cfg := override.Apply(domain.NodeConfig{
			Image:     in.Deployment.Image,
			CPUMilli:  in.Default.CPUMilli,
			MemoryMb:  in.Default.MemoryMb,
			StorageMb: in.Default.StorageMb,
		})
		plan = append(plan, Operation{
			Type:         OpCreate,
			RoutingID:    routingID,
			Config:       cfg,
			DeploymentID: in.Deployment.ID,
		})
	}

	for _, n := range finishOnly {
		plan = append(plan, Operation{Type: OpFinishingTimeout, Node: n})
	}

	for _, n := range idle {
		if timedOut(n, in.Timeouts.Idle) {
			plan = append(plan, Operation{Type: OpFail, Node: n, Reason: ReasonIdleTimeout})
			continue
		}
		plan = append(plan, Operation{Type: OpTerminate, Node: n})
	}

	for _, state := range []domain.NodeState{domain.NodeStateTerminated, domain.NodeStateError} {
		for _, n := range byState[state] {
			if n.InState(in.Now) > in.Timeouts.Remove {
				plan = append(plan, Operation{Type: OpRemove, Node: n})
			}
		}
	}

	return plan
}
