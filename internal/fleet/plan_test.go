package fleet

import (
	"testing"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/google/uuid"
)

var planNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func planNode(state domain.NodeState, deployment uuid.UUID, inState time.Duration) domain.Node {
	return domain.Node{
		ID:                    uuid.New(),
		RoutingID:             "default",
		DeploymentID:          deployment,
		Image:                 "runner:v1",
		CPUMilli:              500,
		MemoryMb:              512,
		State:                 state,
		URL:                   "http://node",
		CreatedAt:             planNow.Add(-inState),
		LastStateTransitionAt: planNow.Add(-inState),
	}
}

func countOps(plan []Operation) map[OperationType]int {
	out := make(map[OperationType]int)
	for _, op := range plan {
		out[op.Type]++
	}
	return out
}

func basePlanInput(deployment domain.Deployment, nodes []domain.Node, target int) PlanInput {
	return PlanInput{
		Now:        planNow,
		Deployment: deployment,
		Default:    domain.NodeConfig{CPUMilli: 500, MemoryMb: 512, StorageMb: 1000},
		Nodes:      nodes,
		Targets:    map[string]int{"default": target},
		Timeouts: Timeouts{
			Pending:   5 * time.Minute,
			Starting:  5 * time.Minute,
			Finishing: time.Hour,
			Idle:      time.Hour,
			Remove:    24 * time.Hour,
		},
	}
}

// --- Plan Tests ---

func TestPlan_CreatesMissingNodes(t *testing.T) {
	dep := domain.Deployment{ID: uuid.New(), Image: "runner:v1"}
	nodes := []domain.Node{planNode(domain.NodeStateRunning, dep.ID, time.Minute)}

	plan := Plan(basePlanInput(dep, nodes, 3))

	ops := countOps(plan)
	if ops[OpCreate] != 2 {
		t.Fatalf("expected exactly 2 CREATE, got %d (%v)", ops[OpCreate], ops)
	}
	for _, op := range plan {
		if op.Type != OpCreate {
			continue
		}
		if op.Config.Image != "runner:v1" || op.Config.StorageMb != 1000 {
			t.Errorf("unexpected config %+v", op.Config)
		}
		if op.DeploymentID != dep.ID {
			t.Errorf("expected deployment %s, got %s", dep.ID, op.DeploymentID)
		}
	}
}

func TestPlan_FloorRaisesTarget(t *testing.T) {
	dep := domain.Deployment{ID: uuid.New(), Image: "runner:v1"}
	in := basePlanInput(dep, nil, 0)
	in.Floor = 2

	if got := countOps(Plan(in))[OpCreate]; got != 2 {
		t.Errorf("expected 2 CREATE from floor, got %d", got)
	}
}

func TestPlan_CountsUpcomingNodes(t *testing.T) {
	dep := domain.Deployment{ID: uuid.New(), Image: "runner:v1"}
	nodes := []domain.Node{
		planNode(domain.NodeStatePending, dep.ID, time.Second),
		planNode(domain.NodeStateStarting, dep.ID, time.Second),
	}

	ops := countOps(Plan(basePlanInput(dep, nodes, 2)))
	if ops[OpCreate] != 0 {
		t.Errorf("expected no CREATE, got %d", ops[OpCreate])
	}
	if ops[OpStart] != 1 || ops[OpHealthcheck] != 1 {
		t.Errorf("expected START and HEALTHCHECK, got %v", ops)
	}
}

func TestPlan_Timeouts(t *testing.T) {
	dep := domain.Deployment{ID: uuid.New(), Image: "runner:v1"}
	pending := planNode(domain.NodeStatePending, dep.ID, 10*time.Minute)
	starting := planNode(domain.NodeStateStarting, dep.ID, 10*time.Minute)
	finishing := planNode(domain.NodeStateFinishing, dep.ID, 2*time.Hour)

	plan := Plan(basePlanInput(dep, []domain.Node{pending, starting, finishing}, 2))

	reasons := make(map[uuid.UUID]string)
	for _, op := range plan {
		if op.Type == OpFail {
			reasons[op.Node.ID] = op.Reason
		}
	}
	if reasons[pending.ID] != ReasonPendingTimeout {
		t.Errorf("pending: expected %s, got %q", ReasonPendingTimeout, reasons[pending.ID])
	}
	if reasons[starting.ID] != ReasonStartingTimeout {
		t.Errorf("starting: expected %s, got %q", ReasonStartingTimeout, reasons[starting.ID])
	}

	ops := countOps(plan)
	if ops[OpCreate] != 2 {
		t.Errorf("expected failed nodes to be replaced, got %d CREATE", ops[OpCreate])
	}
	if ops[OpFinishingTimeout] != 1 {
		t.Errorf("expected FINISHING_TIMEOUT, got %v", ops)
	}
}

func TestPlan_RollingDeployKeepsCapacity(t *testing.T) {
	oldDep := domain.Deployment{ID: uuid.New(), Image: "runner:v1"}
	newDep := domain.Deployment{ID: uuid.New(), Image: "runner:v2"}

	// Шаг 1: старые RUNNING помечаются OUTDATED, замена создаётся,
	// но никто ещё не уходит в FINISHING.
	nodes := []domain.Node{
		planNode(domain.NodeStateRunning, oldDep.ID, time.Hour),
		planNode(domain.NodeStateRunning, oldDep.ID, time.Hour),
	}
	ops := countOps(Plan(basePlanInput(newDep, nodes, 2)))
	if ops[OpOutdate] != 2 || ops[OpCreate] != 2 || ops[OpFinishing] != 0 {
		t.Fatalf("step 1: unexpected plan %v", ops)
	}

	// Шаг 2: одна замена здорова — уходит ровно один старый node.
	nodes = []domain.Node{
		planNode(domain.NodeStateOutdated, oldDep.ID, time.Minute),
		planNode(domain.NodeStateOutdated, oldDep.ID, time.Minute),
		planNode(domain.NodeStateRunning, newDep.ID, time.Second),
		planNode(domain.NodeStateStarting, newDep.ID, time.Second),
	}
	ops = countOps(Plan(basePlanInput(newDep, nodes, 2)))
	if ops[OpFinishing] != 1 {
		t.Fatalf("step 2: expected 1 FINISHING, got %v", ops)
	}
	if ops[OpCreate] != 0 {
		t.Errorf("step 2: expected no CREATE, got %v", ops)
	}

	// Шаг 3: обе замены здоровы — уходят оба.
	nodes[3].State = domain.NodeStateRunning
	ops = countOps(Plan(basePlanInput(newDep, nodes, 2)))
	if ops[OpFinishing] != 2 {
		t.Errorf("step 3: expected 2 FINISHING, got %v", ops)
	}
}

func TestPlan_OverrideOutdatesNodes(t *testing.T) {
	dep := domain.Deployment{ID: uuid.New(), Image: "runner:v1"}
	nodes := []domain.Node{planNode(domain.NodeStateRunning, dep.ID, time.Hour)}
	in := basePlanInput(dep, nodes, 1)
	in.Overrides = map[string]domain.NodeConfigOverride{
		"default": {RoutingID: "default", MemoryMb: intPtr(2048)},
	}

	plan := Plan(in)
	ops := countOps(plan)
	if ops[OpOutdate] != 1 || ops[OpCreate] != 1 {
		t.Fatalf("unexpected plan %v", ops)
	}
	for _, op := range plan {
		if op.Type == OpCreate && op.Config.MemoryMb != 2048 {
			t.Errorf("expected override memory 2048, got %d", op.Config.MemoryMb)
		}
	}
}

func TestPlan_WakesIdleBeforeCreating(t *testing.T) {
	dep := domain.Deployment{ID: uuid.New(), Image: "runner:v1"}
	nodes := []domain.Node{
		planNode(domain.NodeStateRunning, dep.ID, time.Hour),
		planNode(domain.NodeStateIdle, dep.ID, time.Minute),
		planNode(domain.NodeStateIdle, dep.ID, time.Minute),
	}

	ops := countOps(Plan(basePlanInput(dep, nodes, 2)))
	if ops[OpWake] != 1 || ops[OpCreate] != 0 || ops[OpTerminate] != 1 {
		t.Errorf("unexpected plan %v", ops)
	}
}

func TestPlan_IdleTimeoutFails(t *testing.T) {
	dep := domain.Deployment{ID: uuid.New(), Image: "runner:v1"}
	stuck := planNode(domain.NodeStateIdle, dep.ID, 2*time.Hour)

	plan := Plan(basePlanInput(dep, []domain.Node{stuck}, 0))
	if len(plan) != 1 || plan[0].Type != OpFail || plan[0].Reason != ReasonIdleTimeout {
		t.Errorf("expected idle timeout FAIL, got %+v", plan)
	}
}

func TestPlan_RemovesOldFinalNodes(t *testing.T) {
	dep := domain.Deployment{ID: uuid.New(), Image: "runner:v1"}
	nodes := []domain.Node{
		planNode(domain.NodeStateTerminated, dep.ID, 48*time.Hour),
		planNode(domain.NodeStateError, dep.ID, 48*time.Hour),
		planNode(domain.NodeStateTerminated, dep.ID, time.Hour),
	}

	if got := countOps(Plan(basePlanInput(dep, nodes, 0)))[OpRemove]; got != 2 {
		t.Errorf("expected 2 REMOVE, got %d", got)
	}
}

func TestPlan_RoutingWithoutDemandDrains(t *testing.T) {
	dep := domain.Deployment{ID: uuid.New(), Image: "runner:v1"}
	n := planNode(domain.NodeStateOutdated, dep.ID, time.Minute)
	n.RoutingID = "legacy"

	plan := Plan(basePlanInput(dep, []domain.Node{n}, 1))
	ops := countOps(plan)
	if ops[OpFinishing] != 1 {
		t.Errorf("expected legacy node to be retired, got %v", ops)
	}
	if ops[OpCreate] != 1 {
		t.Errorf("expected default routing to get a node, got %v", ops)
	}
}

func intPtr(v int) *int { return &v }
