package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

func newTestSupervisor(store repo.Store, provider NodeProvider, clock *testClock, target int) *Supervisor {
	return NewSupervisor(SupervisorConfig{
		Name:                 "test",
		Store:                store,
		Provider:             provider,
		Demand:               StaticDemand{"default": target},
		Default:              domain.NodeConfig{CPUMilli: 500, MemoryMb: 512},
		HealthcheckSuccesses: 1,
		Timeouts: Timeouts{
			Pending:   5 * time.Minute,
			Starting:  5 * time.Minute,
			Finishing: time.Hour,
			Idle:      time.Hour,
			Remove:    24 * time.Hour,
		},
		Logger: discardLogger,
		Clock:  clock.Now,
	})
}

func runTick(t *testing.T, s *Supervisor) SupervisorResult {
	t.Helper()
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

// --- Supervisor Tests ---

func TestSupervisor_SkipsWithoutDeployment(t *testing.T) {
	store := newTestStore()
	s := newTestSupervisor(store, &fakeProvider{}, newTestClock(), 2)

	res := runTick(t, s)
	if !res.Skipped {
		t.Fatalf("expected tick to be skipped, got %+v", res)
	}
	if got := len(nodesInState(t, store, domain.NodeStatePending)); got != 0 {
		t.Errorf("expected no nodes, got %d", got)
	}
}

func TestSupervisor_BringsNodesToRunning(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	provider := &fakeProvider{}
	dep := mustDeploy(t, store, "runner:v1", clock.Now())
	s := newTestSupervisor(store, provider, clock, 2)

	runTick(t, s)
	pending := nodesInState(t, store, domain.NodeStatePending)
	if len(pending) != 2 {
		t.Fatalf("expected 2 PENDING, got %d", len(pending))
	}
	if pending[0].DeploymentID != dep.ID || pending[0].Image != "runner:v1" {
		t.Errorf("unexpected node %+v", pending[0])
	}

	runTick(t, s)
	starting := nodesInState(t, store, domain.NodeStateStarting)
	if len(starting) != 2 {
		t.Fatalf("expected 2 STARTING, got %d", len(starting))
	}
	if starting[0].URL == "" || starting[0].ProviderRef == "" {
		t.Errorf("expected provider result to be stored, got %+v", starting[0])
	}

	runTick(t, s)
	if got := len(nodesInState(t, store, domain.NodeStateRunning)); got != 2 {
		t.Fatalf("expected 2 RUNNING, got %d", got)
	}

	res := runTick(t, s)
	if res.Planned != 0 {
		t.Errorf("expected steady state, got %d planned operations", res.Planned)
	}
}

func TestSupervisor_StartFailureReplacesNode(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	provider := &fakeProvider{startErr: errors.New("quota exceeded")}
	mustDeploy(t, store, "runner:v1", clock.Now())
	s := newTestSupervisor(store, provider, clock, 1)

	runTick(t, s)
	res := runTick(t, s)
	if res.Failed != 1 {
		t.Fatalf("expected 1 failed operation, got %+v", res)
	}

	failed := nodesInState(t, store, domain.NodeStateError)
	if len(failed) != 1 {
		t.Fatalf("expected 1 ERROR node, got %d", len(failed))
	}
	if failed[0].Error == "" {
		t.Error("expected error reason to be stored")
	}
	if _, terminated := provider.counts(); terminated != 1 {
		t.Errorf("expected best-effort terminate, got %d", terminated)
	}

	provider.startErr = nil
	runTick(t, s)
	if got := len(nodesInState(t, store, domain.NodeStatePending)); got != 1 {
		t.Errorf("expected replacement node, got %d PENDING", got)
	}
}

func TestSupervisor_StartLimiterDefersStarts(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	provider := &fakeProvider{}
	mustDeploy(t, store, "runner:v1", clock.Now())
	s := newTestSupervisor(store, provider, clock, 3)
	s.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	runTick(t, s)
	runTick(t, s)

	if started, _ := provider.counts(); started != 1 {
		t.Errorf("expected 1 start, got %d", started)
	}
	if got := len(nodesInState(t, store, domain.NodeStatePending)); got != 2 {
		t.Errorf("expected 2 deferred PENDING nodes, got %d", got)
	}
}

func TestSupervisor_HealthcheckFailureResetsCounter(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	provider := &fakeProvider{}
	dep := mustDeploy(t, store, "runner:v1", clock.Now())
	n := mustInsertNode(t, store, domain.Node{
		DeploymentID: dep.ID,
		Image:        "runner:v1",
		CPUMilli:     500,
		MemoryMb:     512,
		State:        domain.NodeStateStarting,
		URL:          "http://node",
		CreatedAt:    clock.Now(),
	})
	s := newTestSupervisor(store, provider, clock, 1)
	s.successes = 2

	runTick(t, s)
	if got := getNode(t, store, n.ID); got.HealthChecks != 1 || got.State != domain.NodeStateStarting {
		t.Fatalf("expected 1 successful check, got %+v", got)
	}

	provider.verifyErr = errors.New("connection refused")
	runTick(t, s)
	if got := getNode(t, store, n.ID); got.HealthChecks != 0 {
		t.Fatalf("expected counter reset, got %d", got.HealthChecks)
	}

	provider.verifyErr = nil
	runTick(t, s)
	runTick(t, s)
	if got := getNode(t, store, n.ID); got.State != domain.NodeStateRunning {
		t.Errorf("expected RUNNING after 2 successes, got %s", got.State)
	}
}

func TestSupervisor_PendingTimeoutFailsNode(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	provider := &fakeProvider{}
	dep := mustDeploy(t, store, "runner:v1", clock.Now())
	n := mustInsertNode(t, store, domain.Node{
		DeploymentID: dep.ID,
		Image:        "runner:v1",
		State:        domain.NodeStatePending,
		CreatedAt:    clock.Now().Add(-time.Hour),
	})
	s := newTestSupervisor(store, provider, clock, 0)

	runTick(t, s)

	got := getNode(t, store, n.ID)
	if got.State != domain.NodeStateError || got.Error != ReasonPendingTimeout {
		t.Errorf("expected ERROR with %s, got %s %q", ReasonPendingTimeout, got.State, got.Error)
	}
}

func TestSupervisor_RollingDeploy(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	provider := &fakeProvider{}
	mustDeploy(t, store, "runner:v1", clock.Now())
	s := newTestSupervisor(store, provider, clock, 1)

	for range 3 {
		runTick(t, s)
	}
	running := nodesInState(t, store, domain.NodeStateRunning)
	if len(running) != 1 {
		t.Fatalf("expected 1 RUNNING, got %d", len(running))
	}
	old := running[0]

	mustDeploy(t, store, "runner:v2", clock.Now())

	runTick(t, s) // OUTDATE + CREATE
	if got := getNode(t, store, old.ID); got.State != domain.NodeStateOutdated {
		t.Fatalf("expected OUTDATED, got %s", got.State)
	}
	runTick(t, s) // START
	runTick(t, s) // HEALTHCHECK → RUNNING
	if got := getNode(t, store, old.ID); got.State != domain.NodeStateOutdated {
		t.Fatalf("old node must wait for replacement, got %s", got.State)
	}

	runTick(t, s) // FINISHING
	if got := getNode(t, store, old.ID); got.State != domain.NodeStateFinishing {
		t.Fatalf("expected FINISHING, got %s", got.State)
	}

	running = nodesInState(t, store, domain.NodeStateRunning)
	if len(running) != 1 || running[0].Image != "runner:v2" {
		t.Errorf("expected one v2 RUNNING node, got %+v", running)
	}
}

func TestSupervisor_TerminatesAndRemovesIdle(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	provider := &fakeProvider{}
	dep := mustDeploy(t, store, "runner:v1", clock.Now())
	n := mustInsertNode(t, store, domain.Node{
		DeploymentID: dep.ID,
		Image:        "runner:v1",
		State:        domain.NodeStateIdle,
		CreatedAt:    clock.Now(),
	})
	s := newTestSupervisor(store, provider, clock, 0)

	runTick(t, s)
	if got := getNode(t, store, n.ID); got.State != domain.NodeStateTerminated {
		t.Fatalf("expected TERMINATED, got %s", got.State)
	}

	clock.Advance(25 * time.Hour)
	runTick(t, s)

	err := store.WithTx(context.Background(), func(q repo.Querier) error {
		_, err := q.GetNode(context.Background(), n.ID)
		return err
	})
	if !isNotFound(err) {
		t.Errorf("expected node to be removed, got %v", err)
	}
}

func TestSupervisor_SkipsWhenLockHeld(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	provider := &fakeProvider{}
	mustDeploy(t, store, "runner:v1", clock.Now())
	s := newTestSupervisor(store, provider, clock, 2)

	var res SupervisorResult
	ok, err := store.WithLock(context.Background(), "fleet:test", func(ctx context.Context) error {
		var err error
		res, err = s.Run(ctx)
		return err
	})
	if err != nil || !ok {
		t.Fatalf("WithLock = %v, %v", ok, err)
	}
	if !res.Skipped {
		t.Fatalf("expected tick to be skipped while the lock is held, got %+v", res)
	}
	if got := len(nodesInState(t, store, domain.NodeStatePending)); got != 0 {
		t.Errorf("expected no nodes, got %d", got)
	}
}

// --- Transaction Scope Tests ---

var errTxAborted = errors.New("current transaction is aborted")

// abortingStore повторяет поведение Postgres: после ошибки UpdateNode
// для failNode все запросы транзакции падают и она откатывается.
type abortingStore struct {
	repo.Store
	failNode uuid.UUID
}

func (s *abortingStore) WithTx(ctx context.Context, fn func(q repo.Querier) error) error {
	return s.Store.WithTx(ctx, func(q repo.Querier) error {
		aq := &abortingQuerier{Querier: q, failNode: s.failNode}
		err := fn(aq)
		if aq.aborted {
			return errTxAborted
		}
		return err
	})
}

type abortingQuerier struct {
	repo.Querier
	failNode uuid.UUID
	aborted  bool
}

func (q *abortingQuerier) UpdateNode(ctx context.Context, n *domain.Node) error {
	if q.aborted || n.ID == q.failNode {
		q.aborted = true
		return errTxAborted
	}
	return q.Querier.UpdateNode(ctx, n)
}

func (q *abortingQuerier) LockNode(ctx context.Context, id uuid.UUID) (*domain.Node, error) {
	if q.aborted {
		return nil, errTxAborted
	}
	return q.Querier.LockNode(ctx, id)
}

func (q *abortingQuerier) GetNode(ctx context.Context, id uuid.UUID) (*domain.Node, error) {
	if q.aborted {
		return nil, errTxAborted
	}
	return q.Querier.GetNode(ctx, id)
}

func (q *abortingQuerier) SearchNodes(ctx context.Context, f repo.NodeFilter) ([]domain.Node, error) {
	if q.aborted {
		return nil, errTxAborted
	}
	return q.Querier.SearchNodes(ctx, f)
}

func TestSupervisor_FailedOperationKeepsOthers(t *testing.T) {
	mem := newTestStore()
	clock := newTestClock()
	provider := &fakeProvider{}
	dep := mustDeploy(t, mem, "runner:v1", clock.Now())
	pending := domain.Node{DeploymentID: dep.ID, Image: "runner:v1", State: domain.NodeStatePending, CreatedAt: clock.Now()}
	broken := mustInsertNode(t, mem, pending)
	healthy := mustInsertNode(t, mem, pending)

	store := &abortingStore{Store: mem, failNode: broken.ID}
	s := newTestSupervisor(store, provider, clock, 2)

	res := runTick(t, s)
	if res.Failed != 1 || res.Executed != 1 {
		t.Fatalf("expected 1 failed and 1 executed, got %+v", res)
	}
	if got := getNode(t, mem, healthy.ID); got.State != domain.NodeStateStarting {
		t.Errorf("healthy node = %s, want STARTING", got.State)
	}
	if got := getNode(t, mem, broken.ID); got.State != domain.NodeStatePending {
		t.Errorf("broken node = %s, want PENDING", got.State)
	}

	// Ресурс, который не удалось записать, остановлен.
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.terminated) != 1 || provider.terminated[0] != broken.ID {
		t.Errorf("terminated = %v, want only %s", provider.terminated, broken.ID)
	}
}

// storeTouchingProvider обращается к store из Start, как это делает
// node, регистрирующийся во время старта.
type storeTouchingProvider struct {
	*fakeProvider
	store   repo.Store
	blocked bool
}

func (p *storeTouchingProvider) Start(ctx context.Context, n domain.Node) (StartResult, error) {
	done := make(chan error, 1)
	go func() {
		done <- p.store.WithTx(ctx, func(q repo.Querier) error {
			_, err := q.GetNode(ctx, n.ID)
			return err
		})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		p.blocked = true
	}
	return p.fakeProvider.Start(ctx, n)
}

func TestSupervisor_ProviderCallsRunOutsideTransactions(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	dep := mustDeploy(t, store, "runner:v1", clock.Now())
	mustInsertNode(t, store, domain.Node{DeploymentID: dep.ID, Image: "runner:v1", State: domain.NodeStatePending, CreatedAt: clock.Now()})

	provider := &storeTouchingProvider{fakeProvider: &fakeProvider{}, store: store}
	s := newTestSupervisor(store, provider, clock, 1)

	runTick(t, s)
	if provider.blocked {
		t.Fatal("store was locked during provider.Start")
	}
	if got := len(nodesInState(t, store, domain.NodeStateStarting)); got != 1 {
		t.Errorf("expected 1 STARTING, got %d", got)
	}
}
