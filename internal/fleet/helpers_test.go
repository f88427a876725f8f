package fleet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/NangoHQ/nango-sub018/internal/repo/memrepo"
	"github.com/google/uuid"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeProvider запоминает вызовы и отдаёт заданные ошибки.
type fakeProvider struct {
	mu         sync.Mutex
	started    []uuid.UUID
	terminated []uuid.UUID
	startErr   error
	verifyErr  error
}

func (p *fakeProvider) Start(_ context.Context, n domain.Node) (StartResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return StartResult{}, p.startErr
	}
	p.started = append(p.started, n.ID)
	return StartResult{URL: "http://node-" + n.ID.String()[:8], ProviderRef: "ref-" + n.ID.String()[:8]}, nil
}

func (p *fakeProvider) Terminate(_ context.Context, n domain.Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, n.ID)
	return nil
}

func (p *fakeProvider) VerifyURL(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verifyErr
}

func (p *fakeProvider) counts() (started, terminated int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.started), len(p.terminated)
}

// fakeVerifier отвергает образы из missing.
type fakeVerifier struct {
	missing map[string]bool
}

func (v fakeVerifier) Verify(_ context.Context, image string) error {
	if v.missing[image] {
		return ErrImageNotFound
	}
	return nil
}

func mustDeploy(t *testing.T, store repo.Store, image string, now time.Time) domain.Deployment {
	t.Helper()
	d := domain.Deployment{ID: uuid.New(), Image: image, CreatedAt: now}
	err := store.WithTx(context.Background(), func(q repo.Querier) error {
		if err := q.InsertDeployment(context.Background(), &d); err != nil {
			return err
		}
		return q.ActivateDeployment(context.Background(), d.ID, now)
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	d.Active = true
	return d
}

func mustInsertNode(t *testing.T, store repo.Store, n domain.Node) domain.Node {
	t.Helper()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.RoutingID == "" {
		n.RoutingID = "default"
	}
	if n.LastStateTransitionAt.IsZero() {
		n.LastStateTransitionAt = n.CreatedAt
	}
	err := store.WithTx(context.Background(), func(q repo.Querier) error {
		return q.InsertNode(context.Background(), &n)
	})
	if err != nil {
		t.Fatalf("insert node: %v", err)
	}
	return n
}

func getNode(t *testing.T, store repo.Store, id uuid.UUID) *domain.Node {
	t.Helper()
	var out *domain.Node
	err := store.WithTx(context.Background(), func(q repo.Querier) error {
		n, err := q.GetNode(context.Background(), id)
		out = n
		return err
	})
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	return out
}

func nodesInState(t *testing.T, store repo.Store, state domain.NodeState) []domain.Node {
	t.Helper()
	var out []domain.Node
	err := store.WithTx(context.Background(), func(q repo.Querier) error {
		nodes, err := q.SearchNodes(context.Background(), repo.NodeFilter{States: []domain.NodeState{state}})
		out = nodes
		return err
	})
	if err != nil {
		t.Fatalf("search nodes: %v", err)
	}
	return out
}

func newTestStore() *memrepo.Store {
	return memrepo.New()
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
