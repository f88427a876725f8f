package fleet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo/memrepo"
	"github.com/google/uuid"
)

func newTestFleet(store *memrepo.Store, provider NodeProvider, clock *testClock) *Fleet {
	return New(Config{
		Store:           store,
		Provider:        provider,
		Verifier:        fakeVerifier{missing: map[string]bool{"runner:missing": true}},
		Floor:           1,
		NodeIdleTimeout: 10 * time.Minute,
		Logger:          discardLogger,
		Clock:           clock.Now,
	})
}

// --- Register Tests ---

func TestFleet_RegisterStartingNode(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	f := newTestFleet(store, &fakeProvider{}, clock)
	n := mustInsertNode(t, store, domain.Node{State: domain.NodeStateStarting, CreatedAt: clock.Now()})

	got, err := f.Register(context.Background(), n.ID, "http://10.0.0.1:8080")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got.State != domain.NodeStateRunning {
		t.Errorf("expected RUNNING without required health checks, got %s", got.State)
	}
	if got.URL != "http://10.0.0.1:8080" || got.RegisteredAt == nil {
		t.Errorf("expected url and registered_at, got %+v", got)
	}
}

func TestFleet_RegisterWaitsForHealthchecks(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	f := newTestFleet(store, &fakeProvider{}, clock)
	f.successes = 2
	n := mustInsertNode(t, store, domain.Node{State: domain.NodeStateStarting, CreatedAt: clock.Now()})

	got, err := f.Register(context.Background(), n.ID, "http://node")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got.State != domain.NodeStateStarting {
		t.Errorf("expected STARTING, got %s", got.State)
	}
}

func TestFleet_RegisterReawakensIdle(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	f := newTestFleet(store, &fakeProvider{}, clock)
	n := mustInsertNode(t, store, domain.Node{State: domain.NodeStateIdle, CreatedAt: clock.Now()})

	got, err := f.Register(context.Background(), n.ID, "http://node")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got.State != domain.NodeStateRunning {
		t.Errorf("expected RUNNING, got %s", got.State)
	}
}

func TestFleet_RegisterErrors(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	f := newTestFleet(store, &fakeProvider{}, clock)
	ctx := context.Background()

	if _, err := f.Register(ctx, uuid.New(), "http://node"); !isNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	n := mustInsertNode(t, store, domain.Node{State: domain.NodeStateTerminated, CreatedAt: clock.Now()})
	if _, err := f.Register(ctx, n.ID, "http://node"); !errors.Is(err, ErrInvalidNodeState) {
		t.Errorf("expected ErrInvalidNodeState, got %v", err)
	}
	if _, err := f.Register(ctx, n.ID, " "); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

// --- ReportIdle Tests ---

func TestFleet_ReportIdleFinishing(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	f := newTestFleet(store, &fakeProvider{}, clock)
	n := mustInsertNode(t, store, domain.Node{State: domain.NodeStateFinishing, CreatedAt: clock.Now()})

	got, err := f.ReportIdle(context.Background(), n.ID, 0)
	if err != nil {
		t.Fatalf("ReportIdle: %v", err)
	}
	if got.State != domain.NodeStateIdle {
		t.Errorf("expected IDLE, got %s", got.State)
	}
}

func TestFleet_ReportIdleRunningKeepsFloor(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	f := newTestFleet(store, &fakeProvider{}, clock)
	ctx := context.Background()

	a := mustInsertNode(t, store, domain.Node{State: domain.NodeStateRunning, CreatedAt: clock.Now()})

	// Единственный RUNNING node держит floor.
	got, err := f.ReportIdle(ctx, a.ID, time.Hour)
	if err != nil {
		t.Fatalf("ReportIdle: %v", err)
	}
	if got.State != domain.NodeStateRunning {
		t.Fatalf("expected last node to stay RUNNING, got %s", got.State)
	}

	b := mustInsertNode(t, store, domain.Node{State: domain.NodeStateRunning, CreatedAt: clock.Now()})

	// Простой короче таймаута.
	if got, _ := f.ReportIdle(ctx, b.ID, time.Minute); got.State != domain.NodeStateRunning {
		t.Fatalf("expected RUNNING for short idle, got %s", got.State)
	}

	if got, _ := f.ReportIdle(ctx, b.ID, time.Hour); got.State != domain.NodeStateIdle {
		t.Errorf("expected IDLE, got %s", got.State)
	}
}

// --- RequestTermination Tests ---

func TestFleet_RequestTermination(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	provider := &fakeProvider{}
	f := newTestFleet(store, provider, clock)
	ctx := context.Background()

	running := mustInsertNode(t, store, domain.Node{State: domain.NodeStateRunning, CreatedAt: clock.Now()})
	got, err := f.RequestTermination(ctx, running.ID)
	if err != nil {
		t.Fatalf("RequestTermination: %v", err)
	}
	if got.State != domain.NodeStateOutdated {
		t.Errorf("expected OUTDATED, got %s", got.State)
	}

	idle := mustInsertNode(t, store, domain.Node{State: domain.NodeStateIdle, CreatedAt: clock.Now()})
	got, err = f.RequestTermination(ctx, idle.ID)
	if err != nil {
		t.Fatalf("RequestTermination: %v", err)
	}
	if got.State != domain.NodeStateTerminated {
		t.Errorf("expected TERMINATED, got %s", got.State)
	}
	if _, terminated := provider.counts(); terminated != 1 {
		t.Errorf("expected provider terminate, got %d", terminated)
	}

	pending := mustInsertNode(t, store, domain.Node{State: domain.NodeStatePending, CreatedAt: clock.Now()})
	if _, err := f.RequestTermination(ctx, pending.ID); !errors.Is(err, ErrInvalidNodeState) {
		t.Errorf("expected ErrInvalidNodeState, got %v", err)
	}
}

// --- Deploy Tests ---

func TestFleet_Deploy(t *testing.T) {
	store := newTestStore()
	clock := newTestClock()
	f := newTestFleet(store, &fakeProvider{}, clock)
	ctx := context.Background()

	if _, err := f.ActiveDeployment(ctx); !errors.Is(err, ErrNoActiveDeployment) {
		t.Fatalf("expected ErrNoActiveDeployment, got %v", err)
	}

	first, err := f.Deploy(ctx, "runner:v1")
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := f.Deploy(ctx, "runner:v2")
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	active, err := f.ActiveDeployment(ctx)
	if err != nil {
		t.Fatalf("ActiveDeployment: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("expected %s to be active, got %s", second.ID, active.ID)
	}

	list, err := f.ListDeployments(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeployments: %v", err)
	}
	if len(list) != 2 || list[1].ID != first.ID || list[1].Active || list[1].SupersededAt == nil {
		t.Errorf("expected first deployment superseded, got %+v", list)
	}
}

func TestFleet_DeployMissingImage(t *testing.T) {
	store := newTestStore()
	f := newTestFleet(store, &fakeProvider{}, newTestClock())

	_, err := f.Deploy(context.Background(), "runner:missing")
	if !errors.Is(err, ErrImageNotFound) {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}
	if list, _ := f.ListDeployments(context.Background(), 10); len(list) != 0 {
		t.Errorf("expected nothing written, got %d deployments", len(list))
	}
}

// --- Override Tests ---

func TestFleet_Overrides(t *testing.T) {
	store := newTestStore()
	f := newTestFleet(store, &fakeProvider{}, newTestClock())
	ctx := context.Background()

	if _, err := f.SetOverride(ctx, domain.NodeConfigOverride{RoutingID: "heavy", MemoryMb: intPtr(4096)}); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}
	if _, err := f.SetOverride(ctx, domain.NodeConfigOverride{RoutingID: "bad", CPUMilli: intPtr(-1)}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}

	list, err := f.ListOverrides(ctx)
	if err != nil {
		t.Fatalf("ListOverrides: %v", err)
	}
	if len(list) != 1 || *list[0].MemoryMb != 4096 {
		t.Fatalf("unexpected overrides %+v", list)
	}

	if err := f.DeleteOverride(ctx, "heavy"); err != nil {
		t.Fatalf("DeleteOverride: %v", err)
	}
	if err := f.DeleteOverride(ctx, "heavy"); !isNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestParseOverrides(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    int
		wantErr bool
	}{
		{
			name: "valid",
			data: "overrides:\n  - routing_id: heavy\n    memory_mb: 4096\n  - routing_id: gpu\n    image: runner:gpu\n",
			want: 2,
		},
		{name: "empty", data: "", want: 0},
		{name: "missing routing id", data: "overrides:\n  - memory_mb: 1\n", wantErr: true},
		{name: "duplicate", data: "overrides:\n  - routing_id: a\n  - routing_id: a\n", wantErr: true},
		{name: "negative", data: "overrides:\n  - routing_id: a\n    cpu_milli: -5\n", wantErr: true},
		{name: "not yaml", data: "overrides: [", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOverrides([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOverrides() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d overrides, got %d", tt.want, len(got))
			}
		})
	}
}

func TestFleet_LoadOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	data := "overrides:\n  - routing_id: heavy\n    cpu_milli: 2000\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	f := newTestFleet(newTestStore(), &fakeProvider{}, newTestClock())
	n, err := f.LoadOverridesFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadOverridesFile: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 override, got %d", n)
	}

	list, _ := f.ListOverrides(context.Background(), "heavy")
	if len(list) != 1 || *list[0].CPUMilli != 2000 {
		t.Errorf("unexpected overrides %+v", list)
	}
}
