package fleet

import (
	"context"
	"errors"
	"testing"
)

type fakeCounter struct {
	active int
	err    error
}

func (c fakeCounter) CountActive(context.Context, string) (int, error) {
	return c.active, c.err
}

// --- Demand Tests ---

func TestSchedulerDemand_Targets(t *testing.T) {
	tests := []struct {
		name   string
		active int
		want   int
	}{
		{"idle keeps min", 0, 1},
		{"one partial node", 3, 1},
		{"rounds up", 11, 2},
		{"exact", 30, 3},
		{"clamped to max", 1000, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := SchedulerDemand{
				Counter:      fakeCounter{active: tt.active},
				RoutingID:    "default",
				TasksPerNode: 10,
				Min:          1,
				Max:          5,
			}
			got, err := d.Targets(context.Background())
			if err != nil {
				t.Fatalf("Targets: %v", err)
			}
			if got["default"] != tt.want {
				t.Errorf("expected %d nodes, got %d", tt.want, got["default"])
			}
		})
	}
}

func TestSchedulerDemand_CounterError(t *testing.T) {
	d := SchedulerDemand{Counter: fakeCounter{err: errors.New("db down")}, RoutingID: "default"}
	if _, err := d.Targets(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestStaticDemand_ReturnsCopy(t *testing.T) {
	d := StaticDemand{"a": 2}
	got, _ := d.Targets(context.Background())
	got["a"] = 10
	if d["a"] != 2 {
		t.Errorf("expected original to be unchanged, got %d", d["a"])
	}
}
