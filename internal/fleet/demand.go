package fleet

import (
	"context"
	"fmt"
)

// Demand — сколько nodes нужно каждому routing id.
type Demand interface {
	Targets(ctx context.Context) (map[string]int, error)
}

// StaticDemand — фиксированная потребность.
type StaticDemand map[string]int

func (d StaticDemand) Targets(context.Context) (map[string]int, error) {
	out := make(map[string]int, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out, nil
}

// ActiveTaskCounter считает CREATED и STARTED tasks.
// Пустой groupKey — по всем группам.
type ActiveTaskCounter interface {
	CountActive(ctx context.Context, groupKey string) (int, error)
}

// SchedulerDemand выводит потребность из нагрузки scheduler'а:
// ceil(active / TasksPerNode), в пределах [Min, Max].
type SchedulerDemand struct {
	Counter      ActiveTaskCounter
	RoutingID    string
	GroupKey     string
	TasksPerNode int
	Min          int
	Max          int
}

func (d SchedulerDemand) Targets(ctx context.Context) (map[string]int, error) {
	active, err := d.Counter.CountActive(ctx, d.GroupKey)
	if err != nil {
		return nil, fmt.Errorf("count active tasks: %w", err)
	}
	return map[string]int{d.RoutingID: d.nodesFor(active)}, nil
}

func (d SchedulerDemand) nodesFor(active int) int {
	perNode := max(d.TasksPerNode, 1)
	n := (active + perNode - 1) / perNode
	n = max(n, d.Min)
	if d.Max > 0 {
		n = min(n, d.Max)
	}
	return n
}
