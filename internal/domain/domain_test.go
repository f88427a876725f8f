package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTaskState_Transitions(t *testing.T) {
	tests := []struct {
		from TaskState
		to   TaskState
		ok   bool
	}{
		{TaskStateCreated, TaskStateStarted, true},
		{TaskStateCreated, TaskStateExpired, true},
		{TaskStateCreated, TaskStateCancelled, true},
		{TaskStateCreated, TaskStateSucceeded, false},
		{TaskStateCreated, TaskStateFailed, false},
		{TaskStateStarted, TaskStateSucceeded, true},
		{TaskStateStarted, TaskStateFailed, true},
		{TaskStateStarted, TaskStateCancelled, true},
		{TaskStateStarted, TaskStateExpired, false},
		{TaskStateStarted, TaskStateCreated, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.ok, got)
		}
	}

	// Из финальных состояний выхода нет.
	for _, from := range TaskStates {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range TaskStates {
			if from.CanTransitionTo(to) {
				t.Errorf("terminal state %s must not transition to %s", from, to)
			}
		}
	}
}

func TestTask_TransitionTo_LeavesTaskUnchangedOnError(t *testing.T) {
	now := time.Now()
	task := &Task{ID: uuid.New(), State: TaskStateSucceeded, LastStateTransitionAt: now}

	err := task.TransitionTo(TaskStateStarted, now.Add(time.Minute))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if task.State != TaskStateSucceeded {
		t.Errorf("state changed to %s", task.State)
	}
	if !task.LastStateTransitionAt.Equal(now) {
		t.Error("last_state_transition_at should not change")
	}
}

func TestTask_StartStampsHeartbeat(t *testing.T) {
	now := time.Now()
	task := &Task{State: TaskStateCreated}

	if err := task.TransitionTo(TaskStateStarted, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.LastHeartbeatAt == nil || !task.LastHeartbeatAt.Equal(now) {
		t.Errorf("expected heartbeat at %v, got %v", now, task.LastHeartbeatAt)
	}
}

func TestTask_Deadlines(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	hb := base.Add(10 * time.Second)
	task := &Task{
		StartsAfter:               base,
		LastStateTransitionAt:     base,
		LastHeartbeatAt:           &hb,
		CreatedToStartedTimeout:   time.Minute,
		StartedToCompletedTimeout: time.Hour,
		HeartbeatTimeout:          30 * time.Second,
	}

	if got := task.StartDeadline(); !got.Equal(base.Add(time.Minute)) {
		t.Errorf("start deadline: %v", got)
	}
	if got := task.HeartbeatDeadline(); !got.Equal(hb.Add(30 * time.Second)) {
		t.Errorf("heartbeat deadline: %v", got)
	}
	if got := task.CompletionDeadline(); !got.Equal(base.Add(time.Hour)) {
		t.Errorf("completion deadline: %v", got)
	}
}

func TestTask_CanRetryAndNewRetry(t *testing.T) {
	now := time.Now()
	task := &Task{
		ID:         uuid.New(),
		Name:       "sync",
		GroupKey:   "g1",
		RetryKey:   "chain",
		RetryMax:   2,
		RetryCount: 1,
		State:      TaskStateFailed,
		Error:      &TaskError{Type: ErrorTypeHeartbeatTimeout, Retryable: true},
	}

	if !task.CanRetry() {
		t.Fatal("expected retry to be allowed")
	}

	next := task.NewRetry(now, now.Add(time.Second))
	if next.ID == task.ID {
		t.Error("retry must get a new id")
	}
	if next.RetryKey != "chain" || next.RetryCount != 2 {
		t.Errorf("unexpected retry chain: key=%s count=%d", next.RetryKey, next.RetryCount)
	}
	if next.State != TaskStateCreated {
		t.Errorf("retry must start in CREATED, got %s", next.State)
	}
	if next.CanRetry() {
		t.Error("CREATED task cannot be retried")
	}

	task.RetryCount = 2
	if task.CanRetry() {
		t.Error("retry_max exhausted")
	}

	task.RetryCount = 0
	task.Error.Retryable = false
	if task.CanRetry() {
		t.Error("non-retryable error must not retry")
	}
}

func TestGroup_Admits(t *testing.T) {
	zero, one := 0, 1
	tests := []struct {
		name    string
		group   *Group
		started int
		want    bool
	}{
		{"absent group is unlimited", nil, 100, true},
		{"nil limit is unlimited", &Group{Key: "g"}, 100, true},
		{"zero blocks", &Group{Key: "g", MaxConcurrency: &zero}, 0, false},
		{"under limit", &Group{Key: "g", MaxConcurrency: &one}, 0, true},
		{"at limit", &Group{Key: "g", MaxConcurrency: &one}, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.group.Admits(tt.started); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestGroup_Capacity(t *testing.T) {
	three := 3
	g := &Group{Key: "g", MaxConcurrency: &three}

	if got := g.Capacity(1, 10); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got := g.Capacity(5, 10); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := (&Group{Key: "g"}).Capacity(5, 10); got != 10 {
		t.Errorf("expected limit, got %d", got)
	}
}

func TestSchedule_IsDue(t *testing.T) {
	now := time.Now()
	started := TaskStateStarted
	succeeded := TaskStateSucceeded

	base := Schedule{
		State:           ScheduleStateStarted,
		StartsAt:        now.Add(-time.Hour),
		NextExecutionAt: now.Add(-time.Second),
	}

	tests := []struct {
		name   string
		mutate func(s *Schedule)
		want   bool
	}{
		{"due", func(s *Schedule) {}, true},
		{"paused", func(s *Schedule) { s.State = ScheduleStatePaused }, false},
		{"deleted", func(s *Schedule) { s.State = ScheduleStateDeleted }, false},
		{"starts in future", func(s *Schedule) { s.StartsAt = now.Add(time.Hour) }, false},
		{"next in future", func(s *Schedule) { s.NextExecutionAt = now.Add(time.Minute) }, false},
		{"task running", func(s *Schedule) { s.LastScheduledTaskState = &started }, false},
		{"task finished", func(s *Schedule) { s.LastScheduledTaskState = &succeeded }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			if got := s.IsDue(now); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNodeState_Transitions(t *testing.T) {
	valid := [][2]NodeState{
		{NodeStatePending, NodeStateStarting},
		{NodeStateStarting, NodeStateRunning},
		{NodeStateRunning, NodeStateOutdated},
		{NodeStateRunning, NodeStateIdle},
		{NodeStateIdle, NodeStateRunning},
		{NodeStateOutdated, NodeStateFinishing},
		{NodeStateFinishing, NodeStateIdle},
		{NodeStateIdle, NodeStateTerminated},
		{NodeStateStarting, NodeStateError},
	}
	for _, tr := range valid {
		if !tr[0].CanTransitionTo(tr[1]) {
			t.Errorf("%s -> %s should be valid", tr[0], tr[1])
		}
	}

	invalid := [][2]NodeState{
		{NodeStatePending, NodeStateRunning},
		{NodeStateTerminated, NodeStateRunning},
		{NodeStateError, NodeStatePending},
		{NodeStateOutdated, NodeStateRunning},
		{NodeStateFinishing, NodeStateRunning},
	}
	for _, tr := range invalid {
		if tr[0].CanTransitionTo(tr[1]) {
			t.Errorf("%s -> %s should be invalid", tr[0], tr[1])
		}
	}
}

func TestNodeConfigOverride(t *testing.T) {
	image := "runner:v2"
	mem := 1024
	o := &NodeConfigOverride{RoutingID: "big", Image: &image, MemoryMb: &mem}

	cfg := o.Apply(NodeConfig{Image: "runner:v1", CPUMilli: 500, MemoryMb: 512, StorageMb: 1000})
	if cfg.Image != "runner:v2" || cfg.MemoryMb != 1024 || cfg.CPUMilli != 500 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	node := &Node{Image: "runner:v2", CPUMilli: 500, MemoryMb: 1024}
	if o.Differs(node) {
		t.Error("node matches override")
	}
	node.MemoryMb = 512
	if !o.Differs(node) {
		t.Error("node memory differs from override")
	}

	var nilOverride *NodeConfigOverride
	if nilOverride.Differs(node) {
		t.Error("nil override never differs")
	}
}
