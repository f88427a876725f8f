package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/google/uuid"
)

func TestMonitor_ExpiresUnstartedTasks(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx := context.Background()
	m := NewMonitor(s, MonitorConfig{})

	task := mustEnqueue(t, s, TaskProps{Name: "a", GroupKey: "g", CreatedToStartedTimeout: time.Minute})

	clock.Advance(30 * time.Second)
	res, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Expired != 0 {
		t.Fatalf("expired %d tasks before deadline", res.Expired)
	}

	clock.Advance(time.Minute)
	res, err = m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Expired != 1 {
		t.Fatalf("expired = %d, want 1", res.Expired)
	}

	got, _ := s.Get(ctx, task.ID)
	if got.State != domain.TaskStateExpired {
		t.Errorf("state = %s, want EXPIRED", got.State)
	}
	if got.Error == nil || got.Error.Type != domain.ErrorTypeStartDeadlineExceeded {
		t.Errorf("error = %+v, want start_deadline_exceeded", got.Error)
	}
}

func TestMonitor_HeartbeatTimeoutRetries(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx := context.Background()
	m := NewMonitor(s, MonitorConfig{})

	task := mustEnqueue(t, s, TaskProps{Name: "a", GroupKey: "g", RetryMax: 1, OwnerKey: "o"})
	if _, err := s.Start(ctx, task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clock.Advance(31 * time.Second)
	res, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TimedOut != 1 || res.Retried != 1 {
		t.Fatalf("result = %+v, want 1 timed out and 1 retried", res)
	}

	failed, _ := s.Get(ctx, task.ID)
	if failed.State != domain.TaskStateFailed || failed.Error.Type != domain.ErrorTypeHeartbeatTimeout {
		t.Errorf("failed task = %s %+v", failed.State, failed.Error)
	}

	chain, err := s.Search(ctx, repo.TaskFilter{RetryKey: task.RetryKey})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("retry chain = %d tasks, want 2", len(chain))
	}
	var retry domain.Task
	for _, c := range chain {
		if c.ID != task.ID {
			retry = c
		}
	}
	if retry.RetryCount != 1 || retry.OwnerKey != "o" {
		t.Errorf("retry = count %d owner %q", retry.RetryCount, retry.OwnerKey)
	}
	if want := clock.Now().Add(10 * time.Second); !retry.StartsAfter.Equal(want) {
		t.Errorf("retry starts_after = %v, want %v", retry.StartsAfter, want)
	}

	// retry_max исчерпан: следующий сбой не повторяется.
	clock.Advance(10 * time.Second)
	if _, err := s.Start(ctx, retry.ID); err != nil {
		t.Fatalf("Start retry: %v", err)
	}
	clock.Advance(31 * time.Second)
	res, err = m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TimedOut != 1 || res.Retried != 0 {
		t.Errorf("result = %+v, want 1 timed out and no retry", res)
	}
}

func TestMonitor_CompletionTimeoutNotRetryable(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx := context.Background()
	m := NewMonitor(s, MonitorConfig{})

	task := mustEnqueue(t, s, TaskProps{
		Name:                      "a",
		GroupKey:                  "g",
		RetryMax:                  3,
		StartedToCompletedTimeout: time.Minute,
		HeartbeatTimeout:          time.Hour,
	})
	if _, err := s.Start(ctx, task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clock.Advance(2 * time.Minute)
	res, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TimedOut != 1 || res.Retried != 0 {
		t.Fatalf("result = %+v, want 1 timed out and no retry", res)
	}

	got, _ := s.Get(ctx, task.ID)
	if got.Error == nil || got.Error.Type != domain.ErrorTypeCompletionTimeout || got.Error.Retryable {
		t.Errorf("error = %+v, want non-retryable completion_timeout", got.Error)
	}
}

func TestMonitor_HeartbeatKeepsTaskAlive(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx := context.Background()
	m := NewMonitor(s, MonitorConfig{})

	task := mustEnqueue(t, s, TaskProps{Name: "a", GroupKey: "g"})
	if _, err := s.Start(ctx, task.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 4; i++ {
		clock.Advance(20 * time.Second)
		if err := s.Heartbeat(ctx, task.ID); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		if _, err := m.Run(ctx); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}

	got, _ := s.Get(ctx, task.ID)
	if got.State != domain.TaskStateStarted {
		t.Errorf("state = %s, want STARTED", got.State)
	}
}

func TestFail_RetryMovesSchedulePointer(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx := context.Background()
	w := NewScheduleWorker(s, 10)
	m := NewMonitor(s, MonitorConfig{})

	sched := mustCreateSchedule(t, s, ScheduleProps{Name: "sync", GroupKey: "g", Frequency: "every hour", RetryMax: 1})
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	started, err := s.Dequeue(ctx, "g", 1)
	if err != nil || len(started) != 1 {
		t.Fatalf("Dequeue: %v, %d", err, len(started))
	}
	if _, err := s.Fail(ctx, started[0].ID, domain.TaskError{Type: "x", Retryable: true}); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, _ := s.GetSchedule(ctx, sched.ID)
	if got.LastScheduledTaskID == nil || *got.LastScheduledTaskID == started[0].ID {
		t.Fatal("schedule should point at the retry")
	}
	if *got.LastScheduledTaskState != domain.TaskStateCreated {
		t.Errorf("last state = %s, want CREATED", *got.LastScheduledTaskState)
	}

	// Повтор уже создан: проход Monitor не добавляет второй.
	clock.Advance(time.Second)
	res, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Retried != 0 {
		t.Errorf("retried = %d, want 0", res.Retried)
	}
	chain, _ := s.Search(ctx, repo.TaskFilter{RetryKey: started[0].RetryKey})
	if len(chain) != 2 {
		t.Errorf("retry chain = %d tasks, want 2", len(chain))
	}
}

func TestFail_RetryWithinSlotBlocksNextSlot(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx := context.Background()
	w := NewScheduleWorker(s, 10)
	m := NewMonitor(s, MonitorConfig{})

	sched := mustCreateSchedule(t, s, ScheduleProps{Name: "sync", GroupKey: "g", Frequency: "every 1m", RetryMax: 2})
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	started, err := s.Dequeue(ctx, "g", 1)
	if err != nil || len(started) != 1 {
		t.Fatalf("Dequeue: %v, %d", err, len(started))
	}

	// Task падает уже после начала следующего слота.
	clock.Advance(90 * time.Second)
	if _, err := s.Fail(ctx, started[0].ID, domain.TaskError{Type: "upstream", Retryable: true}); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, err := m.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	active, err := s.Search(ctx, repo.TaskFilter{
		ScheduleID: &sched.ID,
		States:     []domain.TaskState{domain.TaskStateCreated, domain.TaskStateStarted},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("non-terminal tasks for schedule = %d, want 1", len(active))
	}
	if active[0].RetryCount != 1 || active[0].RetryKey != started[0].RetryKey {
		t.Errorf("active task = retry_count %d retry_key %q, want the retry", active[0].RetryCount, active[0].RetryKey)
	}

	// Цепочка повторов завершилась: следующий слот создаётся.
	clock.Advance(10 * time.Second)
	if _, err := s.Dequeue(ctx, "g", 1); err != nil {
		t.Fatalf("Dequeue retry: %v", err)
	}
	if _, err := s.Succeed(ctx, active[0].ID, nil); err != nil {
		t.Fatalf("Succeed: %v", err)
	}
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	active, _ = s.Search(ctx, repo.TaskFilter{
		ScheduleID: &sched.ID,
		States:     []domain.TaskState{domain.TaskStateCreated},
	})
	if len(active) != 1 || active[0].RetryCount != 0 {
		t.Errorf("next slot tasks = %d, want 1 fresh task", len(active))
	}
}

func TestRetryChain_StopsAtRetryMax(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx := context.Background()
	m := NewMonitor(s, MonitorConfig{})

	first := mustEnqueue(t, s, TaskProps{Name: "a", GroupKey: "g", RetryMax: 2})
	current := first.ID
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := s.Start(ctx, current); err != nil {
			t.Fatalf("attempt %d: Start: %v", attempt, err)
		}
		if _, err := s.Fail(ctx, current, domain.TaskError{Type: "upstream", Retryable: true}); err != nil {
			t.Fatalf("attempt %d: Fail: %v", attempt, err)
		}
		if _, err := m.Run(ctx); err != nil {
			t.Fatalf("attempt %d: Run: %v", attempt, err)
		}

		next, err := s.Search(ctx, repo.TaskFilter{
			RetryKey: first.RetryKey,
			States:   []domain.TaskState{domain.TaskStateCreated},
		})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if attempt == 2 {
			if len(next) != 0 {
				t.Fatalf("retry created after retry_max was exhausted")
			}
			break
		}
		if len(next) != 1 || next[0].RetryCount != attempt+1 {
			t.Fatalf("attempt %d: pending retries = %+v", attempt, next)
		}
		current = next[0].ID
		clock.Advance(time.Minute)
	}

	chain, _ := s.Search(ctx, repo.TaskFilter{RetryKey: first.RetryKey})
	if len(chain) != 3 {
		t.Fatalf("retry chain = %d tasks, want original and 2 retries", len(chain))
	}
	for _, c := range chain {
		if c.State != domain.TaskStateFailed {
			t.Errorf("task %s state = %s, want FAILED", c.ID, c.State)
		}
	}
}

// insertFailedTask записывает FAILED task в обход Scheduler, как будто
// повтор при переходе не был создан.
func insertFailedTask(t *testing.T, s *Scheduler, now time.Time, scheduleID *uuid.UUID) *domain.Task {
	t.Helper()
	id := uuid.New()
	task := &domain.Task{
		ID:                        id,
		Name:                      "a",
		GroupKey:                  "g",
		RetryKey:                  id.String(),
		RetryMax:                  1,
		ScheduleID:                scheduleID,
		State:                     domain.TaskStateFailed,
		Error:                     &domain.TaskError{Type: "upstream", Retryable: true},
		StartsAfter:               now,
		CreatedToStartedTimeout:   time.Minute,
		StartedToCompletedTimeout: time.Hour,
		HeartbeatTimeout:          30 * time.Second,
		CreatedAt:                 now,
		LastStateTransitionAt:     now,
	}
	err := s.Store().WithTx(context.Background(), func(q repo.Querier) error {
		return q.InsertTask(context.Background(), task)
	})
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	return task
}

func TestMonitor_RetrySweepCreatesMissingRetry(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx := context.Background()
	m := NewMonitor(s, MonitorConfig{})

	failed := insertFailedTask(t, s, clock.Now(), nil)

	res, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Retried != 1 {
		t.Fatalf("retried = %d, want 1", res.Retried)
	}

	res, err = m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Retried != 0 {
		t.Errorf("second run retried = %d, want 0", res.Retried)
	}
	chain, _ := s.Search(ctx, repo.TaskFilter{RetryKey: failed.RetryKey})
	if len(chain) != 2 {
		t.Errorf("retry chain = %d tasks, want 2", len(chain))
	}
}

func TestMonitor_RetrySweepSkipsWhenScheduleHasTaskInFlight(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx := context.Background()
	w := NewScheduleWorker(s, 10)
	m := NewMonitor(s, MonitorConfig{})

	sched := mustCreateSchedule(t, s, ScheduleProps{Name: "sync", GroupKey: "g", Frequency: "every 1m"})
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	failed := insertFailedTask(t, s, clock.Now(), &sched.ID)

	res, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Retried != 0 {
		t.Fatalf("retried = %d while the schedule has a task in flight", res.Retried)
	}
	chain, _ := s.Search(ctx, repo.TaskFilter{RetryKey: failed.RetryKey})
	if len(chain) != 1 {
		t.Errorf("retry chain = %d tasks, want 1", len(chain))
	}
}

func TestBackoffPolicy_Delay(t *testing.T) {
	p := BackoffPolicy{Initial: time.Second, Max: 10 * time.Second}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.retry); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}
