package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
)

func mustCreateSchedule(t *testing.T, s *Scheduler, props ScheduleProps) *domain.Schedule {
	t.Helper()
	sched, err := s.CreateSchedule(context.Background(), props)
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return sched
}

// --- Schedule CRUD Tests ---

func TestCreateSchedule(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx := context.Background()

	sched := mustCreateSchedule(t, s, ScheduleProps{Name: "hourly", GroupKey: "g", Frequency: "every hour"})
	if sched.State != domain.ScheduleStateStarted {
		t.Errorf("state = %s, want STARTED", sched.State)
	}
	if !sched.NextExecutionAt.Equal(clock.Now()) {
		t.Errorf("next_execution_at = %v, want starts_at %v", sched.NextExecutionAt, clock.Now())
	}

	_, err := s.CreateSchedule(ctx, ScheduleProps{Name: "hourly", GroupKey: "g", Frequency: "every hour"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate name: err = %v, want ErrAlreadyExists", err)
	}

	_, err = s.CreateSchedule(ctx, ScheduleProps{Name: "bad", GroupKey: "g", Frequency: "sometimes"})
	if !errors.Is(err, ErrInvalidFrequency) {
		t.Errorf("bad frequency: err = %v, want ErrInvalidFrequency", err)
	}
}

func TestPauseResumeDelete(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx := context.Background()
	sched := mustCreateSchedule(t, s, ScheduleProps{Name: "s", GroupKey: "g", Frequency: "every 10m"})

	if _, err := s.PauseSchedule(ctx, sched.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := s.PauseSchedule(ctx, sched.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("second Pause: err = %v, want ErrInvalidStateTransition", err)
	}

	clock.Advance(25 * time.Minute)
	resumed, err := s.ResumeSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	want := sched.StartsAt.Add(30 * time.Minute)
	if !resumed.NextExecutionAt.Equal(want) {
		t.Errorf("next_execution_at after resume = %v, want %v", resumed.NextExecutionAt, want)
	}

	deleted, err := s.DeleteSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted.DeletedAt == nil {
		t.Error("deleted_at should be set")
	}
	if _, err := s.ResumeSchedule(ctx, sched.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("Resume after Delete: err = %v, want ErrInvalidStateTransition", err)
	}

	// Имя освобождается после удаления.
	mustCreateSchedule(t, s, ScheduleProps{Name: "s", GroupKey: "g", Frequency: "every 10m"})
}

func TestUpdateSchedule(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()
	sched := mustCreateSchedule(t, s, ScheduleProps{Name: "s", GroupKey: "g", Frequency: "every 10m"})

	freq, group := "*/5 * * * *", "other"
	got, err := s.UpdateSchedule(ctx, sched.ID, ScheduleUpdate{Frequency: &freq, GroupKey: &group})
	if err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if got.Frequency != freq || got.GroupKey != group {
		t.Errorf("updated = %q %q", got.Frequency, got.GroupKey)
	}

	bad := "never"
	if _, err := s.UpdateSchedule(ctx, sched.ID, ScheduleUpdate{Frequency: &bad}); !errors.Is(err, ErrInvalidFrequency) {
		t.Errorf("err = %v, want ErrInvalidFrequency", err)
	}
}

// --- ScheduleWorker Tests ---

func TestScheduleWorker_CreatesTaskAndAdvances(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()
	w := NewScheduleWorker(s, 10)

	sched := mustCreateSchedule(t, s, ScheduleProps{Name: "sync", GroupKey: "g", Frequency: "every 10m", RetryMax: 2})
	start := sched.StartsAt

	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	tasks, err := s.Search(ctx, repo.TaskFilter{ScheduleID: &sched.ID})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	task := tasks[0]
	if task.RetryMax != 2 || task.GroupKey != "g" {
		t.Errorf("task did not inherit schedule settings: %+v", task)
	}
	if want := "sync:" + start.Format(time.RFC3339); task.Name != want {
		t.Errorf("name = %q, want %q", task.Name, want)
	}

	got, _ := s.GetSchedule(ctx, sched.ID)
	if !got.NextExecutionAt.Equal(start.Add(10 * time.Minute)) {
		t.Errorf("next_execution_at = %v, want %v", got.NextExecutionAt, start.Add(10*time.Minute))
	}
	if got.LastScheduledTaskID == nil || *got.LastScheduledTaskID != task.ID {
		t.Errorf("last scheduled task not recorded")
	}
}

func TestScheduleWorker_NoOverlap(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx := context.Background()
	w := NewScheduleWorker(s, 10)
	sched := mustCreateSchedule(t, s, ScheduleProps{Name: "sync", GroupKey: "g", Frequency: "every 1m"})

	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	started, err := s.Dequeue(ctx, "g", 1)
	if err != nil || len(started) != 1 {
		t.Fatalf("Dequeue: %v, %d", err, len(started))
	}

	// Следующий слот наступил, но task ещё выполняется.
	clock.Advance(2 * time.Minute)
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	tasks, _ := s.Search(ctx, repo.TaskFilter{ScheduleID: &sched.ID})
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d while previous is in flight, want 1", len(tasks))
	}

	got, _ := s.GetSchedule(ctx, sched.ID)
	if got.LastScheduledTaskState == nil || *got.LastScheduledTaskState != domain.TaskStateStarted {
		t.Errorf("last scheduled task state = %v, want STARTED", got.LastScheduledTaskState)
	}

	if _, err := s.Succeed(ctx, started[0].ID, nil); err != nil {
		t.Fatalf("Succeed: %v", err)
	}
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	tasks, _ = s.Search(ctx, repo.TaskFilter{ScheduleID: &sched.ID})
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d after completion, want 2", len(tasks))
	}
}

func TestScheduleWorker_DriftFree(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx := context.Background()
	w := NewScheduleWorker(s, 10)
	sched := mustCreateSchedule(t, s, ScheduleProps{Name: "sync", GroupKey: "g", Frequency: "every 10m"})
	start := sched.StartsAt

	// Тик опаздывает на 7 секунд: следующий слот всё равно ровно +10m.
	clock.Advance(7 * time.Second)
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got, _ := s.GetSchedule(ctx, sched.ID)
	if !got.NextExecutionAt.Equal(start.Add(10 * time.Minute)) {
		t.Errorf("next_execution_at = %v, want %v", got.NextExecutionAt, start.Add(10*time.Minute))
	}
}

func TestScheduleWorker_SkipsPaused(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()
	w := NewScheduleWorker(s, 10)
	sched := mustCreateSchedule(t, s, ScheduleProps{Name: "sync", GroupKey: "g", Frequency: "every 1m"})

	if _, err := s.PauseSchedule(ctx, sched.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	tasks, _ := s.Search(ctx, repo.TaskFilter{ScheduleID: &sched.ID})
	if len(tasks) != 0 {
		t.Errorf("paused schedule produced %d tasks", len(tasks))
	}
}

func TestScheduleWorker_NotBeforeStartsAt(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx := context.Background()
	w := NewScheduleWorker(s, 10)
	sched := mustCreateSchedule(t, s, ScheduleProps{
		Name:      "later",
		GroupKey:  "g",
		Frequency: "every 1m",
		StartsAt:  clock.Now().Add(time.Hour),
	})

	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	tasks, _ := s.Search(ctx, repo.TaskFilter{ScheduleID: &sched.ID})
	if len(tasks) != 0 {
		t.Errorf("schedule fired before starts_at")
	}
}
