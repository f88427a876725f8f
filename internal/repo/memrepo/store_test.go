package memrepo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/google/uuid"
)

func newTask(group string, state domain.TaskState, at time.Time) *domain.Task {
	id := uuid.New()
	return &domain.Task{
		ID:                    id,
		Name:                  "t",
		GroupKey:              group,
		RetryKey:              id.String(),
		State:                 state,
		StartsAfter:           at,
		CreatedAt:             at,
		LastStateTransitionAt: at,
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	task := newTask("g", domain.TaskStateCreated, time.Now())
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(q repo.Querier) error {
		if err := q.InsertTask(ctx, task); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = s.WithTx(ctx, func(q repo.Querier) error {
		_, err := q.GetTask(ctx, task.ID)
		return err
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("insert should be rolled back, got %v", err)
	}
}

func TestWithLock_ExclusiveAcrossTransactions(t *testing.T) {
	ctx := context.Background()
	s := New()

	var inner bool
	ok, err := s.WithLock(ctx, "fleet:a", func(ctx context.Context) error {
		// Транзакции внутри lock не блокируются.
		if err := s.WithTx(ctx, func(q repo.Querier) error { return nil }); err != nil {
			return err
		}
		held, err := s.WithLock(ctx, "fleet:a", func(context.Context) error {
			inner = true
			return nil
		})
		if err != nil || held {
			t.Errorf("nested WithLock = %v, %v; want false", held, err)
		}
		other, err := s.WithLock(ctx, "fleet:b", func(context.Context) error { return nil })
		if err != nil || !other {
			t.Errorf("WithLock on another key = %v, %v; want true", other, err)
		}
		return nil
	})
	if err != nil || !ok {
		t.Fatalf("WithLock = %v, %v", ok, err)
	}
	if inner {
		t.Error("fn ran while the lock was held")
	}

	boom := errors.New("boom")
	ok, err = s.WithLock(ctx, "fleet:a", func(context.Context) error { return boom })
	if !ok || !errors.Is(err, boom) {
		t.Fatalf("WithLock after release = %v, %v; want true, boom", ok, err)
	}
	ok, _ = s.WithLock(ctx, "fleet:a", func(context.Context) error { return nil })
	if !ok {
		t.Error("lock not released after fn error")
	}
}

func TestInsertTask_OwnerKeyUnique(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	first := newTask("g", domain.TaskStateCreated, now)
	first.OwnerKey = "owner"
	second := newTask("g", domain.TaskStateCreated, now)
	second.OwnerKey = "owner"

	err := s.WithTx(ctx, func(q repo.Querier) error {
		if err := q.InsertTask(ctx, first); err != nil {
			t.Fatalf("first insert: %v", err)
		}
		return q.InsertTask(ctx, second)
	})
	if !errors.Is(err, repo.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	// После завершения первого owner key снова свободен.
	first.State = domain.TaskStateSucceeded
	err = s.WithTx(ctx, func(q repo.Querier) error {
		if err := q.InsertTask(ctx, first); err != nil {
			return err
		}
		return q.InsertTask(ctx, second)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTouchHeartbeat(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	created := newTask("g", domain.TaskStateCreated, now)
	started := newTask("g", domain.TaskStateStarted, now)

	_ = s.WithTx(ctx, func(q repo.Querier) error {
		_ = q.InsertTask(ctx, created)
		return q.InsertTask(ctx, started)
	})

	err := s.WithTx(ctx, func(q repo.Querier) error {
		return q.TouchHeartbeat(ctx, created.ID, now)
	})
	if !errors.Is(err, repo.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}

	err = s.WithTx(ctx, func(q repo.Querier) error {
		return q.TouchHeartbeat(ctx, uuid.New(), now)
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	later := now.Add(time.Minute)
	err = s.WithTx(ctx, func(q repo.Querier) error {
		if err := q.TouchHeartbeat(ctx, started.ID, later); err != nil {
			return err
		}
		got, err := q.GetTask(ctx, started.ID)
		if err != nil {
			return err
		}
		if got.LastHeartbeatAt == nil || !got.LastHeartbeatAt.Equal(later) {
			t.Errorf("heartbeat not updated: %v", got.LastHeartbeatAt)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeleteTerminalTasks_KeepsScheduleLastTask(t *testing.T) {
	ctx := context.Background()
	s := New()
	old := time.Now().Add(-48 * time.Hour)

	kept := newTask("g", domain.TaskStateSucceeded, old)
	gone := newTask("g", domain.TaskStateFailed, old)
	active := newTask("g", domain.TaskStateStarted, old)
	state := domain.TaskStateSucceeded
	sched := &domain.Schedule{
		ID:                     uuid.New(),
		Name:                   "s",
		State:                  domain.ScheduleStateStarted,
		LastScheduledTaskID:    &kept.ID,
		LastScheduledTaskState: &state,
	}

	err := s.WithTx(ctx, func(q repo.Querier) error {
		for _, task := range []*domain.Task{kept, gone, active} {
			if err := q.InsertTask(ctx, task); err != nil {
				return err
			}
		}
		return q.InsertSchedule(ctx, sched)
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	var deleted int
	err = s.WithTx(ctx, func(q repo.Querier) error {
		var err error
		deleted, err = q.DeleteTerminalTasks(ctx, time.Now().Add(-time.Hour), 10)
		return err
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	_ = s.WithTx(ctx, func(q repo.Querier) error {
		if _, err := q.GetTask(ctx, kept.ID); err != nil {
			t.Errorf("schedule's last task must survive: %v", err)
		}
		if _, err := q.GetTask(ctx, active.ID); err != nil {
			t.Errorf("active task must survive: %v", err)
		}
		if _, err := q.GetTask(ctx, gone.ID); !errors.Is(err, repo.ErrNotFound) {
			t.Errorf("old failed task should be deleted, got %v", err)
		}
		return nil
	})
}

func TestActivateDeployment_SingleActive(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	d1 := &domain.Deployment{ID: uuid.New(), Image: "runner:1", CreatedAt: now}
	d2 := &domain.Deployment{ID: uuid.New(), Image: "runner:2", CreatedAt: now.Add(time.Second)}

	err := s.WithTx(ctx, func(q repo.Querier) error {
		for _, d := range []*domain.Deployment{d1, d2} {
			if err := q.InsertDeployment(ctx, d); err != nil {
				return err
			}
			if err := q.ActivateDeployment(ctx, d.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_ = s.WithTx(ctx, func(q repo.Querier) error {
		active, err := q.GetActiveDeployment(ctx)
		if err != nil {
			t.Fatalf("active: %v", err)
		}
		if active.ID != d2.ID {
			t.Errorf("expected %s active, got %s", d2.ID, active.ID)
		}
		list, _ := q.ListDeployments(ctx, 10)
		activeCount := 0
		for _, d := range list {
			if d.Active {
				activeCount++
			} else if d.SupersededAt == nil {
				t.Errorf("superseded deployment %s has no superseded_at", d.ID)
			}
		}
		if activeCount != 1 {
			t.Errorf("expected exactly one active deployment, got %d", activeCount)
		}
		return nil
	})
}

func TestSoftDeleteIdleGroups(t *testing.T) {
	ctx := context.Background()
	s := New()
	old := time.Now().Add(-48 * time.Hour)
	now := time.Now()

	_ = s.WithTx(ctx, func(q repo.Querier) error {
		_, _ = q.TouchGroup(ctx, "empty", nil, old)
		_, _ = q.TouchGroup(ctx, "busy", nil, old)
		return q.InsertTask(ctx, newTask("busy", domain.TaskStateCreated, old))
	})

	var n int
	_ = s.WithTx(ctx, func(q repo.Querier) error {
		n, _ = q.SoftDeleteIdleGroups(ctx, now.Add(-time.Hour), now)
		return nil
	})
	if n != 1 {
		t.Fatalf("expected 1 group deleted, got %d", n)
	}

	_ = s.WithTx(ctx, func(q repo.Querier) error {
		g, _ := q.GetGroup(ctx, "empty")
		if g.DeletedAt == nil {
			t.Error("empty group should be soft-deleted")
		}
		// Повторное добавление task восстанавливает группу.
		g, _ = q.TouchGroup(ctx, "empty", nil, now)
		if g.DeletedAt != nil {
			t.Error("touch should restore group")
		}
		return nil
	})
}
