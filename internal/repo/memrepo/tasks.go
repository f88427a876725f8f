package memrepo

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/google/uuid"
)

func (q *querier) InsertTask(ctx context.Context, task *domain.Task) error {
	if _, ok := q.st.tasks[task.ID]; ok {
		return fmt.Errorf("insert task: %w", repo.ErrAlreadyExists)
	}
	if task.OwnerKey != "" {
		if _, err := q.FindActiveTaskByOwnerKey(ctx, task.OwnerKey); err == nil {
			return fmt.Errorf("insert task: %w", repo.ErrAlreadyExists)
		}
	}
	q.st.tasks[task.ID] = *task
	return nil
}

func (q *querier) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	t, ok := q.st.tasks[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &t, nil
}

func (q *querier) LockTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return q.GetTask(ctx, id)
}

func (q *querier) FindActiveTaskByOwnerKey(ctx context.Context, ownerKey string) (*domain.Task, error) {
	for _, t := range q.st.tasks {
		if t.OwnerKey == ownerKey && !t.State.IsTerminal() {
			return &t, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (q *querier) UpdateTaskState(ctx context.Context, task *domain.Task) error {
	t, ok := q.st.tasks[task.ID]
	if !ok {
		return repo.ErrNotFound
	}
	t.State = task.State
	t.LastStateTransitionAt = task.LastStateTransitionAt
	t.LastHeartbeatAt = task.LastHeartbeatAt
	t.Output = task.Output
	t.Error = task.Error
	q.st.tasks[task.ID] = t
	return nil
}

func (q *querier) TouchHeartbeat(ctx context.Context, id uuid.UUID, now time.Time) error {
	t, ok := q.st.tasks[id]
	if !ok {
		return repo.ErrNotFound
	}
	if t.State != domain.TaskStateStarted {
		return fmt.Errorf("task %s is %s: %w", id, t.State, repo.ErrInvalidState)
	}
	t.LastHeartbeatAt = &now
	q.st.tasks[id] = t
	return nil
}

func (q *querier) SearchTasks(ctx context.Context, f repo.TaskFilter) ([]domain.Task, error) {
	var out []domain.Task
	for _, t := range q.st.tasks {
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, t.ID) {
			continue
		}
		if f.GroupKey != "" && t.GroupKey != f.GroupKey {
			continue
		}
		if len(f.States) > 0 && !slices.Contains(f.States, t.State) {
			continue
		}
		if f.Name != "" && t.Name != f.Name {
			continue
		}
		if f.OwnerKey != "" && t.OwnerKey != f.OwnerKey {
			continue
		}
		if f.RetryKey != "" && t.RetryKey != f.RetryKey {
			continue
		}
		if f.ScheduleID != nil && (t.ScheduleID == nil || *t.ScheduleID != *f.ScheduleID) {
			continue
		}
		if f.CreatedAfter != nil && t.CreatedAt.Before(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limitOrDefault(f.Limit)), nil
}

func (q *querier) CountTasksInState(ctx context.Context, groupKey string, state domain.TaskState) (int, error) {
	n := 0
	for _, t := range q.st.tasks {
		if t.GroupKey == groupKey && t.State == state {
			n++
		}
	}
	return n, nil
}

func (q *querier) CountActiveTasks(ctx context.Context, groupKey string) (int, error) {
	n := 0
	for _, t := range q.st.tasks {
		if groupKey != "" && t.GroupKey != groupKey {
			continue
		}
		if t.State == domain.TaskStateCreated || t.State == domain.TaskStateStarted {
			n++
		}
	}
	return n, nil
}

func (q *querier) LockReadyTasks(ctx context.Context, groupKey string, now time.Time, limit int) ([]domain.Task, error) {
	var out []domain.Task
	for _, t := range q.st.tasks {
		if t.GroupKey == groupKey && t.State == domain.TaskStateCreated && !t.StartsAfter.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAfter.Equal(out[j].StartsAfter) {
			return out[i].StartsAfter.Before(out[j].StartsAfter)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return truncate(out, limit), nil
}

func (q *querier) ListExpiredCreatedTasks(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var out []domain.Task
	for _, t := range q.st.tasks {
		if t.State == domain.TaskStateCreated && t.StartDeadline().Before(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAfter.Before(out[j].StartsAfter) })
	return ids(truncate(out, limit)), nil
}

func (q *querier) ListTimedOutStartedTasks(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var out []domain.Task
	for _, t := range q.st.tasks {
		if t.State != domain.TaskStateStarted {
			continue
		}
		if t.HeartbeatDeadline().Before(now) || t.CompletionDeadline().Before(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastStateTransitionAt.Before(out[j].LastStateTransitionAt)
	})
	return ids(truncate(out, limit)), nil
}

func (q *querier) ListRetryableFailedTasks(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var out []domain.Task
	for _, t := range q.st.tasks {
		if !t.CanRetry() {
			continue
		}
		if has, _ := q.HasRetrySuccessor(ctx, t.RetryKey, t.RetryCount); has {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastStateTransitionAt.Before(out[j].LastStateTransitionAt)
	})
	return ids(truncate(out, limit)), nil
}

func (q *querier) HasRetrySuccessor(ctx context.Context, retryKey string, retryCount int) (bool, error) {
	for _, t := range q.st.tasks {
		if t.RetryKey == retryKey && t.RetryCount > retryCount {
			return true, nil
		}
	}
	return false, nil
}

func (q *querier) DeleteTerminalTasks(ctx context.Context, before time.Time, limit int) (int, error) {
	referenced := make(map[uuid.UUID]bool)
	for _, s := range q.st.schedules {
		if s.LastScheduledTaskID != nil {
			referenced[*s.LastScheduledTaskID] = true
		}
	}

	var victims []domain.Task
	for _, t := range q.st.tasks {
		if t.State.IsTerminal() && t.LastStateTransitionAt.Before(before) && !referenced[t.ID] {
			victims = append(victims, t)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].LastStateTransitionAt.Before(victims[j].LastStateTransitionAt)
	})
	victims = truncate(victims, limit)
	for _, t := range victims {
		delete(q.st.tasks, t.ID)
	}
	return len(victims), nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func ids(tasks []domain.Task) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return repo.DefaultSearchLimit
	}
	return limit
}
