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

func (q *querier) InsertSchedule(ctx context.Context, s *domain.Schedule) error {
	if _, ok := q.st.schedules[s.ID]; ok {
		return fmt.Errorf("insert schedule: %w", repo.ErrAlreadyExists)
	}
	if _, err := q.GetScheduleByName(ctx, s.Name); err == nil {
		return fmt.Errorf("insert schedule: %w", repo.ErrAlreadyExists)
	}
	q.st.schedules[s.ID] = *s
	return nil
}

func (q *querier) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	s, ok := q.st.schedules[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &s, nil
}

func (q *querier) GetScheduleByName(ctx context.Context, name string) (*domain.Schedule, error) {
	for _, s := range q.st.schedules {
		if s.Name == name && s.State != domain.ScheduleStateDeleted {
			return &s, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (q *querier) LockSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	return q.GetSchedule(ctx, id)
}

func (q *querier) UpdateSchedule(ctx context.Context, s *domain.Schedule) error {
	if _, ok := q.st.schedules[s.ID]; !ok {
		return repo.ErrNotFound
	}
	q.st.schedules[s.ID] = *s
	return nil
}

func (q *querier) SearchSchedules(ctx context.Context, f repo.ScheduleFilter) ([]domain.Schedule, error) {
	var out []domain.Schedule
	for _, s := range q.st.schedules {
		if len(f.Names) > 0 && !slices.Contains(f.Names, s.Name) {
			continue
		}
		if f.GroupKey != "" && s.GroupKey != f.GroupKey {
			continue
		}
		if len(f.States) > 0 && !slices.Contains(f.States, s.State) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	return truncate(out, limitOrDefault(f.Limit)), nil
}

func (q *querier) ListDueScheduleIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var due []domain.Schedule
	for _, s := range q.st.schedules {
		if s.IsDue(now) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextExecutionAt.Before(due[j].NextExecutionAt) })
	due = truncate(due, limit)

	out := make([]uuid.UUID, 0, len(due))
	for _, s := range due {
		out = append(out, s.ID)
	}
	return out, nil
}

func (q *querier) LockDueSchedule(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Schedule, error) {
	s, ok := q.st.schedules[id]
	if !ok || !s.IsDue(now) {
		return nil, repo.ErrNotFound
	}
	return &s, nil
}

func (q *querier) SetLastScheduledTaskState(ctx context.Context, scheduleID, taskID uuid.UUID, state domain.TaskState) error {
	s, ok := q.st.schedules[scheduleID]
	if !ok || s.LastScheduledTaskID == nil || *s.LastScheduledTaskID != taskID {
		return nil
	}
	s.LastScheduledTaskState = &state
	q.st.schedules[scheduleID] = s
	return nil
}

func (q *querier) DeleteSchedulesBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	var victims []domain.Schedule
	for _, s := range q.st.schedules {
		if s.State == domain.ScheduleStateDeleted && s.DeletedAt != nil && s.DeletedAt.Before(before) {
			victims = append(victims, s)
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].DeletedAt.Before(*victims[j].DeletedAt) })
	victims = truncate(victims, limit)
	for _, s := range victims {
		delete(q.st.schedules, s.ID)
	}
	return len(victims), nil
}

// --- Groups ---

func (q *querier) GetGroup(ctx context.Context, key string) (*domain.Group, error) {
	g, ok := q.st.groups[key]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &g, nil
}

func (q *querier) LockGroup(ctx context.Context, key string) (*domain.Group, error) {
	return q.GetGroup(ctx, key)
}

func (q *querier) TouchGroup(ctx context.Context, key string, maxConcurrency *int, now time.Time) (*domain.Group, error) {
	g, ok := q.st.groups[key]
	if !ok {
		g = domain.Group{Key: key, CreatedAt: now, LastModifiedAt: now}
	}
	if maxConcurrency != nil {
		v := *maxConcurrency
		g.MaxConcurrency = &v
		g.LastModifiedAt = now
	}
	g.LastTaskAddedAt = &now
	g.DeletedAt = nil
	q.st.groups[key] = g
	return &g, nil
}

func (q *querier) SetGroupMaxConcurrency(ctx context.Context, key string, maxConcurrency *int, now time.Time) (*domain.Group, error) {
	g, ok := q.st.groups[key]
	if !ok {
		g = domain.Group{Key: key, CreatedAt: now}
	}
	g.MaxConcurrency = nil
	if maxConcurrency != nil {
		v := *maxConcurrency
		g.MaxConcurrency = &v
	}
	g.LastModifiedAt = now
	g.DeletedAt = nil
	q.st.groups[key] = g
	return &g, nil
}

func (q *querier) SoftDeleteIdleGroups(ctx context.Context, before, now time.Time) (int, error) {
	used := make(map[string]bool)
	for _, t := range q.st.tasks {
		used[t.GroupKey] = true
	}

	n := 0
	for key, g := range q.st.groups {
		if g.DeletedAt != nil || used[key] {
			continue
		}
		last := g.CreatedAt
		if g.LastTaskAddedAt != nil {
			last = *g.LastTaskAddedAt
		}
		if !last.Before(before) {
			continue
		}
		g.DeletedAt = &now
		q.st.groups[key] = g
		n++
	}
	return n, nil
}
