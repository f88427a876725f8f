package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo/memrepo"
)

// testClock — управляемые часы для тестов.
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

func newTestScheduler(t *testing.T) (*Scheduler, *testClock) {
	t.Helper()
	clock := newTestClock()
	s := New(Config{
		Store:  memrepo.New(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Defaults: TaskDefaults{
			CreatedToStartedTimeout:   time.Minute,
			StartedToCompletedTimeout: time.Hour,
			HeartbeatTimeout:          30 * time.Second,
		},
		Backoff: BackoffPolicy{Initial: 10 * time.Second, Max: time.Minute},
		Clock:   clock.Now,
	})
	return s, clock
}

func mustEnqueue(t *testing.T, s *Scheduler, props TaskProps) *domain.Task {
	t.Helper()
	task, err := s.Enqueue(context.Background(), props)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return task
}

func intPtr(v int) *int { return &v }
