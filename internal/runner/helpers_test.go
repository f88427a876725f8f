package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/google/uuid"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeClient — Client в памяти.
type fakeClient struct {
	mu           sync.Mutex
	queue        []domain.Task
	limits       []int
	heartbeats   map[uuid.UUID]int
	heartbeatErr error
	states       map[uuid.UUID]domain.TaskState
	succeeded    map[uuid.UUID]json.RawMessage
	failed       map[uuid.UUID]domain.TaskError
}

func newFakeClient(tasks ...domain.Task) *fakeClient {
	return &fakeClient{
		queue:      tasks,
		heartbeats: make(map[uuid.UUID]int),
		states:     make(map[uuid.UUID]domain.TaskState),
		succeeded:  make(map[uuid.UUID]json.RawMessage),
		failed:     make(map[uuid.UUID]domain.TaskError),
	}
}

func (c *fakeClient) push(tasks ...domain.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, tasks...)
}

func (c *fakeClient) Dequeue(ctx context.Context, _ string, limit int, wait time.Duration) ([]domain.Task, error) {
	c.mu.Lock()
	c.limits = append(c.limits, limit)
	n := min(limit, len(c.queue))
	out := append([]domain.Task(nil), c.queue[:n]...)
	c.queue = c.queue[n:]
	for _, t := range out {
		c.states[t.ID] = domain.TaskStateStarted
	}
	c.mu.Unlock()

	if n == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(min(wait, 20*time.Millisecond)):
		}
	}
	return out, nil
}

func (c *fakeClient) Heartbeat(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats[id]++
	return c.heartbeatErr
}

func (c *fakeClient) Succeed(_ context.Context, id uuid.UUID, output json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.succeeded[id] = output
	c.states[id] = domain.TaskStateSucceeded
	return nil
}

func (c *fakeClient) Fail(_ context.Context, id uuid.UUID, taskErr domain.TaskError) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[id] = taskErr
	c.states[id] = domain.TaskStateFailed
	return nil
}

func (c *fakeClient) SearchTasks(_ context.Context, ids []uuid.UUID) ([]domain.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		if state, ok := c.states[id]; ok {
			out = append(out, domain.Task{ID: id, State: state})
		}
	}
	return out, nil
}

func (c *fakeClient) setState(id uuid.UUID, state domain.TaskState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[id] = state
}

func (c *fakeClient) result(id uuid.UUID) (json.RawMessage, *domain.TaskError, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if out, ok := c.succeeded[id]; ok {
		return out, nil, true
	}
	if e, ok := c.failed[id]; ok {
		return nil, &e, true
	}
	return nil, nil, false
}

func (c *fakeClient) maxLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := 0
	for _, l := range c.limits {
		m = max(m, l)
	}
	return m
}

func (c *fakeClient) dequeueCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.limits)
}

// fakeFleet запоминает регистрации и отчёты о простое.
type fakeFleet struct {
	mu         sync.Mutex
	registered []string
	idle       []time.Duration
}

func (f *fakeFleet) Register(_ context.Context, _, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, url)
	return nil
}

func (f *fakeFleet) ReportIdle(_ context.Context, _ string, idleFor time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle = append(f.idle, idleFor)
	return nil
}

func (f *fakeFleet) counts() (registered, idle int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registered), len(f.idle)
}

func newTask(name string) domain.Task {
	return domain.Task{ID: uuid.New(), Name: name, GroupKey: "acme", State: domain.TaskStateStarted}
}

func newTestProcessor(c Client, exec Executor, mutate func(*Config)) *Processor {
	cfg := Config{
		Client:             c,
		Executor:           exec,
		GroupKey:           "acme",
		Concurrency:        2,
		PollInterval:       10 * time.Millisecond,
		DequeueWait:        20 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		StateCheckInterval: 20 * time.Millisecond,
		IdleReportInterval: time.Hour,
		ShutdownTimeout:    time.Second,
		Logger:             discardLogger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewProcessor(cfg)
}

// waitFor ждёт выполнения cond не дольше 3 секунд.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
