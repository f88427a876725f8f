package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/fleet"
	"github.com/NangoHQ/nango-sub018/internal/notify"
	"github.com/NangoHQ/nango-sub018/internal/repo/memrepo"
	"github.com/NangoHQ/nango-sub018/internal/scheduler"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testEnv struct {
	server *httptest.Server
	sched  *scheduler.Scheduler
	fleet  *fleet.Fleet
	store  *memrepo.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memrepo.New()
	sched := scheduler.New(scheduler.Config{Store: store, Logger: discardLogger})

	n := notify.NewLocal()
	sched.Events().Subscribe(domain.TaskStateCreated, notify.TaskListener(n))

	fl := fleet.New(fleet.Config{
		Store:    store,
		Verifier: missingImages{"ghcr.io/acme/missing:v1": true},
		Logger:   discardLogger,
	})

	h := NewHandler(Config{
		Scheduler:      sched,
		Fleet:          fl,
		Notifier:       n,
		MaxDequeueWait: 5 * time.Second,
		Logger:         discardLogger,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, sched: sched, fleet: fl, store: store}
}

// do выполняет запрос и разбирает тело в out (если out != nil).
func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.server.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type taskEnvelope struct {
	Data TaskResponse `json:"data"`
}

type taskListEnvelope struct {
	Data  []TaskResponse `json:"data"`
	Total int            `json:"total"`
}

type errorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

func (e *testEnv) enqueue(t *testing.T, req EnqueueTaskRequest) TaskResponse {
	t.Helper()
	var out taskEnvelope
	if code := e.do(t, http.MethodPost, "/api/v1/tasks", req, &out); code != http.StatusCreated {
		t.Fatalf("enqueue: status %d", code)
	}
	return out.Data
}

type missingImages map[string]bool

func (m missingImages) Verify(_ context.Context, image string) error {
	if m[image] {
		return fleet.ErrImageNotFound
	}
	return nil
}
