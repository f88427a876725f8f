package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
)

// --- Registry Tests ---

func TestRegistry_SelectsByName(t *testing.T) {
	registry := NewRegistry(nil)
	registry.Register("echo", ExecutorFunc(func(_ context.Context, task domain.Task) (json.RawMessage, error) {
		return task.Payload, nil
	}))

	out, err := registry.Execute(context.Background(), domain.Task{Name: "echo", Payload: json.RawMessage(`{"a":1}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Errorf("unexpected output %s", out)
	}
}

func TestRegistry_Fallback(t *testing.T) {
	called := false
	registry := NewRegistry(ExecutorFunc(func(context.Context, domain.Task) (json.RawMessage, error) {
		called = true
		return nil, nil
	}))

	if _, err := registry.Execute(context.Background(), domain.Task{Name: "anything"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected fallback executor to be called")
	}
}

func TestRegistry_UnknownTask(t *testing.T) {
	_, err := NewRegistry(nil).Execute(context.Background(), domain.Task{Name: "missing"})
	if !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	if !IsPermanent(err) {
		t.Error("unknown task must be a permanent error")
	}
}

// --- Errors Tests ---

func TestPermanent(t *testing.T) {
	base := errors.New("bad input")
	err := Permanent(base)

	if !IsPermanent(err) {
		t.Error("expected permanent error")
	}
	if !errors.Is(err, base) {
		t.Error("permanent error must wrap the original")
	}
	if IsPermanent(base) {
		t.Error("plain error must not be permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must be nil")
	}
}

// --- DelayExecutor Tests ---

func TestDelayExecutor(t *testing.T) {
	out, err := DelayExecutor{}.Execute(context.Background(), domain.Task{Payload: json.RawMessage(`{"duration_ms":5}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"delayed_ms":5}` {
		t.Errorf("unexpected output %s", out)
	}
}

func TestDelayExecutor_Fail(t *testing.T) {
	_, err := DelayExecutor{}.Execute(context.Background(), domain.Task{Payload: json.RawMessage(`{"fail":"boom"}`)})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom error, got %v", err)
	}
	if IsPermanent(err) {
		t.Error("requested failure must be retryable")
	}
}

func TestDelayExecutor_InvalidPayload(t *testing.T) {
	_, err := DelayExecutor{}.Execute(context.Background(), domain.Task{Payload: json.RawMessage(`{"duration_ms":-1}`)})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestDelayExecutor_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := DelayExecutor{}.Execute(ctx, domain.Task{Payload: json.RawMessage(`{"duration_ms":60000}`)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// --- HTTPExecutor Tests ---

func TestHTTPExecutor_JSONResponse(t *testing.T) {
	var gotHeaders http.Header
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":3}`))
	}))
	defer srv.Close()

	task := newTask("sync")
	task.RetryKey = "rk-1"
	task.RetryCount = 2
	task.Payload = json.RawMessage(`{"connection":"c1"}`)

	out, err := NewHTTPExecutor(srv.URL, time.Second).Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"records":3}` {
		t.Errorf("unexpected output %s", out)
	}
	if gotBody != `{"connection":"c1"}` {
		t.Errorf("unexpected request body %s", gotBody)
	}
	if gotHeaders.Get(HeaderTaskID) != task.ID.String() {
		t.Errorf("expected task id header, got %q", gotHeaders.Get(HeaderTaskID))
	}
	if gotHeaders.Get(HeaderTaskName) != "sync" || gotHeaders.Get(HeaderGroupKey) != "acme" {
		t.Errorf("unexpected task headers %v", gotHeaders)
	}
	if gotHeaders.Get(HeaderRetryKey) != "rk-1" || gotHeaders.Get(HeaderRetryCount) != "2" {
		t.Errorf("unexpected retry headers %v", gotHeaders)
	}
}

func TestHTTPExecutor_PlainTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("done"))
	}))
	defer srv.Close()

	out, err := NewHTTPExecutor(srv.URL, time.Second).Execute(context.Background(), newTask("sync"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `"done"` {
		t.Errorf("expected JSON string output, got %s", out)
	}
}

func TestHTTPExecutor_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid connection", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewHTTPExecutor(srv.URL, time.Second).Execute(context.Background(), newTask("sync"))
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestHTTPExecutor_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, strings.Repeat("x", 500), http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPExecutor(srv.URL, time.Second).Execute(context.Background(), newTask("sync"))
	if err == nil {
		t.Fatal("expected error")
	}
	if IsPermanent(err) {
		t.Error("5xx must be retryable")
	}
	if len(err.Error()) > 300 {
		t.Errorf("expected truncated error body, got %d bytes", len(err.Error()))
	}
}
