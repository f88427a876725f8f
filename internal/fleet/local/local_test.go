package local

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/google/uuid"
)

// TestHelperProcess — runner-заглушка, которую запускает провайдер.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	ln, err := net.Listen("tcp", "127.0.0.1:"+os.Getenv("PORT"))
	if err != nil {
		os.Exit(2)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	go http.Serve(ln, mux)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM)
	<-sig
	os.Exit(0)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// --- Provider Tests ---

func TestProvider_StartVerifyTerminate(t *testing.T) {
	p, err := New(Config{
		Command:     []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		BasePort:    freePort(t),
		FleetAPIURL: "http://api",
		Env:         []string{"GO_WANT_HELPER_PROCESS=1"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	n := domain.Node{ID: uuid.New(), RoutingID: "default"}

	res, err := p.Start(ctx, n)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.ProviderRef == "" {
		t.Error("expected pid as provider ref")
	}

	again, err := p.Start(ctx, n)
	if err != nil || again.URL != res.URL {
		t.Errorf("expected idempotent start, got %+v, %v", again, err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		if err = p.VerifyURL(ctx, res.URL); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("runner never became healthy: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.Terminate(stopCtx, n); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if got := p.Running(); got != 0 {
		t.Errorf("expected no running processes, got %d", got)
	}

	if err := p.Terminate(ctx, n); err != nil {
		t.Errorf("Terminate of unknown node: %v", err)
	}
}

func TestNew_RequiresCommand(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestProvider_Shutdown(t *testing.T) {
	p, err := New(Config{
		Command:  []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		BasePort: freePort(t),
		Env:      []string{"GO_WANT_HELPER_PROCESS=1"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	for range 2 {
		if _, err := p.Start(ctx, domain.Node{ID: uuid.New(), RoutingID: "default"}); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	if got := p.Running(); got != 2 {
		t.Fatalf("expected 2 running processes, got %d", got)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.Shutdown(stopCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := p.Running(); got != 0 {
		t.Errorf("expected no running processes, got %d", got)
	}
}
