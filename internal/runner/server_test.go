package runner

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// --- Server Tests ---

func TestServer_HealthAndNotifyWhenIdle(t *testing.T) {
	p := newTestProcessor(newFakeClient(), DelayExecutor{}, nil)
	srv := httptest.NewServer(NewServer(p, discardLogger))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || health.Status != "ok" || health.Draining {
		t.Fatalf("unexpected health %d %+v", resp.StatusCode, health)
	}

	resp, err = http.Post(srv.URL+"/notifyWhenIdle", "application/json", nil)
	if err != nil {
		t.Fatalf("notifyWhenIdle: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !p.Draining() {
		t.Error("expected processor to be draining")
	}

	resp, err = http.Get(srv.URL + "/notifyWhenIdle")
	if err != nil {
		t.Fatalf("get notifyWhenIdle: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}
