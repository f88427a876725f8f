package config

import (
	"testing"
	"time"
)

func TestLoadScheduler_Defaults(t *testing.T) {
	cfg := LoadScheduler()

	if cfg.Port != "8081" {
		t.Errorf("expected port 8081, got %s", cfg.Port)
	}
	if cfg.Defaults.HeartbeatTimeout != 5*time.Minute {
		t.Errorf("unexpected heartbeat timeout: %v", cfg.Defaults.HeartbeatTimeout)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("unexpected batch size: %d", cfg.BatchSize)
	}
}

func TestLoadFleet_FromEnv(t *testing.T) {
	t.Setenv("FLEET_PROVIDER", "kubernetes")
	t.Setenv("FLEET_MIN_NODES", "3")
	t.Setenv("FLEET_TIMEOUT_IDLE", "90s")
	t.Setenv("FLEET_START_RATE", "0.5")
	t.Setenv("LOCAL_RUNNER_CMD", "go run ./cmd/runner")
	t.Setenv("FLEET_SKIP_IMAGE_CHECK", "true")

	cfg := LoadFleet()

	if cfg.Provider != "kubernetes" {
		t.Errorf("provider: %s", cfg.Provider)
	}
	if cfg.MinNodes != 3 {
		t.Errorf("min nodes: %d", cfg.MinNodes)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Errorf("idle timeout: %v", cfg.IdleTimeout)
	}
	if cfg.StartRate != 0.5 {
		t.Errorf("start rate: %v", cfg.StartRate)
	}
	if len(cfg.Local.Command) != 3 || cfg.Local.Command[0] != "go" {
		t.Errorf("local command: %v", cfg.Local.Command)
	}
	if !cfg.SkipImageCheck {
		t.Error("skip image check should be true")
	}
}

func TestGetEnv_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("FLEET_MAX_NODES", "many")
	t.Setenv("FLEET_TICK", "soon")

	cfg := LoadFleet()
	if cfg.MaxNodes != 10 {
		t.Errorf("invalid int should fall back to default, got %d", cfg.MaxNodes)
	}
	if cfg.Tick != time.Second {
		t.Errorf("invalid duration should fall back to default, got %v", cfg.Tick)
	}
}
