package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "factoryverse.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[general]
tick_interval = "20ms"
max_queue_size = 5000
max_per_tick = 25
state_db_path = "/tmp/factoryverse-test.db"
log_level = "info"
log_format = "json"

[walk]
arrive_radius = 0.7
diag_band = 0.4
snap_axis_eps = 0.15
max_replans = 3

[mine]
reach_distance = 2.5
emulate = true

[craft]
max_concurrent_per_agent = 1

[snapshot]
base_dir = "/tmp/factoryverse-test/snapshots"
chunks_per_tick = 4

[completion]
udp_port = 34202

[admin]
enabled = true
auth_token = "0123456789abcdef"
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.General.MaxQueueSize != 5000 {
		t.Fatalf("expected max_queue_size=5000, got %d", cfg.General.MaxQueueSize)
	}
	if cfg.Mine.ReachDistance != 2.5 {
		t.Fatalf("expected reach_distance=2.5, got %v", cfg.Mine.ReachDistance)
	}
	if cfg.Completion.UDPPort != 34202 {
		t.Fatalf("expected udp_port=34202, got %d", cfg.Completion.UDPPort)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, `[general]`+"\n"+`state_db_path = "/tmp/factoryverse-defaults.db"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.General.MaxQueueSize != 10000 {
		t.Fatalf("expected default max_queue_size=10000, got %d", cfg.General.MaxQueueSize)
	}
	if cfg.Snapshot.BaseDir != "script-output/factoryverse" {
		t.Fatalf("expected default snapshot base_dir, got %q", cfg.Snapshot.BaseDir)
	}
	if cfg.Completion.UDPPort != 34202 {
		t.Fatalf("expected default udp_port=34202, got %d", cfg.Completion.UDPPort)
	}
	if !cfg.Walk.ReplanOnStuck {
		t.Fatalf("expected replan_on_stuck to default true")
	}
	if !cfg.Mine.Emulate {
		t.Fatalf("expected emulate to default true")
	}
}

func TestLoadRejectsMaxPerTickAboveQueueSize(t *testing.T) {
	path := writeTestConfig(t, `
[general]
max_queue_size = 2
max_per_tick = 10
state_db_path = "/tmp/factoryverse-bad.db"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error when max_per_tick exceeds max_queue_size")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
}

func TestLoadRejectsShortAdminTokenWhenEnabled(t *testing.T) {
	path := writeTestConfig(t, `
[general]
state_db_path = "/tmp/factoryverse-admin.db"

[admin]
enabled = true
auth_token = "short"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error for short admin auth token")
	}
}

func TestRestartRequiredOnStateDBPathChange(t *testing.T) {
	before := &Config{General: General{StateDBPath: "a.db"}}
	after := &Config{General: General{StateDBPath: "b.db"}}
	if !RestartRequired(before, after) {
		t.Fatalf("expected restart required on state_db_path change")
	}
	after.General.StateDBPath = "a.db"
	if RestartRequired(before, after) {
		t.Fatalf("expected no restart required when nothing hot-unsafe changed")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := &Config{General: General{MaxQueueSize: 100}}
	clone := cfg.Clone()
	clone.General.MaxQueueSize = 200
	if cfg.General.MaxQueueSize != 100 {
		t.Fatalf("mutating clone leaked back into original")
	}
}
