package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.API.Port != 8710 {
		t.Errorf("default port = %d, want 8710", cfg.API.Port)
	}
	if cfg.Fusion.MinAgreementForLift != 3 {
		t.Errorf("default min_agreement_for_lift = %d, want 3", cfg.Fusion.MinAgreementForLift)
	}
	if cfg.Chaos.Enabled {
		t.Error("chaos must default to disabled")
	}
}

func TestLoadConfigFile_OverridesAndDefaults(t *testing.T) {
	path := writeConfig(t, `
[api]
port = 9000

[pipeline]
window_k = 120
window_t = "10m"

[fusion.cooldown_seconds]
pressure_anomaly = 120
disk_pressure = 900

[scaler]
deployments = ["gateway"]

[scaler.max_replicas]
gateway = 8

[[probes.services]]
name = "gateway"
endpoint = "http://127.0.0.1:9000/metrics"
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.API.Port)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("host default lost: %q", cfg.API.Host)
	}
	if cfg.Pipeline.WindowK != 120 || parseDuration(cfg.Pipeline.WindowT, 0) != 10*time.Minute {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Fusion.CooldownSeconds["pressure_anomaly"] != 120 || cfg.Fusion.CooldownSeconds["disk_pressure"] != 900 {
		t.Errorf("fusion cooldown overrides = %v", cfg.Fusion.CooldownSeconds)
	}
	if cfg.Fusion.DefaultCooldownSeconds != 300 {
		t.Errorf("default cooldown lost: %d", cfg.Fusion.DefaultCooldownSeconds)
	}
	if cfg.Scaler.MaxReplicas["gateway"] != 8 {
		t.Errorf("max_replicas = %v", cfg.Scaler.MaxReplicas)
	}
	if len(cfg.Probes.Services) != 1 || cfg.Probes.Services[0].Name != "gateway" {
		t.Errorf("services = %+v", cfg.Probes.Services)
	}
}

func TestLoadConfigFile_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[api]
prot = 9000
`)
	if _, err := LoadConfigFile(path); err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Errorf("err = %v, want unknown keys rejection", err)
	}
}

func TestParseDuration(t *testing.T) {
	if d := parseDuration("90s", time.Second); d != 90*time.Second {
		t.Errorf("parseDuration(90s) = %s", d)
	}
	if d := parseDuration("", time.Minute); d != time.Minute {
		t.Errorf("empty fallback = %s", d)
	}
	if d := parseDuration("bogus", time.Minute); d != time.Minute {
		t.Errorf("malformed fallback = %s", d)
	}
}

func TestHomeHonorsEnvOverride(t *testing.T) {
	t.Setenv("TIRESENSE_HOME", "/tmp/tiresense-test")
	if h := Home(); h != "/tmp/tiresense-test" {
		t.Errorf("Home() = %q", h)
	}
}
