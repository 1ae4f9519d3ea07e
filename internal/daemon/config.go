// Package daemon wires the control plane together and manages its
// lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration, one section per subsystem.
type Config struct {
	Node     NodeConfig     `toml:"node"`
	API      APIConfig      `toml:"api"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Fusion   FusionConfig   `toml:"fusion"`
	Probes   ProbesConfig   `toml:"probes"`
	Recovery RecoveryConfig `toml:"recovery"`
	Scaler   ScalerConfig   `toml:"scaler"`
	Chaos    ChaosConfig    `toml:"chaos"`
	Cache    CacheConfig    `toml:"cache"`
	Notify   NotifyConfig   `toml:"notify"`
	Workers  WorkersConfig  `toml:"workers"`
}

// NodeConfig identifies this node and its data directory.
type NodeConfig struct {
	ID  string `toml:"id"`
	Dir string `toml:"dir"`
}

// APIConfig controls the ops HTTP server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// PipelineConfig controls the per-device feature windows.
type PipelineConfig struct {
	WindowK   int    `toml:"window_k"`
	WindowT   string `toml:"window_t"`
	MinWindow int    `toml:"min_window"`
}

// FusionConfig controls incident fusion. CooldownSeconds overrides the
// default per incident kind, keyed by the kind name.
type FusionConfig struct {
	MinAgreementForLift    int            `toml:"min_agreement_for_lift"`
	DefaultCooldownSeconds int            `toml:"default_cooldown_seconds"`
	CooldownSeconds        map[string]int `toml:"cooldown_seconds"`
}

// ServiceEndpoint names one HTTP service probed for metrics.
type ServiceEndpoint struct {
	Name     string `toml:"name"`
	Endpoint string `toml:"endpoint"`
}

// ProbesConfig controls the health probe set.
type ProbesConfig struct {
	Deadline  string            `toml:"deadline"`
	Deadlines map[string]string `toml:"deadlines"`
	Services  []ServiceEndpoint `toml:"services"`
	BusAddr   string            `toml:"bus_addr"`
	Namespace string            `toml:"namespace"`
}

// RecoveryConfig controls the self-healing engine.
type RecoveryConfig struct {
	VerifyDelay      string `toml:"verify_delay"`
	ActionDeadline   string `toml:"action_deadline"`
	FailureThreshold int    `toml:"failure_threshold"`
	ResetTimeout     string `toml:"reset_timeout"`
	RetentionDays    int    `toml:"retention_days"`
}

// ScalerConfig controls predictive scaling.
type ScalerConfig struct {
	Enabled         bool           `toml:"enabled"`
	Deployments     []string       `toml:"deployments"`
	MinReplicas     map[string]int `toml:"min_replicas"`
	MaxReplicas     map[string]int `toml:"max_replicas"`
	UpThreshold     float64        `toml:"up_threshold"`
	DownThreshold   float64        `toml:"down_threshold"`
	PeakHours       []int          `toml:"peak_hours"`
	MinHold         string         `toml:"min_hold"`
	MetricsEndpoint string         `toml:"metrics_endpoint"`
}

// ChaosConfig controls fault injection.
type ChaosConfig struct {
	Enabled          bool     `toml:"enabled"`
	Hours            []int    `toml:"hours"`
	RecoveryBudget   string   `toml:"recovery_budget"`
	CriticalSubjects []string `toml:"critical_subjects"`
}

// CacheConfig controls the redis connection.
type CacheConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// NotifyConfig controls webhook notifications. An empty URL disables them.
type NotifyConfig struct {
	WebhookURL string `toml:"webhook_url"`
	QueueSize  int    `toml:"queue_size"`
}

// WorkersConfig controls worker cadence and shutdown.
type WorkersConfig struct {
	InferenceInterval   string `toml:"inference_interval"`
	HealthInterval      string `toml:"health_interval"`
	ScalerInterval      string `toml:"scaler_interval"`
	MaintenanceInterval string `toml:"maintenance_interval"`
	ChaosInterval       string `toml:"chaos_interval"`
	DrainDeadline       string `toml:"drain_deadline"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	home := tiresenseHome()
	return Config{
		Node: NodeConfig{
			ID:  "tiresense-local",
			Dir: home,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8710,
		},
		Pipeline: PipelineConfig{
			WindowK:   60,
			WindowT:   "5m",
			MinWindow: 10,
		},
		Fusion: FusionConfig{
			MinAgreementForLift:    3,
			DefaultCooldownSeconds: 300,
		},
		Probes: ProbesConfig{
			Deadline:  "10s",
			BusAddr:   "127.0.0.1:4222",
			Namespace: "tiresense",
		},
		Recovery: RecoveryConfig{
			VerifyDelay:      "10s",
			ActionDeadline:   "60s",
			FailureThreshold: 3,
			ResetTimeout:     "10m",
			RetentionDays:    30,
		},
		Scaler: ScalerConfig{
			Enabled:       true,
			UpThreshold:   0.8,
			DownThreshold: 0.3,
			PeakHours:     []int{9, 10, 11, 14, 15, 16, 19, 20, 21},
			MinHold:       "10m",
		},
		Chaos: ChaosConfig{
			Enabled:        false,
			Hours:          []int{2, 14},
			RecoveryBudget: "5m",
		},
		Cache: CacheConfig{
			Addr: "127.0.0.1:6379",
		},
		Notify: NotifyConfig{
			QueueSize: 128,
		},
		Workers: WorkersConfig{
			InferenceInterval:   "30s",
			HealthInterval:      "60s",
			ScalerInterval:      "60s",
			MaintenanceInterval: "24h",
			ChaosInterval:       "10m",
			DrainDeadline:       "5s",
		},
	}
}

// LoadConfig reads config from <home>/config.toml, falling back to
// defaults when the file does not exist.
func LoadConfig() (Config, error) {
	return LoadConfigFile(filepath.Join(tiresenseHome(), "config.toml"))
}

// LoadConfigFile reads one TOML file over the defaults. Unknown keys are
// rejected so typos fail loudly instead of silently using a default.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// tiresenseHome returns the data directory, honoring TIRESENSE_HOME.
func tiresenseHome() string {
	if env := os.Getenv("TIRESENSE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tiresense")
}

// Home is exported for the CLI.
func Home() string { return tiresenseHome() }

// parseDuration parses a duration string, returning fallback when the
// string is empty or malformed.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
