package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "WERKSTATT"

// Backend modes.
const (
	ModeAuto    = "auto"
	ModeLocal   = "local"
	ModeCluster = "cluster"
)

// Sandbox scopes.
const (
	ScopeOwner  = "owner"
	ScopeThread = "thread"
)

type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"` // text | json
}

type BackendConfig struct {
	Mode             string        `yaml:"mode" split_words:"true"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" split_words:"true"`
	OperationTimeout time.Duration `yaml:"operation_timeout" split_words:"true"`
	StopTimeout      time.Duration `yaml:"stop_timeout" split_words:"true"`
	ExecTimeout      time.Duration `yaml:"exec_timeout" split_words:"true"`
}

type SandboxConfig struct {
	Image          string            `yaml:"image" split_words:"true"`
	Command        string            `yaml:"command" split_words:"true"`
	MemoryLimitMB  int               `yaml:"memory_limit_mb" split_words:"true"`
	CPUCores       float64           `yaml:"cpu_cores" split_words:"true"`
	DiskLimitMB    int               `yaml:"disk_limit_mb" split_words:"true"`
	NetworkMode    string            `yaml:"network_mode" split_words:"true"`
	WorkspaceMount string            `yaml:"workspace_mount" split_words:"true"`
	Scope          string            `yaml:"scope" split_words:"true"`
	Env            map[string]string `yaml:"env" split_words:"true"`
}

type DockerConfig struct {
	Host         string `yaml:"host" split_words:"true"`
	StorageQuota bool   `yaml:"storage_quota" split_words:"true"`
}

type KubernetesConfig struct {
	Namespace          string        `yaml:"namespace" split_words:"true"`
	Kubeconfig         string        `yaml:"kubeconfig" split_words:"true"`
	StorageClass       string        `yaml:"storage_class" split_words:"true"`
	RequestEqualsLimit bool          `yaml:"request_equals_limit" split_words:"true"`
	PodReadyTimeout    time.Duration `yaml:"pod_ready_timeout" split_words:"true"`
}

type WorkspaceConfig struct {
	Root string `yaml:"root" split_words:"true"`
}

type LifecycleConfig struct {
	IdleThreshold    time.Duration `yaml:"idle_threshold" split_words:"true"`
	SweepInterval    time.Duration `yaml:"sweep_interval" split_words:"true"`
	WarningWindow    time.Duration `yaml:"warning_window" split_words:"true"`
	CheckpointTTL    time.Duration `yaml:"checkpoint_ttl" split_words:"true"`
	BindingTTL       time.Duration `yaml:"binding_ttl" split_words:"true"`
	SweepConcurrency int           `yaml:"sweep_concurrency" split_words:"true"`
	GitUserName      string        `yaml:"git_user_name" split_words:"true"`
	GitUserEmail     string        `yaml:"git_user_email" split_words:"true"`
}

type InteractiveConfig struct {
	SessionName   string        `yaml:"session_name" split_words:"true"`
	WindowName    string        `yaml:"window_name" split_words:"true"`
	CLICommand    string        `yaml:"cli_command" split_words:"true"`
	WarmupDelay   time.Duration `yaml:"warmup_delay" split_words:"true"`
	SettleDelay   time.Duration `yaml:"settle_delay" split_words:"true"`
	CaptureLines  int           `yaml:"capture_lines" split_words:"true"`
	Completion    string        `yaml:"completion" split_words:"true"` // delay | marker
	MarkerTimeout time.Duration `yaml:"marker_timeout" split_words:"true"`
	IdleTimeout   time.Duration `yaml:"idle_timeout" split_words:"true"`
	SessionTTL    time.Duration `yaml:"session_ttl" split_words:"true"`
}

type ReaperConfig struct {
	HealthInterval  time.Duration `yaml:"health_interval" split_words:"true"`
	SessionInterval time.Duration `yaml:"session_interval" split_words:"true"`
	PurgeInterval   time.Duration `yaml:"purge_interval" split_words:"true"`
}

type EventsConfig struct {
	NatsURL       string `yaml:"nats_url" split_words:"true"`
	EmbeddedNATS  bool   `yaml:"embedded_nats" split_words:"true"`
	SubjectPrefix string `yaml:"subject_prefix" split_words:"true"`
	Buffer        int    `yaml:"buffer" split_words:"true"`
}

type Config struct {
	Listen      string            `yaml:"listen" split_words:"true"`
	APIKey      string            `yaml:"api_key" split_words:"true"`
	Environment string            `yaml:"environment" split_words:"true"`
	DBPath      string            `yaml:"db_path" split_words:"true"`
	Metrics     bool              `yaml:"metrics" split_words:"true"`
	Log         LogConfig         `yaml:"log" split_words:"true"`
	Backend     BackendConfig     `yaml:"backend" split_words:"true"`
	Sandbox     SandboxConfig     `yaml:"sandbox" split_words:"true"`
	Docker      DockerConfig      `yaml:"docker" split_words:"true"`
	Kubernetes  KubernetesConfig  `yaml:"kubernetes" split_words:"true"`
	Workspace   WorkspaceConfig   `yaml:"workspace" split_words:"true"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle" split_words:"true"`
	Interactive InteractiveConfig `yaml:"interactive" split_words:"true"`
	Reaper      ReaperConfig      `yaml:"reaper" split_words:"true"`
	Events      EventsConfig      `yaml:"events" split_words:"true"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Environment: "development",
		DBPath:      "./werkstatt.db",
		Metrics:     true,
		Log:         LogConfig{Level: "info", Format: "text"},
		Backend: BackendConfig{
			Mode:             ModeAuto,
			ProbeTimeout:     5 * time.Second,
			OperationTimeout: 60 * time.Second,
			StopTimeout:      10 * time.Second,
			ExecTimeout:      2 * time.Minute,
		},
		Sandbox: SandboxConfig{
			Image:          "werkstatt-sandbox:latest",
			Command:        "sleep infinity",
			MemoryLimitMB:  2048,
			CPUCores:       1,
			DiskLimitMB:    10240,
			NetworkMode:    "bridge",
			WorkspaceMount: "/workspace",
			Scope:          ScopeOwner,
			Env:            map[string]string{},
		},
		Kubernetes: KubernetesConfig{
			Namespace:          "werkstatt",
			RequestEqualsLimit: true,
			PodReadyTimeout:    2 * time.Minute,
		},
		Workspace: WorkspaceConfig{Root: "./workspaces"},
		Lifecycle: LifecycleConfig{
			IdleThreshold:    45 * time.Minute,
			SweepInterval:    time.Minute,
			WarningWindow:    5 * time.Minute,
			CheckpointTTL:    7 * 24 * time.Hour,
			BindingTTL:       24 * time.Hour,
			SweepConcurrency: 4,
			GitUserName:      "werkstatt",
			GitUserEmail:     "werkstatt@localhost",
		},
		Interactive: InteractiveConfig{
			SessionName:   "werk",
			WindowName:    "cli",
			CLICommand:    "claude",
			WarmupDelay:   3 * time.Second,
			SettleDelay:   2 * time.Second,
			CaptureLines:  50,
			Completion:    "delay",
			MarkerTimeout: 30 * time.Second,
			IdleTimeout:   30 * time.Minute,
			SessionTTL:    24 * time.Hour,
		},
		Reaper: ReaperConfig{
			HealthInterval:  5 * time.Minute,
			SessionInterval: 5 * time.Minute,
			PurgeInterval:   time.Hour,
		},
		Events: EventsConfig{
			SubjectPrefix: "werkstatt.events",
			Buffer:        256,
		},
	}
}

// Load reads defaults, then the YAML file at yamlPath (a missing file is
// fine), then WERKSTATT_* environment variables.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the deployment environment asks for the
// cluster runtime by default.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

func (c *Config) Validate() error {
	switch c.Backend.Mode {
	case ModeAuto, ModeLocal, ModeCluster:
	default:
		return fmt.Errorf("backend.mode: unknown mode %q", c.Backend.Mode)
	}
	switch c.Sandbox.Scope {
	case ScopeOwner, ScopeThread:
	default:
		return fmt.Errorf("sandbox.scope: unknown scope %q", c.Sandbox.Scope)
	}
	switch c.Interactive.Completion {
	case "delay", "marker":
	default:
		return fmt.Errorf("interactive.completion: unknown mode %q", c.Interactive.Completion)
	}

	positive := map[string]time.Duration{
		"lifecycle.idle_threshold":     c.Lifecycle.IdleThreshold,
		"lifecycle.sweep_interval":     c.Lifecycle.SweepInterval,
		"backend.operation_timeout":    c.Backend.OperationTimeout,
		"backend.probe_timeout":        c.Backend.ProbeTimeout,
		"reaper.health_interval":       c.Reaper.HealthInterval,
		"reaper.session_interval":      c.Reaper.SessionInterval,
		"reaper.purge_interval":        c.Reaper.PurgeInterval,
		"interactive.idle_timeout":     c.Interactive.IdleTimeout,
		"lifecycle.checkpoint_ttl":     c.Lifecycle.CheckpointTTL,
		"kubernetes.pod_ready_timeout": c.Kubernetes.PodReadyTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
	}
	if c.Lifecycle.WarningWindow < 0 || c.Lifecycle.WarningWindow >= c.Lifecycle.IdleThreshold {
		return fmt.Errorf("lifecycle.warning_window: %s must be in [0, idle_threshold)", c.Lifecycle.WarningWindow)
	}
	if c.Interactive.CaptureLines <= 0 {
		return fmt.Errorf("interactive.capture_lines: must be positive")
	}
	return nil
}
