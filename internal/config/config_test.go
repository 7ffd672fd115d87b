package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, ModeAuto, cfg.Backend.Mode)
	assert.Equal(t, ScopeOwner, cfg.Sandbox.Scope)
	assert.Equal(t, 45*time.Minute, cfg.Lifecycle.IdleThreshold)
	assert.Equal(t, time.Minute, cfg.Lifecycle.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.Lifecycle.WarningWindow)
	assert.Equal(t, 7*24*time.Hour, cfg.Lifecycle.CheckpointTTL)
	assert.Equal(t, 3*time.Second, cfg.Interactive.WarmupDelay)
	assert.Equal(t, 2*time.Second, cfg.Interactive.SettleDelay)
	assert.Equal(t, 50, cfg.Interactive.CaptureLines)
	assert.True(t, cfg.Kubernetes.RequestEqualsLimit)
	assert.False(t, cfg.IsProduction())
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
listen: "0.0.0.0:9090"
environment: production
backend:
  mode: cluster
sandbox:
  memory_limit_mb: 4096
  cpu_cores: 2
  scope: thread
lifecycle:
  idle_threshold: 30m
  warning_window: 2m
interactive:
  cli_command: "aider --yes"
  completion: marker
`
	yamlPath := filepath.Join(t.TempDir(), "werkstatt.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Listen)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, ModeCluster, cfg.Backend.Mode)
	assert.Equal(t, 4096, cfg.Sandbox.MemoryLimitMB)
	assert.Equal(t, 2.0, cfg.Sandbox.CPUCores)
	assert.Equal(t, ScopeThread, cfg.Sandbox.Scope)
	assert.Equal(t, 30*time.Minute, cfg.Lifecycle.IdleThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Lifecycle.WarningWindow)
	assert.Equal(t, "aider --yes", cfg.Interactive.CLICommand)
	assert.Equal(t, "marker", cfg.Interactive.Completion)
	// untouched keys keep their defaults
	assert.Equal(t, time.Minute, cfg.Lifecycle.SweepInterval)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/werkstatt.yaml")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
}

func TestLoadYAMLInvalid(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("listen: [unterminated"), 0644))

	_, err := Load(yamlPath)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WERKSTATT_LISTEN", "0.0.0.0:7000")
	t.Setenv("WERKSTATT_BACKEND_MODE", "local")
	t.Setenv("WERKSTATT_LIFECYCLE_IDLE_THRESHOLD", "20m")
	t.Setenv("WERKSTATT_SANDBOX_MEMORY_LIMIT_MB", "1024")
	t.Setenv("WERKSTATT_INTERACTIVE_SETTLE_DELAY", "500ms")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7000", cfg.Listen)
	assert.Equal(t, ModeLocal, cfg.Backend.Mode)
	assert.Equal(t, 20*time.Minute, cfg.Lifecycle.IdleThreshold)
	assert.Equal(t, 1024, cfg.Sandbox.MemoryLimitMB)
	assert.Equal(t, 500*time.Millisecond, cfg.Interactive.SettleDelay)
}

func TestEnvOverridesYAML(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "werkstatt.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("db_path: /var/lib/werkstatt.db\n"), 0644))
	t.Setenv("WERKSTATT_DB_PATH", "/tmp/override.db")

	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.DBPath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Backend.Mode = "swarm" }},
		{"unknown scope", func(c *Config) { c.Sandbox.Scope = "team" }},
		{"unknown completion", func(c *Config) { c.Interactive.Completion = "magic" }},
		{"zero sweep interval", func(c *Config) { c.Lifecycle.SweepInterval = 0 }},
		{"warning window past threshold", func(c *Config) { c.Lifecycle.WarningWindow = time.Hour }},
		{"zero capture lines", func(c *Config) { c.Interactive.CaptureLines = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
