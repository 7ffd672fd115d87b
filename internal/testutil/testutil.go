// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/p-arndt/werkstatt/internal/config"
	"github.com/p-arndt/werkstatt/internal/store"
)

// TestConfig returns the default configuration rooted in a per-test
// temp dir, with the interactive warmup disabled.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Listen = "127.0.0.1:0"
	cfg.APIKey = ""
	cfg.DBPath = filepath.Join(dir, "werkstatt.db")
	cfg.Workspace.Root = filepath.Join(dir, "workspaces")
	cfg.Interactive.WarmupDelay = 0
	return cfg
}

// NewTestStore opens a store in a temp file. An in-memory database would
// give each pooled connection its own empty schema.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "werkstatt.db"), 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSandbox(ownerKey, sandboxID string) *store.Sandbox {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &store.Sandbox{
		OwnerID:           ownerKey,
		SandboxID:         sandboxID,
		Backend:           "local",
		Image:             "werkstatt-sandbox:test",
		Status:            store.StatusRunning,
		MemoryLimitMB:     2048,
		CPUCores:          1,
		DiskLimitMB:       10240,
		WorkspaceHostPath: "/srv/workspaces/" + ownerKey,
		CreatedAt:         now,
		StartedAt:         &now,
	}
}

func TestBinding(threadID, ownerID, sandboxID string) *store.ThreadBinding {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &store.ThreadBinding{
		ThreadID:       threadID,
		OwnerID:        ownerID,
		ScopeKey:       ownerID,
		SandboxID:      sandboxID,
		WorkDir:        "/workspace",
		State:          store.BindingActive,
		IsActive:       true,
		LastActivityAt: now,
		CreatedAt:      now,
	}
}
