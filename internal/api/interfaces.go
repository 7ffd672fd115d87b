package api

import (
	"context"

	"github.com/p-arndt/werkstatt/internal/interactive"
	"github.com/p-arndt/werkstatt/internal/lifecycle"
	"github.com/p-arndt/werkstatt/internal/orchestrator"
	"github.com/p-arndt/werkstatt/internal/runtime"
	"github.com/p-arndt/werkstatt/internal/store"
)

// Service abstracts the orchestrator operations exposed over HTTP.
type Service interface {
	EnsureThreadSandbox(ctx context.Context, req lifecycle.BindRequest) (*store.ThreadBinding, error)
	UpdateActivity(ctx context.Context, sandboxID string) error
	ForceCleanupThread(ctx context.Context, threadID string) error
	RestoreThreadState(ctx context.Context, sandboxID, threadID string) (*lifecycle.Checkpoint, error)

	SandboxStatus(ownerID string) (*store.Sandbox, error)
	ResourceUsage(ctx context.Context, ownerID string) (*runtime.ResourceUsage, error)
	Logs(ctx context.Context, ownerID string, tail int) (string, error)
	RestartSandbox(ctx context.Context, ownerID string) error
	PurgeOwner(ctx context.Context, ownerID string) error

	EnsureInteractiveSession(ctx context.Context, ownerID, workspaceRoot string) (*interactive.Session, error)
	SendCommand(ctx context.Context, sessionID, command string) (*interactive.CommandResult, error)
	GetOutput(ctx context.Context, sessionID string, lines int) (string, error)
	RestartSession(ctx context.Context, sessionID string) error
	CloseSession(ctx context.Context, sessionID string) error
	ListActiveSessions(ownerID string) []*interactive.Session

	Statistics(ctx context.Context) (*orchestrator.Stats, error)
	Metrics(ctx context.Context) (map[string]int64, error)
}
