package orchestrator

import (
	"context"
	"errors"

	"github.com/p-arndt/werkstatt/internal/container"
	"github.com/p-arndt/werkstatt/internal/errdefs"
	"github.com/p-arndt/werkstatt/internal/interactive"
)

// EnsureInteractiveSession makes sure the owner's sandbox runs and returns
// its interactive session. A second call for a live session issues no
// backend commands.
func (o *Orchestrator) EnsureInteractiveSession(ctx context.Context, ownerID, workspaceRoot string) (*interactive.Session, error) {
	hostPath, err := o.ws.CreateWorkspace(ownerID)
	if err != nil {
		return nil, err
	}
	if _, err := o.containers.EnsureSandbox(ctx, ownerID, container.EnsureOptions{WorkspaceHostPath: hostPath}); err != nil {
		return nil, err
	}
	if workspaceRoot == "" {
		workspaceRoot = o.cfg.Sandbox.WorkspaceMount
	}
	return o.sessions.EnsureSession(ctx, ownerID, workspaceRoot)
}

// SendCommand types command into the session and counts it as activity on
// the owner's sandbox.
func (o *Orchestrator) SendCommand(ctx context.Context, sessionID, command string) (*interactive.CommandResult, error) {
	res, err := o.sessions.SendCommand(ctx, sessionID, command)
	if err != nil {
		return nil, err
	}
	o.touchOwner(ctx, interactive.OwnerOf(sessionID))
	return res, nil
}

// touchOwner marks activity on every binding served by the owner's
// sandbox. Sandboxes without bindings are fine.
func (o *Orchestrator) touchOwner(ctx context.Context, ownerID string) {
	rec, err := o.containers.Status(ownerID)
	if err != nil || rec.SandboxID == "" {
		return
	}
	err = o.lifecycle.UpdateActivity(ctx, rec.SandboxID)
	if err != nil && !errors.Is(err, errdefs.ErrBindingNotFound) {
		o.logger.Warn("record session activity", "owner_id", ownerID, "error", err)
	}
}

func (o *Orchestrator) GetOutput(ctx context.Context, sessionID string, lines int) (string, error) {
	return o.sessions.GetOutput(ctx, sessionID, lines)
}

func (o *Orchestrator) RestartSession(ctx context.Context, sessionID string) error {
	return o.sessions.Restart(ctx, sessionID)
}

func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) error {
	return o.sessions.Close(ctx, sessionID)
}

func (o *Orchestrator) ListActiveSessions(ownerID string) []*interactive.Session {
	return o.sessions.ListActiveSessions(ownerID)
}
