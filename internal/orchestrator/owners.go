package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/p-arndt/werkstatt/internal/errdefs"
	"github.com/p-arndt/werkstatt/internal/runtime"
	"github.com/p-arndt/werkstatt/internal/store"
)

func (o *Orchestrator) SandboxStatus(ownerID string) (*store.Sandbox, error) {
	return o.containers.Status(ownerID)
}

func (o *Orchestrator) ResourceUsage(ctx context.Context, ownerID string) (*runtime.ResourceUsage, error) {
	return o.containers.ResourceUsage(ctx, ownerID)
}

func (o *Orchestrator) Logs(ctx context.Context, ownerID string, tail int) (string, error) {
	return o.containers.Logs(ctx, ownerID, tail)
}

func (o *Orchestrator) RestartSandbox(ctx context.Context, ownerID string) error {
	return o.containers.Restart(ctx, ownerID)
}

// PurgeOwner reclaims the owner's threads, removes their sandboxes and
// deletes the workspaces for good, volume claims included. Checkpoints taken
// on the way out stay in the store until they expire.
func (o *Orchestrator) PurgeOwner(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return &errdefs.ValidationError{Field: "ownerId", Value: ownerID}
	}

	keys := map[string]bool{ownerID: true}
	for _, b := range o.lifecycle.Bindings() {
		if b.OwnerID != ownerID || !b.IsActive {
			continue
		}
		keys[b.ScopeKey] = true
		err := o.lifecycle.ForceCleanupThread(ctx, b.ThreadID)
		if err != nil && !errors.Is(err, errdefs.ErrBindingNotFound) {
			return fmt.Errorf("purge thread %s: %w", b.ThreadID, err)
		}
	}

	sessionID := o.sessions.SessionID(ownerID)
	if err := o.sessions.Close(ctx, sessionID); err != nil && !errors.Is(err, errdefs.ErrSessionNotFound) {
		o.logger.Warn("close session on purge", "session_id", sessionID, "error", err)
	}

	for key := range keys {
		if err := o.containers.Remove(ctx, key); err != nil && !errors.Is(err, errdefs.ErrSandboxNotFound) {
			return fmt.Errorf("purge sandbox %s: %w", key, err)
		}
		if o.volumes != nil {
			if err := o.volumes.DeleteVolumeClaim(ctx, key); err != nil {
				return fmt.Errorf("purge volume %s: %w", key, err)
			}
		}
		if err := o.ws.DeleteWorkspace(key); err != nil {
			return fmt.Errorf("purge workspace %s: %w", key, err)
		}
	}
	o.logger.Info("owner purged", "owner_id", ownerID, "scopes", len(keys))
	return nil
}
