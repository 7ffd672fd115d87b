package container

import (
	"context"

	"github.com/p-arndt/werkstatt/internal/runtime"
	"github.com/p-arndt/werkstatt/internal/store"
)

// Reconcile asks the backend about every Running sandbox and records what it
// says. Sandboxes the backend lost become Stopped; backend errors become
// Failed. Lookup failures leave the record untouched for the next pass.
func (m *Manager) Reconcile(ctx context.Context) {
	running, err := m.store.ListSandboxesByStatus(store.StatusRunning)
	if err != nil {
		m.logger.Error("reconcile: list running sandboxes", "error", err)
		return
	}

	changed := 0
	for _, sb := range running {
		if m.reconcileOne(ctx, sb.OwnerID) {
			changed++
		}
	}
	m.logger.Debug("reconcile complete", "checked", len(running), "changed", changed)
}

func (m *Manager) reconcileOne(ctx context.Context, ownerID string) bool {
	unlock, ok := m.locks.TryLock(ownerID)
	if !ok {
		// Someone is mutating this sandbox right now; check it next time.
		return false
	}
	defer unlock()

	rec, err := m.load(ownerID)
	if err != nil || rec == nil || rec.Status != store.StatusRunning || rec.SandboxID == "" {
		return false
	}

	opCtx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
	info, err := m.backend.Info(opCtx, rec.SandboxID)
	cancel()
	if err != nil {
		m.logger.Warn("reconcile: inspect sandbox", "owner_id", ownerID, "sandbox_id", rec.SandboxID, "error", err)
		return false
	}

	now := m.now().UTC()
	rec.LastHealthCheck = &now
	changed := false
	switch info.State {
	case runtime.StateExited, runtime.StateMissing:
		m.logger.Warn("reconcile: sandbox no longer running, marking stopped",
			"owner_id", ownerID, "sandbox_id", rec.SandboxID, "state", info.State)
		rec.Status = store.StatusStopped
		rec.StoppedAt = &now
		changed = true
	case runtime.StateError:
		m.logger.Warn("reconcile: sandbox in error state, marking failed",
			"owner_id", ownerID, "sandbox_id", rec.SandboxID, "error", info.Error)
		rec.Status = store.StatusFailed
		rec.Error = info.Error
		changed = true
	}
	if err := m.persist(rec); err != nil {
		m.logger.Error("reconcile: persist sandbox", "owner_id", ownerID, "error", err)
	}
	if changed {
		m.usage.Del(ownerID)
	}
	return changed
}
