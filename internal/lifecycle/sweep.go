package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/p-arndt/werkstatt/internal/errdefs"
	"github.com/p-arndt/werkstatt/internal/events"
	"github.com/p-arndt/werkstatt/internal/store"
)

const (
	reasonIdle   = "idle"
	reasonForced = "forced"
)

// Sweep runs one idle pass. Bindings past the threshold are reclaimed on a
// bounded pool; bindings inside the warning window get one warning per idle
// stretch. A failing binding never stops the others.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now().UTC()
	warnAt := m.opts.IdleThreshold - m.opts.WarningWindow

	p := pool.New().WithMaxGoroutines(m.opts.SweepConcurrency)
	reclaimed, warned := 0, 0
	m.bindings.Range(func(thread string, b *store.ThreadBinding) bool {
		if !b.IsActive || b.State == store.BindingReclaiming {
			return true
		}
		idle := now.Sub(b.LastActivityAt)
		switch {
		case idle >= m.opts.IdleThreshold:
			reclaimed++
			p.Go(func() {
				if err := m.reclaim(ctx, thread, reasonIdle); err != nil && !errors.Is(err, errdefs.ErrBeingReclaimed) {
					m.logger.Error("sweep: reclaim thread", "thread_id", thread, "error", err)
				}
			})
		case m.opts.WarningWindow > 0 && idle >= warnAt:
			if m.warn(ctx, thread) {
				warned++
			}
		}
		return true
	})
	p.Wait()

	if reclaimed > 0 || warned > 0 {
		m.logger.Info("sweep complete", "reclaimed", reclaimed, "warned", warned)
	}
}

// warn emits the idle warning unless this idle stretch was already warned.
// A stretch is identified by the lastActivityAt it started from.
func (m *Manager) warn(ctx context.Context, threadID string) bool {
	unlock, ok := m.threadLock.TryLock(threadID)
	if !ok {
		return false
	}
	defer unlock()

	cur, ok := m.bindings.Load(threadID)
	if !ok || !cur.IsActive {
		return false
	}
	if cur.WarnedFor != nil && cur.WarnedFor.Equal(cur.LastActivityAt) {
		return false
	}

	b := copyBinding(cur)
	last := b.LastActivityAt
	b.WarnedFor = &last
	b.State = store.BindingIdleWarning
	if err := m.persist(b); err != nil {
		m.logger.Error("sweep: persist idle warning", "thread_id", threadID, "error", err)
		return false
	}

	idle := m.now().UTC().Sub(last)
	remaining := m.opts.IdleThreshold - idle
	m.logger.Info("thread idle", "thread_id", threadID, "owner_id", b.OwnerID, "idle", idle.Round(time.Second), "reclaim_in", remaining.Round(time.Second))
	m.metrics.IdleWarning(ctx)
	m.events.Emit(events.Event{
		Kind:      events.IdleWarning,
		At:        m.now().UTC(),
		OwnerID:   b.OwnerID,
		ThreadID:  threadID,
		SandboxID: b.SandboxID,
		Attrs: map[string]string{
			"idle_minutes":       strconv.Itoa(int(idle.Minutes())),
			"reclaim_in_seconds": strconv.Itoa(int(remaining.Seconds())),
		},
	})
	return true
}

// ForceCleanupThread reclaims a thread immediately regardless of idleness.
func (m *Manager) ForceCleanupThread(ctx context.Context, threadID string) error {
	return m.reclaim(ctx, threadID, reasonForced)
}

func (m *Manager) reclaim(ctx context.Context, threadID, reason string) error {
	if _, busy := m.reclaiming.LoadOrStore(threadID, struct{}{}); busy {
		return fmt.Errorf("%w: thread %s", errdefs.ErrBeingReclaimed, threadID)
	}
	defer m.reclaiming.Delete(threadID)

	unlock := m.threadLock.Lock(threadID)
	defer unlock()

	cur, ok := m.bindings.Load(threadID)
	if !ok || !cur.IsActive {
		return fmt.Errorf("%w: thread %s", errdefs.ErrBindingNotFound, threadID)
	}
	if reason == reasonIdle && m.now().UTC().Sub(cur.LastActivityAt) < m.opts.IdleThreshold {
		m.logger.Debug("reclaim aborted, thread became active", "thread_id", threadID)
		return nil
	}

	b := copyBinding(cur)
	b.State = store.BindingReclaiming
	if err := m.persist(b); err != nil {
		m.logger.Warn("reclaim: persist state", "thread_id", threadID, "error", err)
	}

	unlockScope := m.scopeLock.Lock(b.ScopeKey)
	defer unlockScope()

	rctx, release, err := m.sandboxes.BeginReclaim(ctx, b.ScopeKey)
	if err != nil {
		b.State = store.BindingActive
		m.persist(b)
		return err
	}
	defer release()

	if cp, err := m.checkpoint(rctx, b); err != nil {
		m.logger.Error("checkpoint failed, reclaiming anyway", "thread_id", threadID, "error", err)
		m.metrics.Checkpoint(ctx, "failed")
		m.events.Emit(events.Event{
			Kind:      events.CheckpointFailed,
			At:        m.now().UTC(),
			OwnerID:   b.OwnerID,
			ThreadID:  threadID,
			SandboxID: b.SandboxID,
			Attrs:     map[string]string{"error": err.Error()},
		})
	} else if cp != nil {
		m.metrics.Checkpoint(ctx, "saved")
	} else {
		m.metrics.Checkpoint(ctx, "clean")
		m.dropCheckpoint(threadID)
	}

	shared := m.sharedWith(b)
	if !shared {
		if err := m.sandboxes.Stop(rctx, b.ScopeKey); err != nil && !errdefs.IsNotFound(err) {
			m.logger.Error("reclaim: stop sandbox", "thread_id", threadID, "sandbox_id", b.SandboxID, "error", err)
		}
		if err := m.sandboxes.Remove(rctx, b.ScopeKey); err != nil && !errdefs.IsNotFound(err) {
			m.logger.Error("reclaim: remove sandbox", "thread_id", threadID, "sandbox_id", b.SandboxID, "error", err)
		}
		if m.sessions != nil {
			m.sessions.DropOwner(b.ScopeKey)
		}
	}

	b.State = store.BindingInactive
	b.IsActive = false
	if err := m.store.DeactivateBinding(threadID); err != nil {
		m.logger.Error("reclaim: persist inactive binding", "thread_id", threadID, "error", err)
	}
	if err := m.kv.Delete(bindingKeyPrefix + threadID); err != nil {
		m.logger.Warn("reclaim: drop binding snapshot", "thread_id", threadID, "error", err)
	}
	m.bindings.Delete(threadID)

	m.logger.Info("thread reclaimed", "thread_id", threadID, "owner_id", b.OwnerID, "sandbox_id", b.SandboxID,
		"reason", reason, "sandbox_kept", shared)
	m.metrics.Reclaimed(ctx, reason)
	m.events.Emit(events.Event{
		Kind:      events.ThreadReclaimed,
		At:        m.now().UTC(),
		OwnerID:   b.OwnerID,
		ThreadID:  threadID,
		SandboxID: b.SandboxID,
		Attrs:     map[string]string{"reason": reason, "sandbox_kept": strconv.FormatBool(shared)},
	})
	return nil
}

// sharedWith reports whether another active binding still uses b's sandbox.
func (m *Manager) sharedWith(b *store.ThreadBinding) bool {
	shared := false
	m.bindings.Range(func(thread string, other *store.ThreadBinding) bool {
		if thread != b.ThreadID && other.IsActive && other.ScopeKey == b.ScopeKey {
			shared = true
			return false
		}
		return true
	})
	return shared
}
