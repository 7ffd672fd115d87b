package container

import (
	"context"
	"fmt"

	"github.com/p-arndt/werkstatt/internal/errdefs"
)

type reclaimCtxKey struct{}

type reclaimToken struct {
	ownerID string
}

// BeginReclaim marks the owner's sandbox as being reclaimed. Until release
// runs, Exec, EnsureSandbox and Restart fail with ErrBeingReclaimed unless
// they are called with the returned context.
func (m *Manager) BeginReclaim(ctx context.Context, ownerID string) (context.Context, func(), error) {
	tok := &reclaimToken{ownerID: ownerID}
	if _, loaded := m.reclaiming.LoadOrStore(ownerID, tok); loaded {
		return ctx, func() {}, fmt.Errorf("%w: %s", errdefs.ErrBeingReclaimed, ownerID)
	}
	release := func() {
		m.reclaiming.Compute(ownerID, func(cur *reclaimToken, loaded bool) (*reclaimToken, bool) {
			return cur, !loaded || cur == tok
		})
	}
	return context.WithValue(ctx, reclaimCtxKey{}, tok), release, nil
}

// Reclaiming reports whether a reclaim is in progress for the owner.
func (m *Manager) Reclaiming(ownerID string) bool {
	_, ok := m.reclaiming.Load(ownerID)
	return ok
}

func (m *Manager) checkReclaim(ctx context.Context, ownerID string) error {
	tok, ok := m.reclaiming.Load(ownerID)
	if !ok {
		return nil
	}
	if held, _ := ctx.Value(reclaimCtxKey{}).(*reclaimToken); held == tok {
		return nil
	}
	return fmt.Errorf("%w: %s", errdefs.ErrBeingReclaimed, ownerID)
}
