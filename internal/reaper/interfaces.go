package reaper

import (
	"context"
	"time"

	"github.com/p-arndt/werkstatt/internal/store"
)

// SandboxTracker is the slice of the container manager the reaper drives.
type SandboxTracker interface {
	Reconcile(ctx context.Context)
	List() ([]*store.Sandbox, error)
	// Busy reports whether an operation on the owner's sandbox is in flight.
	Busy(ownerID string) bool
}

// SessionCleaner closes interactive sessions idle for longer than maxIdle.
type SessionCleaner interface {
	CleanupInactive(ctx context.Context, maxIdle time.Duration) int
}

type ReaperStore interface {
	PurgeExpired() (int64, error)
}

// OrphanRuntime lists and removes backend sandboxes carrying our labels.
// ListManaged maps sandbox id to owner id. Backends that cannot enumerate
// their sandboxes leave it nil.
type OrphanRuntime interface {
	ListManaged(ctx context.Context) (map[string]string, error)
	Remove(ctx context.Context, id string, force bool) error
}
