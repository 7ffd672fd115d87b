package lifecycle

import (
	"context"
	"time"

	"github.com/p-arndt/werkstatt/internal/container"
	"github.com/p-arndt/werkstatt/internal/runtime"
	"github.com/p-arndt/werkstatt/internal/store"
)

// Sandboxes is the container-manager surface the lifecycle drives.
type Sandboxes interface {
	EnsureSandbox(ctx context.Context, ownerID string, o container.EnsureOptions) (string, error)
	Exec(ctx context.Context, ownerID string, argv []string, opts runtime.ExecOptions) (*runtime.ExecResult, error)
	Stop(ctx context.Context, ownerID string) error
	Remove(ctx context.Context, ownerID string) error
	BeginReclaim(ctx context.Context, ownerID string) (context.Context, func(), error)
}

type Workspaces interface {
	CreateWorkspace(ownerKey string) (string, error)
}

type BindingStore interface {
	UpsertBinding(b *store.ThreadBinding) error
	ListActiveBindings() ([]*store.ThreadBinding, error)
	DeactivateBinding(threadID string) error
}

// KV holds binding snapshots and checkpoints with expiry.
type KV interface {
	PutJSON(key string, v any, ttl time.Duration) error
	GetJSON(key string, v any) (bool, error)
	Delete(key string) error
}

// SessionCloser drops interactive sessions living in a sandbox that is
// about to disappear.
type SessionCloser interface {
	DropOwner(ownerKey string)
}
