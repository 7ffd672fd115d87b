package container

import "github.com/p-arndt/werkstatt/internal/store"

// SandboxStore is the slice of the store the manager writes through to.
type SandboxStore interface {
	UpsertSandbox(sb *store.Sandbox) error
	GetSandbox(ownerID string) (*store.Sandbox, error)
	ListSandboxes() ([]*store.Sandbox, error)
	ListSandboxesByStatus(status store.SandboxStatus) ([]*store.Sandbox, error)
	DeleteSandbox(ownerID string) error
}
