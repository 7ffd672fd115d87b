// Package workspace provisions the host directories mounted into sandboxes
// as their persistent /workspace. It only touches the local filesystem.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/p-arndt/werkstatt/internal/errdefs"
)

var validOwnerKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9@._~+-]{0,127}$`)

// Manager owns one directory per owner key under Root.
type Manager struct {
	root string
}

// Workspace describes one provisioned directory.
type Workspace struct {
	OwnerKey  string    `json:"owner_key"`
	HostPath  string    `json:"host_path"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
}

func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

func (m *Manager) Root() string { return m.root }

// Path resolves the host path for ownerKey without touching the disk.
func (m *Manager) Path(ownerKey string) (string, error) {
	if !validOwnerKey.MatchString(ownerKey) || ownerKey == "." || ownerKey == ".." {
		return "", &errdefs.ValidationError{Field: "ownerId", Value: ownerKey}
	}
	p, err := securejoin.SecureJoin(m.root, ownerKey)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	return p, nil
}

// CreateWorkspace makes the owner's directory if needed and returns its path.
func (m *Manager) CreateWorkspace(ownerKey string) (string, error) {
	p, err := m.Path(ownerKey)
	if err != nil {
		return "", err
	}
	// 0o777 so the sandbox user, whose uid differs from ours, can write.
	if err := os.MkdirAll(p, 0o777); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	if err := os.Chmod(p, 0o777); err != nil {
		return "", fmt.Errorf("chmod workspace: %w", err)
	}
	return p, nil
}

// DeleteWorkspace removes the owner's directory. Missing is not an error.
func (m *Manager) DeleteWorkspace(ownerKey string) error {
	p, err := m.Path(ownerKey)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return nil
}

func (m *Manager) Exists(ownerKey string) (bool, error) {
	p, err := m.Path(ownerKey)
	if err != nil {
		return false, err
	}
	st, err := os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.IsDir(), nil
}

// List returns every workspace, sorted by owner key.
func (m *Manager) List() ([]*Workspace, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}

	out := make([]*Workspace, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !validOwnerKey.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		p := filepath.Join(m.root, e.Name())
		out = append(out, &Workspace{
			OwnerKey:  e.Name(),
			HostPath:  p,
			CreatedAt: info.ModTime(),
			SizeBytes: dirSize(p),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerKey < out[j].OwnerKey })
	return out, nil
}

func dirSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
