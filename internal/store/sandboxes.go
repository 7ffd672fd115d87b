package store

import (
	"database/sql"
	"fmt"
	"time"
)

type SandboxStatus string

const (
	StatusCreating   SandboxStatus = "creating"
	StatusRunning    SandboxStatus = "running"
	StatusStopped    SandboxStatus = "stopped"
	StatusFailed     SandboxStatus = "failed"
	StatusTerminated SandboxStatus = "terminated"
)

// Sandbox is the durable record of one owner's sandbox. OwnerID is the
// container-manager key: the owner id, or owner~thread in thread scope.
type Sandbox struct {
	OwnerID           string        `json:"owner_id"`
	SandboxID         string        `json:"sandbox_id"`
	Backend           string        `json:"backend"`
	Image             string        `json:"image"`
	Status            SandboxStatus `json:"status"`
	MemoryLimitMB     int           `json:"memory_limit_mb"`
	CPUCores          float64       `json:"cpu_cores"`
	DiskLimitMB       int           `json:"disk_limit_mb"`
	WorkspaceHostPath string        `json:"workspace_host_path"`
	Error             string        `json:"error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	StoppedAt         *time.Time    `json:"stopped_at,omitempty"`
	LastHealthCheck   *time.Time    `json:"last_health_check,omitempty"`
}

const sandboxColumns = `owner_id, sandbox_id, backend, image, status, memory_limit_mb, cpu_cores, disk_limit_mb,
	workspace_host_path, error, created_at, started_at, stopped_at, last_health_check`

func (s *Store) UpsertSandbox(sb *Sandbox) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO sandboxes (`+sandboxColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(owner_id) DO UPDATE SET
				sandbox_id = excluded.sandbox_id,
				backend = excluded.backend,
				image = excluded.image,
				status = excluded.status,
				memory_limit_mb = excluded.memory_limit_mb,
				cpu_cores = excluded.cpu_cores,
				disk_limit_mb = excluded.disk_limit_mb,
				workspace_host_path = excluded.workspace_host_path,
				error = excluded.error,
				created_at = excluded.created_at,
				started_at = excluded.started_at,
				stopped_at = excluded.stopped_at,
				last_health_check = excluded.last_health_check`,
			sb.OwnerID, sb.SandboxID, sb.Backend, sb.Image, string(sb.Status),
			sb.MemoryLimitMB, sb.CPUCores, sb.DiskLimitMB, sb.WorkspaceHostPath, sb.Error,
			toMillis(sb.CreatedAt), nullMillis(sb.StartedAt), nullMillis(sb.StoppedAt), nullMillis(sb.LastHealthCheck),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("upserting sandbox: %w", err)
	}
	return nil
}

// GetSandbox returns nil, nil when the owner has no record.
func (s *Store) GetSandbox(ownerID string) (*Sandbox, error) {
	row := s.db.QueryRow(`SELECT `+sandboxColumns+` FROM sandboxes WHERE owner_id = ?`, ownerID)
	return scanSandbox(row)
}

func (s *Store) ListSandboxes() ([]*Sandbox, error) {
	rows, err := s.db.Query(`SELECT ` + sandboxColumns + ` FROM sandboxes ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxes(rows)
}

func (s *Store) ListSandboxesByStatus(status SandboxStatus) ([]*Sandbox, error) {
	rows, err := s.db.Query(`SELECT `+sandboxColumns+` FROM sandboxes WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxes(rows)
}

func (s *Store) DeleteSandbox(ownerID string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM sandboxes WHERE owner_id = ?`, ownerID)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting sandbox: %w", err)
	}
	return checkRowAffected(result, "sandbox", ownerID)
}

func scanSandbox(row scannable) (*Sandbox, error) {
	var sb Sandbox
	var status string
	var created int64
	var started, stopped, health sql.NullInt64
	err := row.Scan(
		&sb.OwnerID, &sb.SandboxID, &sb.Backend, &sb.Image, &status,
		&sb.MemoryLimitMB, &sb.CPUCores, &sb.DiskLimitMB, &sb.WorkspaceHostPath, &sb.Error,
		&created, &started, &stopped, &health,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sandbox: %w", err)
	}
	sb.Status = SandboxStatus(status)
	sb.CreatedAt = fromMillis(created)
	sb.StartedAt = fromNullMillis(started)
	sb.StoppedAt = fromNullMillis(stopped)
	sb.LastHealthCheck = fromNullMillis(health)
	return &sb, nil
}

func scanSandboxes(rows *sql.Rows) ([]*Sandbox, error) {
	var out []*Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sandboxes: %w", err)
	}
	return out, nil
}
