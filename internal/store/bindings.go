package store

import (
	"database/sql"
	"fmt"
	"time"
)

type BindingState string

const (
	BindingActive      BindingState = "active"
	BindingIdleWarning BindingState = "idle_warning"
	BindingReclaiming  BindingState = "reclaiming"
	BindingInactive    BindingState = "inactive"
)

// ThreadBinding ties one unit of work to the sandbox serving it.
type ThreadBinding struct {
	ThreadID             string       `json:"thread_id"`
	OwnerID              string       `json:"owner_id"`
	ScopeKey             string       `json:"scope_key"`
	SandboxID            string       `json:"sandbox_id"`
	RepositoryID         string       `json:"repository_id,omitempty"`
	RepoURL              string       `json:"repo_url,omitempty"`
	Branch               string       `json:"branch,omitempty"`
	WorkDir              string       `json:"work_dir"`
	InteractiveSessionID string       `json:"interactive_session_id,omitempty"`
	State                BindingState `json:"state"`
	IsActive             bool         `json:"is_active"`
	LastActivityAt       time.Time    `json:"last_activity_at"`
	CreatedAt            time.Time    `json:"created_at"`
	// WarnedFor is the LastActivityAt value the last idle warning was sent
	// for, so each idle stretch warns once.
	WarnedFor *time.Time `json:"warned_for,omitempty"`
}

const bindingColumns = `thread_id, owner_id, scope_key, sandbox_id, repository_id, repo_url, branch, work_dir,
	interactive_session_id, state, is_active, last_activity_at, created_at, warned_for`

// UpsertBinding writes b. last_activity_at never moves backwards.
func (s *Store) UpsertBinding(b *ThreadBinding) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO thread_bindings (`+bindingColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(thread_id) DO UPDATE SET
				owner_id = excluded.owner_id,
				scope_key = excluded.scope_key,
				sandbox_id = excluded.sandbox_id,
				repository_id = excluded.repository_id,
				repo_url = excluded.repo_url,
				branch = excluded.branch,
				work_dir = excluded.work_dir,
				interactive_session_id = excluded.interactive_session_id,
				state = excluded.state,
				is_active = excluded.is_active,
				last_activity_at = CASE
					WHEN excluded.sandbox_id != thread_bindings.sandbox_id THEN excluded.last_activity_at
					ELSE MAX(thread_bindings.last_activity_at, excluded.last_activity_at) END,
				created_at = excluded.created_at,
				warned_for = excluded.warned_for`,
			b.ThreadID, b.OwnerID, b.ScopeKey, b.SandboxID, b.RepositoryID, b.RepoURL, b.Branch, b.WorkDir,
			b.InteractiveSessionID, string(b.State), b.IsActive, toMillis(b.LastActivityAt), toMillis(b.CreatedAt),
			nullMillis(b.WarnedFor),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("upserting binding: %w", err)
	}
	return nil
}

// TouchBinding advances last_activity_at if at is newer.
func (s *Store) TouchBinding(threadID string, at time.Time) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE thread_bindings SET last_activity_at = MAX(last_activity_at, ?) WHERE thread_id = ?`,
			toMillis(at), threadID,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("touching binding: %w", err)
	}
	return checkRowAffected(result, "binding", threadID)
}

// GetBinding returns nil, nil when the thread has no binding.
func (s *Store) GetBinding(threadID string) (*ThreadBinding, error) {
	row := s.db.QueryRow(`SELECT `+bindingColumns+` FROM thread_bindings WHERE thread_id = ?`, threadID)
	return scanBinding(row)
}

func (s *Store) ListActiveBindings() ([]*ThreadBinding, error) {
	rows, err := s.db.Query(`SELECT ` + bindingColumns + ` FROM thread_bindings WHERE is_active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing bindings: %w", err)
	}
	defer rows.Close()

	var out []*ThreadBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bindings: %w", err)
	}
	return out, nil
}

func (s *Store) DeactivateBinding(threadID string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE thread_bindings SET is_active = 0, state = ? WHERE thread_id = ?`,
			string(BindingInactive), threadID,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("deactivating binding: %w", err)
	}
	return checkRowAffected(result, "binding", threadID)
}

func scanBinding(row scannable) (*ThreadBinding, error) {
	var b ThreadBinding
	var state string
	var lastActivity, created int64
	var warned sql.NullInt64
	err := row.Scan(
		&b.ThreadID, &b.OwnerID, &b.ScopeKey, &b.SandboxID, &b.RepositoryID, &b.RepoURL, &b.Branch, &b.WorkDir,
		&b.InteractiveSessionID, &state, &b.IsActive, &lastActivity, &created, &warned,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning binding: %w", err)
	}
	b.State = BindingState(state)
	b.LastActivityAt = fromMillis(lastActivity)
	b.CreatedAt = fromMillis(created)
	b.WarnedFor = fromNullMillis(warned)
	return &b, nil
}
