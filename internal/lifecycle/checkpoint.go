package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/p-arndt/werkstatt/internal/errdefs"
	"github.com/p-arndt/werkstatt/internal/events"
	"github.com/p-arndt/werkstatt/internal/runtime"
	"github.com/p-arndt/werkstatt/internal/store"
)

// Checkpoint is the recovery point written before a thread's sandbox goes.
type Checkpoint struct {
	ThreadID             string    `json:"thread_id"`
	SandboxID            string    `json:"sandbox_id"`
	LastCommitRef        string    `json:"last_commit_ref"`
	SavedAt              time.Time `json:"saved_at"`
	ModifiedFilesSummary string    `json:"modified_files_summary"`
}

const summaryFiles = 10

// checkpoint commits uncommitted work in the thread's checkout. It returns
// nil, nil when there is nothing to save: a clean tree or no repository.
func (m *Manager) checkpoint(ctx context.Context, b *store.ThreadBinding) (*Checkpoint, error) {
	status, err := m.git(ctx, b, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("%w: git status: %w", errdefs.ErrCheckpointFailed, err)
	}
	if !status.Success() {
		m.logger.Debug("checkpoint skipped, not a repository", "thread_id", b.ThreadID, "work_dir", b.WorkDir)
		return nil, nil
	}
	changes := strings.TrimSpace(status.Stdout)
	if changes == "" {
		return nil, nil
	}

	if res, err := m.git(ctx, b, "add", "-A"); err != nil {
		return nil, fmt.Errorf("%w: git add: %w", errdefs.ErrCheckpointFailed, err)
	} else if !res.Success() {
		return nil, gitFailure("add", res)
	}

	savedAt := m.now().UTC()
	msg := fmt.Sprintf("werkstatt checkpoint: thread %s at %s", b.ThreadID, savedAt.Format(time.RFC3339))
	res, err := m.git(ctx, b,
		"-c", "user.name="+m.opts.GitUserName,
		"-c", "user.email="+m.opts.GitUserEmail,
		"commit", "-q", "-m", msg)
	if err != nil {
		return nil, fmt.Errorf("%w: git commit: %w", errdefs.ErrCheckpointFailed, err)
	}
	if !res.Success() {
		return nil, gitFailure("commit", res)
	}

	res, err = m.git(ctx, b, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("%w: git rev-parse: %w", errdefs.ErrCheckpointFailed, err)
	}
	ref := strings.TrimSpace(res.Stdout)
	if !res.Success() || ref == "" {
		return nil, gitFailure("rev-parse", res)
	}

	cp := &Checkpoint{
		ThreadID:             b.ThreadID,
		SandboxID:            b.SandboxID,
		LastCommitRef:        ref,
		SavedAt:              savedAt,
		ModifiedFilesSummary: summarizeStatus(changes),
	}
	if err := m.kv.PutJSON(checkpointKeyPrefix+b.ThreadID, cp, m.opts.CheckpointTTL); err != nil {
		return nil, fmt.Errorf("%w: save record: %w", errdefs.ErrCheckpointFailed, err)
	}

	m.logger.Info("checkpoint saved", "thread_id", b.ThreadID, "ref", ref, "files", cp.ModifiedFilesSummary)
	m.events.Emit(events.Event{
		Kind:      events.CheckpointSaved,
		At:        savedAt,
		OwnerID:   b.OwnerID,
		ThreadID:  b.ThreadID,
		SandboxID: b.SandboxID,
		Attrs:     map[string]string{"ref": ref},
	})
	return cp, nil
}

// LatestCheckpoint returns the thread's checkpoint, or nil when none is live.
func (m *Manager) LatestCheckpoint(threadID string) (*Checkpoint, error) {
	var cp Checkpoint
	ok, err := m.kv.GetJSON(checkpointKeyPrefix+threadID, &cp)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// RestoreThreadState resets the thread's checkout to its last checkpoint.
// No checkpoint is not an error and returns nil.
func (m *Manager) RestoreThreadState(ctx context.Context, sandboxID, threadID string) (*Checkpoint, error) {
	unlock := m.threadLock.Lock(threadID)
	defer unlock()

	b, ok := m.bindings.Load(threadID)
	if !ok || !b.IsActive {
		return nil, fmt.Errorf("%w: thread %s", errdefs.ErrBindingNotFound, threadID)
	}
	if sandboxID != "" && sandboxID != b.SandboxID {
		return nil, &errdefs.ValidationError{Field: "sandboxId", Value: sandboxID}
	}
	return m.restore(ctx, b)
}

// restore resets the checkout to the thread's checkpoint and consumes the
// record. The reset is skipped when the tree has uncommitted changes or when
// HEAD already moved past the checkpoint, so later work is never rewound.
func (m *Manager) restore(ctx context.Context, b *store.ThreadBinding) (*Checkpoint, error) {
	cp, err := m.LatestCheckpoint(b.ThreadID)
	if err != nil || cp == nil {
		return nil, err
	}

	status, err := m.git(ctx, b, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if !status.Success() {
		m.logger.Debug("restore skipped, not a repository", "thread_id", b.ThreadID, "work_dir", b.WorkDir)
		return nil, nil
	}
	if strings.TrimSpace(status.Stdout) != "" {
		m.logger.Warn("restore skipped, checkout has uncommitted changes", "thread_id", b.ThreadID, "ref", cp.LastCommitRef)
		return nil, nil
	}

	ancestor, err := m.git(ctx, b, "merge-base", "--is-ancestor", "HEAD", cp.LastCommitRef)
	if err != nil {
		return nil, err
	}
	if !ancestor.Success() {
		m.logger.Info("restore skipped, HEAD is past the checkpoint", "thread_id", b.ThreadID, "ref", cp.LastCommitRef)
		m.dropCheckpoint(b.ThreadID)
		return nil, nil
	}

	res, err := m.git(ctx, b, "reset", "--hard", cp.LastCommitRef)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, fmt.Errorf("%w: git reset: exit %d: %s", errdefs.ErrExecutionFailed, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	m.dropCheckpoint(b.ThreadID)
	m.logger.Info("checkpoint restored", "thread_id", b.ThreadID, "ref", cp.LastCommitRef)
	return cp, nil
}

func (m *Manager) dropCheckpoint(threadID string) {
	if err := m.kv.Delete(checkpointKeyPrefix + threadID); err != nil {
		m.logger.Warn("drop checkpoint record", "thread_id", threadID, "error", err)
	}
}

func (m *Manager) git(ctx context.Context, b *store.ThreadBinding, args ...string) (*runtime.ExecResult, error) {
	argv := append([]string{"git", "-C", b.WorkDir}, args...)
	return m.sandboxes.Exec(ctx, b.ScopeKey, argv, runtime.ExecOptions{})
}

func gitFailure(step string, res *runtime.ExecResult) error {
	return fmt.Errorf("%w: git %s: exit %d: %s", errdefs.ErrCheckpointFailed, step, res.ExitCode, strings.TrimSpace(res.Stderr))
}

// summarizeStatus turns porcelain output into "N files: a, b, ...".
func summarizeStatus(porcelain string) string {
	var files []string
	for _, line := range strings.Split(porcelain, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 3 {
			continue
		}
		// "XY path" or "XY old -> new"
		path := strings.TrimSpace(line[2:])
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		files = append(files, path)
	}
	if len(files) == 0 {
		return ""
	}
	shown := files
	if len(shown) > summaryFiles {
		shown = shown[:summaryFiles]
	}
	s := fmt.Sprintf("%d files: %s", len(files), strings.Join(shown, ", "))
	if extra := len(files) - len(shown); extra > 0 {
		s += fmt.Sprintf(" (+%d more)", extra)
	}
	return s
}
