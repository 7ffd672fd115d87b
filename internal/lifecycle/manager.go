// Package lifecycle binds threads of work to sandboxes, tracks their
// activity and reclaims idle ones. Before a sandbox is destroyed any
// uncommitted work in the thread's checkout is committed and recorded as a
// checkpoint that a later binding restores.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/p-arndt/werkstatt/internal/config"
	"github.com/p-arndt/werkstatt/internal/container"
	"github.com/p-arndt/werkstatt/internal/errdefs"
	"github.com/p-arndt/werkstatt/internal/events"
	"github.com/p-arndt/werkstatt/internal/keymutex"
	"github.com/p-arndt/werkstatt/internal/store"
	"github.com/p-arndt/werkstatt/internal/telemetry"
)

const (
	bindingKeyPrefix    = "binding:"
	checkpointKeyPrefix = "checkpoint:"
)

type Options struct {
	Scope            string
	IdleThreshold    time.Duration
	SweepInterval    time.Duration
	WarningWindow    time.Duration
	CheckpointTTL    time.Duration
	BindingTTL       time.Duration
	SweepConcurrency int
	GitUserName      string
	GitUserEmail     string
	WorkspaceMount   string
}

// OptionsFromConfig maps the lifecycle section of the config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Scope:            cfg.Sandbox.Scope,
		IdleThreshold:    cfg.Lifecycle.IdleThreshold,
		SweepInterval:    cfg.Lifecycle.SweepInterval,
		WarningWindow:    cfg.Lifecycle.WarningWindow,
		CheckpointTTL:    cfg.Lifecycle.CheckpointTTL,
		BindingTTL:       cfg.Lifecycle.BindingTTL,
		SweepConcurrency: cfg.Lifecycle.SweepConcurrency,
		GitUserName:      cfg.Lifecycle.GitUserName,
		GitUserEmail:     cfg.Lifecycle.GitUserEmail,
		WorkspaceMount:   cfg.Sandbox.WorkspaceMount,
	}
}

// BindRequest names the thread asking for a sandbox.
type BindRequest struct {
	OwnerID      string
	ThreadID     string
	RepositoryID string
	RepoURL      string
	Branch       string
}

type Manager struct {
	opts       Options
	sandboxes  Sandboxes
	workspaces Workspaces
	store      BindingStore
	kv         KV
	sessions   SessionCloser
	events     events.Sink
	metrics    *telemetry.Metrics
	logger     *slog.Logger

	// Bindings are replaced, never mutated in place, so readers outside the
	// thread lock always see a consistent value.
	bindings   *xsync.MapOf[string, *store.ThreadBinding]
	reclaiming *xsync.MapOf[string, struct{}]
	threadLock *keymutex.KeyMutex
	scopeLock  *keymutex.KeyMutex

	scheduler gocron.Scheduler
	now       func() time.Time
}

func NewManager(opts Options, sb Sandboxes, ws Workspaces, st BindingStore, kv KV, sink events.Sink, metrics *telemetry.Metrics, logger *slog.Logger) *Manager {
	if opts.Scope == "" {
		opts.Scope = config.ScopeOwner
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = 4
	}
	if opts.WorkspaceMount == "" {
		opts.WorkspaceMount = "/workspace"
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return &Manager{
		opts:       opts,
		sandboxes:  sb,
		workspaces: ws,
		store:      st,
		kv:         kv,
		events:     sink,
		metrics:    metrics,
		logger:     logger,
		bindings:   xsync.NewMapOf[string, *store.ThreadBinding](),
		reclaiming: xsync.NewMapOf[string, struct{}](),
		threadLock: keymutex.New(),
		scopeLock:  keymutex.New(),
		now:        time.Now,
	}
}

func (m *Manager) SetSessionCloser(sc SessionCloser) {
	m.sessions = sc
}

// ScopeKey is the container-manager key serving ownerID's thread: the owner
// itself in owner scope, owner~thread in thread scope.
func (m *Manager) ScopeKey(ownerID, threadID string) string {
	if m.opts.Scope == config.ScopeThread {
		return ownerID + "~" + threadID
	}
	return ownerID
}

// GetOrCreate returns the thread's active binding, creating the sandbox,
// workspace and checkout when the thread has none.
func (m *Manager) GetOrCreate(ctx context.Context, req BindRequest) (*store.ThreadBinding, error) {
	if req.OwnerID == "" {
		return nil, &errdefs.ValidationError{Field: "ownerId", Value: req.OwnerID}
	}
	if req.ThreadID == "" {
		return nil, &errdefs.ValidationError{Field: "threadId", Value: req.ThreadID}
	}
	if _, busy := m.reclaiming.Load(req.ThreadID); busy {
		return nil, fmt.Errorf("%w: thread %s", errdefs.ErrBeingReclaimed, req.ThreadID)
	}

	unlock := m.threadLock.Lock(req.ThreadID)
	defer unlock()

	if cur, ok := m.bindings.Load(req.ThreadID); ok && cur.IsActive {
		if cur.OwnerID != req.OwnerID {
			return nil, &errdefs.ValidationError{Field: "threadId", Value: req.ThreadID}
		}
		return m.refresh(ctx, cur)
	}
	return m.bind(ctx, req)
}

// refresh revalidates an existing binding. EnsureSandbox costs no backend
// call while the sandbox is running, and recreates it when health checks
// found it gone.
func (m *Manager) refresh(ctx context.Context, cur *store.ThreadBinding) (*store.ThreadBinding, error) {
	hostPath, err := m.workspaces.CreateWorkspace(cur.ScopeKey)
	if err != nil {
		return nil, err
	}
	id, err := m.sandboxes.EnsureSandbox(ctx, cur.ScopeKey, container.EnsureOptions{WorkspaceHostPath: hostPath})
	if err != nil {
		return nil, err
	}

	b := *cur
	if id != cur.SandboxID {
		m.logger.Warn("thread sandbox replaced", "thread_id", b.ThreadID, "old_sandbox_id", cur.SandboxID, "sandbox_id", id)
		b.SandboxID = id
		if b.RepoURL != "" {
			if err := m.prepareRepository(ctx, b.ScopeKey, b.WorkDir, b.RepoURL, b.Branch); err != nil {
				return nil, err
			}
		}
	}
	b.LastActivityAt = later(b.LastActivityAt, m.now().UTC())
	b.State = store.BindingActive
	if err := m.persist(&b); err != nil {
		return nil, err
	}
	return copyBinding(&b), nil
}

func (m *Manager) bind(ctx context.Context, req BindRequest) (*store.ThreadBinding, error) {
	scope := m.ScopeKey(req.OwnerID, req.ThreadID)

	workDir := m.opts.WorkspaceMount
	if req.RepoURL != "" || req.RepositoryID != "" {
		name, err := repoDirName(req.RepositoryID, req.RepoURL)
		if err != nil {
			return nil, err
		}
		workDir = m.opts.WorkspaceMount + "/" + name
	}

	unlockScope := m.scopeLock.Lock(scope)
	defer unlockScope()

	hostPath, err := m.workspaces.CreateWorkspace(scope)
	if err != nil {
		return nil, err
	}
	id, err := m.sandboxes.EnsureSandbox(ctx, scope, container.EnsureOptions{WorkspaceHostPath: hostPath})
	if err != nil {
		return nil, err
	}
	if req.RepoURL != "" {
		if err := m.prepareRepository(ctx, scope, workDir, req.RepoURL, req.Branch); err != nil {
			return nil, err
		}
	}

	now := m.now().UTC()
	b := &store.ThreadBinding{
		ThreadID:       req.ThreadID,
		OwnerID:        req.OwnerID,
		ScopeKey:       scope,
		SandboxID:      id,
		RepositoryID:   req.RepositoryID,
		RepoURL:        req.RepoURL,
		Branch:         req.Branch,
		WorkDir:        workDir,
		State:          store.BindingActive,
		IsActive:       true,
		LastActivityAt: now,
		CreatedAt:      now,
	}

	if cp, err := m.restore(ctx, b); err != nil {
		m.logger.Warn("restore checkpoint", "thread_id", b.ThreadID, "error", err)
	} else if cp != nil {
		m.logger.Info("restored checkpoint", "thread_id", b.ThreadID, "ref", cp.LastCommitRef)
	}

	if err := m.persist(b); err != nil {
		return nil, err
	}

	m.logger.Info("thread bound", "thread_id", b.ThreadID, "owner_id", b.OwnerID, "sandbox_id", id, "work_dir", workDir)
	m.events.Emit(events.Event{
		Kind:      events.ThreadBound,
		At:        now,
		OwnerID:   b.OwnerID,
		ThreadID:  b.ThreadID,
		SandboxID: id,
	})
	return copyBinding(b), nil
}

// UpdateActivity advances lastActivityAt for every active binding on the
// sandbox and writes it through before returning.
func (m *Manager) UpdateActivity(ctx context.Context, sandboxID string) error {
	var threads []string
	m.bindings.Range(func(thread string, b *store.ThreadBinding) bool {
		if b.SandboxID == sandboxID && b.IsActive {
			threads = append(threads, thread)
		}
		return true
	})
	if len(threads) == 0 {
		return fmt.Errorf("%w: sandbox %s", errdefs.ErrBindingNotFound, sandboxID)
	}
	for _, thread := range threads {
		if _, busy := m.reclaiming.Load(thread); busy {
			return fmt.Errorf("%w: thread %s", errdefs.ErrBeingReclaimed, thread)
		}
	}

	now := m.now().UTC()
	for _, thread := range threads {
		if err := m.touch(thread, sandboxID, now); err != nil {
			return err
		}
	}
	return nil
}

// TouchThread marks activity on one thread.
func (m *Manager) TouchThread(ctx context.Context, threadID string) error {
	if _, busy := m.reclaiming.Load(threadID); busy {
		return fmt.Errorf("%w: thread %s", errdefs.ErrBeingReclaimed, threadID)
	}
	return m.touch(threadID, "", m.now().UTC())
}

func (m *Manager) touch(threadID, sandboxID string, at time.Time) error {
	unlock := m.threadLock.Lock(threadID)
	defer unlock()

	cur, ok := m.bindings.Load(threadID)
	if !ok || !cur.IsActive || (sandboxID != "" && cur.SandboxID != sandboxID) {
		return fmt.Errorf("%w: thread %s", errdefs.ErrBindingNotFound, threadID)
	}
	b := *cur
	b.LastActivityAt = later(b.LastActivityAt, at)
	b.State = store.BindingActive
	return m.persist(&b)
}

// Binding returns a copy of the thread's active binding.
func (m *Manager) Binding(threadID string) (*store.ThreadBinding, error) {
	b, ok := m.bindings.Load(threadID)
	if !ok {
		return nil, fmt.Errorf("%w: thread %s", errdefs.ErrBindingNotFound, threadID)
	}
	return copyBinding(b), nil
}

// Bindings returns a copy of every tracked binding.
func (m *Manager) Bindings() []*store.ThreadBinding {
	var out []*store.ThreadBinding
	m.bindings.Range(func(_ string, b *store.ThreadBinding) bool {
		out = append(out, copyBinding(b))
		return true
	})
	return out
}

// persist writes b to the relational store and the KV snapshot, then
// publishes it in memory.
func (m *Manager) persist(b *store.ThreadBinding) error {
	if err := m.store.UpsertBinding(b); err != nil {
		return fmt.Errorf("persist binding %s: %w", b.ThreadID, err)
	}
	if err := m.kv.PutJSON(bindingKeyPrefix+b.ThreadID, b, m.opts.BindingTTL); err != nil {
		m.logger.Warn("binding snapshot", "thread_id", b.ThreadID, "error", err)
	}
	m.bindings.Store(b.ThreadID, copyBinding(b))
	return nil
}

// Initialize reloads active bindings and starts the sweep timer.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.Reload(); err != nil {
		return err
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(m.opts.SweepInterval),
		gocron.NewTask(func() { m.Sweep(ctx) }),
		gocron.WithName("idle-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.Start()
	m.scheduler = s
	m.logger.Info("lifecycle started", "bindings", m.bindings.Size(), "sweep_interval", m.opts.SweepInterval,
		"idle_threshold", m.opts.IdleThreshold, "scope", m.opts.Scope)
	return nil
}

// Reload loads every active binding from the store. A newer KV snapshot
// wins on lastActivityAt; an interrupted reclaim goes back to Active.
func (m *Manager) Reload() error {
	active, err := m.store.ListActiveBindings()
	if err != nil {
		return fmt.Errorf("reload bindings: %w", err)
	}
	for _, b := range active {
		var snap store.ThreadBinding
		if ok, err := m.kv.GetJSON(bindingKeyPrefix+b.ThreadID, &snap); err == nil && ok {
			b.LastActivityAt = later(b.LastActivityAt, snap.LastActivityAt)
		}
		if b.State == store.BindingReclaiming {
			b.State = store.BindingActive
		}
		m.bindings.Store(b.ThreadID, b)
	}
	m.logger.Info("bindings reloaded", "count", len(active))
	return nil
}

// Shutdown stops the sweep timer and flushes bindings to the store.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.scheduler != nil {
		if err := m.scheduler.Shutdown(); err != nil {
			m.logger.Warn("stop sweep scheduler", "error", err)
		}
	}
	var flushErr error
	m.bindings.Range(func(_ string, b *store.ThreadBinding) bool {
		if err := m.store.UpsertBinding(b); err != nil {
			flushErr = fmt.Errorf("flush binding %s: %w", b.ThreadID, err)
			return false
		}
		return true
	})
	return flushErr
}

func copyBinding(b *store.ThreadBinding) *store.ThreadBinding {
	cp := *b
	if b.WarnedFor != nil {
		w := *b.WarnedFor
		cp.WarnedFor = &w
	}
	return &cp
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
