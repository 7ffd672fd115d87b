// Package container maps logical owners to runtime sandboxes. It enforces a
// single non-terminated sandbox per owner key and persists every state
// transition as it happens.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/p-arndt/werkstatt/internal/errdefs"
	"github.com/p-arndt/werkstatt/internal/events"
	"github.com/p-arndt/werkstatt/internal/keymutex"
	"github.com/p-arndt/werkstatt/internal/runtime"
	"github.com/p-arndt/werkstatt/internal/store"
	"github.com/p-arndt/werkstatt/internal/telemetry"
)

// Options are the defaults applied to every sandbox the manager creates.
type Options struct {
	Image            string
	Command          []string
	Limits           runtime.Limits
	NetworkMode      string
	WorkspaceMount   string
	Env              map[string]string
	OperationTimeout time.Duration
	StopTimeout      time.Duration
	ExecTimeout      time.Duration
	UsageTTL         time.Duration
}

// EnsureOptions override Options for one owner. Zero values keep the default.
type EnsureOptions struct {
	Image             string
	Limits            runtime.Limits
	WorkspaceHostPath string
	Env               map[string]string
	Labels            map[string]string
}

type Manager struct {
	backend runtime.Backend
	store   SandboxStore
	opts    Options
	events  events.Sink
	metrics *telemetry.Metrics
	logger  *slog.Logger

	locks      *keymutex.KeyMutex
	records    *xsync.MapOf[string, *store.Sandbox]
	reclaiming *xsync.MapOf[string, *reclaimToken]
	usage      *ristretto.Cache[string, *runtime.ResourceUsage]

	now func() time.Time
}

func NewManager(backend runtime.Backend, st SandboxStore, opts Options, sink events.Sink, metrics *telemetry.Metrics, logger *slog.Logger) (*Manager, error) {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = time.Minute
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 2 * time.Minute
	}
	if opts.UsageTTL <= 0 {
		opts.UsageTTL = 5 * time.Second
	}
	if sink == nil {
		sink = events.Nop{}
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *runtime.ResourceUsage]{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("usage cache: %w", err)
	}

	return &Manager{
		backend:    backend,
		store:      st,
		opts:       opts,
		events:     sink,
		metrics:    metrics,
		logger:     logger,
		locks:      keymutex.New(),
		records:    xsync.NewMapOf[string, *store.Sandbox](),
		reclaiming: xsync.NewMapOf[string, *reclaimToken](),
		usage:      cache,
		now:        time.Now,
	}, nil
}

// Mode reports which backend serves this manager.
func (m *Manager) Mode() runtime.Mode {
	return m.backend.Mode()
}

func (m *Manager) Close() {
	m.usage.Close()
}

func (m *Manager) limitsFor(o EnsureOptions) runtime.Limits {
	l := m.opts.Limits
	if o.Limits.MemoryLimitMB != 0 {
		l.MemoryLimitMB = o.Limits.MemoryLimitMB
	}
	if o.Limits.CPUCores != 0 {
		l.CPUCores = o.Limits.CPUCores
	}
	if o.Limits.DiskLimitMB != 0 {
		l.DiskLimitMB = o.Limits.DiskLimitMB
	}
	return l
}

// EnsureSandbox returns the owner's running sandbox, creating and starting
// one when none is running. Limits are validated before any backend call.
func (m *Manager) EnsureSandbox(ctx context.Context, ownerID string, o EnsureOptions) (string, error) {
	if ownerID == "" {
		return "", &errdefs.ValidationError{Field: "ownerId", Value: ownerID}
	}
	limits := m.limitsFor(o)
	if err := runtime.ValidateLimits(limits); err != nil {
		return "", err
	}
	if err := m.checkReclaim(ctx, ownerID); err != nil {
		return "", err
	}

	unlock := m.locks.Lock(ownerID)
	defer unlock()

	rec, err := m.load(ownerID)
	if err != nil {
		return "", err
	}
	if rec != nil && rec.Status == store.StatusRunning && rec.SandboxID != "" {
		return rec.SandboxID, nil
	}
	if rec != nil && rec.SandboxID != "" {
		m.discard(ctx, rec)
	}

	image := o.Image
	if image == "" {
		image = m.opts.Image
	}
	now := m.now().UTC()
	rec = &store.Sandbox{
		OwnerID:           ownerID,
		Backend:           string(m.backend.Mode()),
		Image:             image,
		Status:            store.StatusCreating,
		MemoryLimitMB:     limits.MemoryLimitMB,
		CPUCores:          limits.CPUCores,
		DiskLimitMB:       limits.DiskLimitMB,
		WorkspaceHostPath: o.WorkspaceHostPath,
		CreatedAt:         now,
	}
	if err := m.persist(rec); err != nil {
		return "", err
	}

	spec := runtime.CreateSpec{
		OwnerID:           ownerID,
		Image:             image,
		Command:           m.opts.Command,
		Env:               mergeEnv(m.opts.Env, o.Env),
		Labels:            o.Labels,
		Limits:            limits,
		WorkspaceHostPath: o.WorkspaceHostPath,
		WorkspaceMount:    m.opts.WorkspaceMount,
		NetworkMode:       m.opts.NetworkMode,
	}

	opCtx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
	id, err := m.backend.Create(opCtx, spec)
	cancel()
	if err != nil {
		m.fail(ctx, rec, "create", err)
		return "", fmt.Errorf("%w: %s: %w", errdefs.ErrSandboxCreateFailed, ownerID, err)
	}
	rec.SandboxID = id
	if err := m.persist(rec); err != nil {
		return "", err
	}

	opCtx, cancel = context.WithTimeout(ctx, m.opts.OperationTimeout)
	err = m.backend.Start(opCtx, id)
	cancel()
	if err != nil {
		m.fail(ctx, rec, "start", err)
		return "", fmt.Errorf("%w: %s: %w", errdefs.ErrSandboxStartFailed, ownerID, err)
	}

	started := m.now().UTC()
	rec.Status = store.StatusRunning
	rec.StartedAt = &started
	rec.Error = ""
	if err := m.persist(rec); err != nil {
		return "", err
	}

	m.logger.Info("sandbox started", "owner_id", ownerID, "sandbox_id", id, "backend", rec.Backend)
	m.metrics.SandboxCreated(ctx, rec.Backend)
	m.events.Emit(events.Event{Kind: events.SandboxCreated, At: started, OwnerID: ownerID, SandboxID: id})
	return id, nil
}

// fail records a create/start failure. The record is kept for inspection.
func (m *Manager) fail(ctx context.Context, rec *store.Sandbox, stage string, cause error) {
	rec.Status = store.StatusFailed
	rec.Error = fmt.Sprintf("%s: %v", stage, cause)
	if err := m.persist(rec); err != nil {
		m.logger.Error("persist failed sandbox", "owner_id", rec.OwnerID, "error", err)
	}
	m.logger.Error("sandbox "+stage+" failed", "owner_id", rec.OwnerID, "sandbox_id", rec.SandboxID, "error", cause)
	m.metrics.SandboxFailed(ctx, rec.Backend, stage)
	m.events.Emit(events.Event{
		Kind:      events.SandboxFailed,
		At:        m.now().UTC(),
		OwnerID:   rec.OwnerID,
		SandboxID: rec.SandboxID,
		Attrs:     map[string]string{"stage": stage, "error": cause.Error()},
	})
}

// discard removes a stale sandbox before it is replaced. Failures are logged.
func (m *Manager) discard(ctx context.Context, rec *store.Sandbox) {
	opCtx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
	defer cancel()
	if err := m.backend.Remove(opCtx, rec.SandboxID, true); err != nil {
		m.logger.Warn("remove stale sandbox", "owner_id", rec.OwnerID, "sandbox_id", rec.SandboxID, "error", err)
	}
}

// Stop stops the owner's sandbox and keeps its record as Stopped.
func (m *Manager) Stop(ctx context.Context, ownerID string) error {
	unlock := m.locks.Lock(ownerID)
	defer unlock()

	rec, err := m.require(ownerID)
	if err != nil {
		return err
	}
	if rec.Status == store.StatusStopped {
		return nil
	}
	if rec.SandboxID != "" {
		opCtx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
		err := m.backend.Stop(opCtx, rec.SandboxID, m.opts.StopTimeout)
		cancel()
		if err != nil {
			return fmt.Errorf("stop sandbox %s: %w", rec.SandboxID, err)
		}
	}
	stopped := m.now().UTC()
	rec.Status = store.StatusStopped
	rec.StoppedAt = &stopped
	m.usage.Del(ownerID)
	return m.persist(rec)
}

// Restart stops and starts the owner's existing sandbox in place.
func (m *Manager) Restart(ctx context.Context, ownerID string) error {
	if err := m.checkReclaim(ctx, ownerID); err != nil {
		return err
	}
	unlock := m.locks.Lock(ownerID)
	defer unlock()

	rec, err := m.require(ownerID)
	if err != nil {
		return err
	}
	if rec.SandboxID == "" {
		return fmt.Errorf("%w: %s has no runtime sandbox", errdefs.ErrNotRunning, ownerID)
	}

	opCtx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
	defer cancel()
	if rec.Status == store.StatusRunning {
		if err := m.backend.Stop(opCtx, rec.SandboxID, m.opts.StopTimeout); err != nil {
			return fmt.Errorf("stop sandbox %s: %w", rec.SandboxID, err)
		}
	}
	if err := m.backend.Start(opCtx, rec.SandboxID); err != nil {
		m.fail(ctx, rec, "start", err)
		return fmt.Errorf("%w: %s: %w", errdefs.ErrSandboxStartFailed, ownerID, err)
	}
	started := m.now().UTC()
	rec.Status = store.StatusRunning
	rec.StartedAt = &started
	rec.StoppedAt = nil
	rec.Error = ""
	m.usage.Del(ownerID)
	m.logger.Info("sandbox restarted", "owner_id", ownerID, "sandbox_id", rec.SandboxID)
	return m.persist(rec)
}

// Remove destroys the owner's sandbox and drops its record once Terminated.
func (m *Manager) Remove(ctx context.Context, ownerID string) error {
	unlock := m.locks.Lock(ownerID)
	defer unlock()

	rec, err := m.require(ownerID)
	if err != nil {
		return err
	}
	if rec.SandboxID != "" {
		opCtx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
		err := m.backend.Remove(opCtx, rec.SandboxID, true)
		cancel()
		if err != nil {
			return fmt.Errorf("remove sandbox %s: %w", rec.SandboxID, err)
		}
	}

	rec.Status = store.StatusTerminated
	if rec.StoppedAt == nil {
		stopped := m.now().UTC()
		rec.StoppedAt = &stopped
	}
	if err := m.persist(rec); err != nil {
		return err
	}
	if err := m.store.DeleteSandbox(ownerID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("forget sandbox: %w", err)
	}
	m.records.Delete(ownerID)
	m.usage.Del(ownerID)
	m.logger.Info("sandbox removed", "owner_id", ownerID, "sandbox_id", rec.SandboxID)
	return nil
}

// Status returns a copy of the owner's sandbox record.
func (m *Manager) Status(ownerID string) (*store.Sandbox, error) {
	return m.require(ownerID)
}

func (m *Manager) List() ([]*store.Sandbox, error) {
	return m.store.ListSandboxes()
}

// Busy reports whether an operation holds or awaits the owner's lock, for
// example a create whose sandbox id is not persisted yet.
func (m *Manager) Busy(ownerID string) bool {
	return m.locks.Held(ownerID)
}

// Exec runs argv in the owner's sandbox. A non-zero exit is a result, not
// an error; transport failures wrap ErrExecutionFailed.
func (m *Manager) Exec(ctx context.Context, ownerID string, argv []string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
	if len(argv) == 0 {
		return nil, &errdefs.ValidationError{Field: "argv", Value: "empty"}
	}
	if err := m.checkReclaim(ctx, ownerID); err != nil {
		return nil, err
	}
	rec, err := m.require(ownerID)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.StatusRunning {
		return nil, fmt.Errorf("%w: %s (status=%s)", errdefs.ErrNotRunning, ownerID, rec.Status)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.opts.ExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := m.backend.Exec(execCtx, rec.SandboxID, argv, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errdefs.ErrExecutionFailed, ownerID, err)
	}
	m.metrics.ExecDuration(ctx, res.DurationMs, res.ExitCode)
	return res, nil
}

// ResourceUsage reports current usage, cached for a few seconds per owner.
func (m *Manager) ResourceUsage(ctx context.Context, ownerID string) (*runtime.ResourceUsage, error) {
	if u, ok := m.usage.Get(ownerID); ok {
		cp := *u
		return &cp, nil
	}
	rec, err := m.require(ownerID)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.StatusRunning {
		return nil, fmt.Errorf("%w: %s (status=%s)", errdefs.ErrNotRunning, ownerID, rec.Status)
	}

	opCtx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
	defer cancel()
	u, err := m.backend.ResourceUsage(opCtx, rec.SandboxID)
	if err != nil {
		return nil, fmt.Errorf("resource usage %s: %w", rec.SandboxID, err)
	}
	m.usage.SetWithTTL(ownerID, u, 1, m.opts.UsageTTL)
	m.usage.Wait()
	cp := *u
	return &cp, nil
}

func (m *Manager) Logs(ctx context.Context, ownerID string, tail int) (string, error) {
	rec, err := m.require(ownerID)
	if err != nil {
		return "", err
	}
	if rec.SandboxID == "" {
		return "", nil
	}
	opCtx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
	defer cancel()
	return m.backend.Logs(opCtx, rec.SandboxID, tail)
}

func (m *Manager) require(ownerID string) (*store.Sandbox, error) {
	rec, err := m.load(ownerID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrSandboxNotFound, ownerID)
	}
	return rec, nil
}

// load reads through the cache to the store and returns a private copy.
func (m *Manager) load(ownerID string) (*store.Sandbox, error) {
	rec, ok := m.records.Load(ownerID)
	if !ok {
		var err error
		rec, err = m.store.GetSandbox(ownerID)
		if err != nil {
			return nil, fmt.Errorf("load sandbox %s: %w", ownerID, err)
		}
		if rec == nil {
			return nil, nil
		}
		m.records.Store(ownerID, rec)
	}
	cp := *rec
	return &cp, nil
}

// persist writes rec through to the store and then the cache.
func (m *Manager) persist(rec *store.Sandbox) error {
	if err := m.store.UpsertSandbox(rec); err != nil {
		return fmt.Errorf("persist sandbox %s: %w", rec.OwnerID, err)
	}
	cp := *rec
	m.records.Store(rec.OwnerID, &cp)
	return nil
}

func mergeEnv(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
