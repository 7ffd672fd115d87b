// Package orchestrator wires the runtime backend, the container, lifecycle
// and interactive managers and the reaper into the one surface callers use.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kballard/go-shellquote"

	"github.com/p-arndt/werkstatt/internal/config"
	"github.com/p-arndt/werkstatt/internal/container"
	"github.com/p-arndt/werkstatt/internal/events"
	"github.com/p-arndt/werkstatt/internal/interactive"
	"github.com/p-arndt/werkstatt/internal/lifecycle"
	"github.com/p-arndt/werkstatt/internal/reaper"
	"github.com/p-arndt/werkstatt/internal/runtime"
	"github.com/p-arndt/werkstatt/internal/runtime/docker"
	"github.com/p-arndt/werkstatt/internal/runtime/kube"
	"github.com/p-arndt/werkstatt/internal/store"
	"github.com/p-arndt/werkstatt/internal/telemetry"
	"github.com/p-arndt/werkstatt/internal/workspace"
)

// Deps are the collaborators New wires together. Sink, Metrics and Waiter
// are optional.
type Deps struct {
	Backend    runtime.Backend
	Store      *store.Store
	Workspaces *workspace.Manager
	Sink       events.Sink
	Metrics    *telemetry.Metrics
	Waiter     interactive.OutputWaiter
}

// VolumeRemover is implemented by backends whose workspaces live in
// backend-managed volumes rather than under the host workspace root.
type VolumeRemover interface {
	DeleteVolumeClaim(ctx context.Context, ownerKey string) error
}

type Orchestrator struct {
	cfg     *config.Config
	mode    runtime.Mode
	backend runtime.Backend
	store   *store.Store
	ws      *workspace.Manager
	metrics *telemetry.Metrics
	feed    *events.ChanSink
	logger  *slog.Logger

	containers *container.Manager
	lifecycle  *lifecycle.Manager
	sessions   *interactive.Manager
	reaper     *reaper.Reaper
	volumes    VolumeRemover

	// closers run on Shutdown in order; only Open registers any.
	closers []io.Closer
}

// Open builds everything from configuration: store, workspace root, event
// sinks, metrics and the runtime backend chosen by runtime.Select.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	closers := []io.Closer{st}
	fail := func(err error) (*Orchestrator, error) {
		closeAll(closers, logger)
		return nil, err
	}

	ws, err := workspace.NewManager(cfg.Workspace.Root)
	if err != nil {
		return fail(err)
	}

	metrics, err := openMetrics(cfg)
	if err != nil {
		return fail(err)
	}

	var sinks []events.Sink
	switch {
	case cfg.Events.EmbeddedNATS:
		ns, err := events.NewEmbeddedNATSSink(cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return fail(err)
		}
		logger.Info("embedded nats started", "url", ns.ClientURL())
		sinks = append(sinks, ns)
		closers = append(closers, ns)
	case cfg.Events.NatsURL != "":
		ns, err := events.NewNATSSink(cfg.Events.NatsURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, ns)
		closers = append(closers, ns)
	}

	preferred := runtime.Preferred(cfg.Backend.Mode, cfg.IsProduction())
	backend, err := runtime.Select(ctx, preferred, openers(cfg, logger), cfg.Backend.ProbeTimeout, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, backend)

	o, err := New(cfg, Deps{
		Backend:    backend,
		Store:      st,
		Workspaces: ws,
		Sink:       events.Multi(sinks...),
		Metrics:    metrics,
		Waiter:     interactive.WaiterFromConfig(cfg),
	}, logger)
	if err != nil {
		return fail(err)
	}
	// Closed in reverse: backend, sinks, then the store.
	for i := len(closers) - 1; i >= 0; i-- {
		o.closers = append(o.closers, closers[i])
	}
	return o, nil
}

// openMetrics returns nil when metrics are switched off; every consumer
// treats a nil *telemetry.Metrics as a no-op.
func openMetrics(cfg *config.Config) (*telemetry.Metrics, error) {
	if !cfg.Metrics {
		return nil, nil
	}
	metrics, err := telemetry.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	return metrics, nil
}

func openers(cfg *config.Config, logger *slog.Logger) map[runtime.Mode]runtime.Opener {
	return map[runtime.Mode]runtime.Opener{
		runtime.ModeLocal: func(ctx context.Context) (runtime.Backend, error) {
			return docker.New(docker.Options{
				Host:         cfg.Docker.Host,
				StorageQuota: cfg.Docker.StorageQuota,
			}, logger.With("backend", "docker"))
		},
		runtime.ModeCluster: func(ctx context.Context) (runtime.Backend, error) {
			return kube.New(kube.Options{
				Namespace:          cfg.Kubernetes.Namespace,
				Kubeconfig:         cfg.Kubernetes.Kubeconfig,
				StorageClass:       cfg.Kubernetes.StorageClass,
				RequestEqualsLimit: cfg.Kubernetes.RequestEqualsLimit,
				PodReadyTimeout:    cfg.Kubernetes.PodReadyTimeout,
			}, logger.With("backend", "kube"))
		},
	}
}

// New wires the managers around an already selected backend. The backend's
// mode is fixed for the orchestrator's lifetime.
func New(cfg *config.Config, d Deps, logger *slog.Logger) (*Orchestrator, error) {
	if d.Backend == nil || d.Store == nil || d.Workspaces == nil {
		return nil, errors.New("orchestrator: backend, store and workspaces are required")
	}

	command, err := shellquote.Split(cfg.Sandbox.Command)
	if err != nil {
		return nil, fmt.Errorf("sandbox.command: %w", err)
	}

	feed := events.NewChanSink(cfg.Events.Buffer)
	sink := events.Sink(feed)
	if d.Sink != nil {
		sink = events.Multi(feed, d.Sink)
	}

	cm, err := container.NewManager(d.Backend, d.Store, container.Options{
		Image:   cfg.Sandbox.Image,
		Command: command,
		Limits: runtime.Limits{
			MemoryLimitMB: cfg.Sandbox.MemoryLimitMB,
			CPUCores:      cfg.Sandbox.CPUCores,
			DiskLimitMB:   cfg.Sandbox.DiskLimitMB,
		},
		NetworkMode:      cfg.Sandbox.NetworkMode,
		WorkspaceMount:   cfg.Sandbox.WorkspaceMount,
		Env:              cfg.Sandbox.Env,
		OperationTimeout: cfg.Backend.OperationTimeout,
		StopTimeout:      cfg.Backend.StopTimeout,
		ExecTimeout:      cfg.Backend.ExecTimeout,
	}, sink, d.Metrics, logger.With("component", "container"))
	if err != nil {
		return nil, err
	}

	sessions := interactive.NewManager(cm, d.Store, interactive.OptionsFromConfig(cfg), d.Waiter,
		sink, d.Metrics, logger.With("component", "interactive"))

	lm := lifecycle.NewManager(lifecycle.OptionsFromConfig(cfg), cm, d.Workspaces, d.Store, d.Store,
		sink, d.Metrics, logger.With("component", "lifecycle"))
	lm.SetSessionCloser(sessions)

	rp := reaper.New(cm, d.Store, reaper.OptionsFromConfig(cfg), logger.With("component", "reaper"))
	rp.SetSessionCleaner(sessions)
	if orphans, ok := d.Backend.(reaper.OrphanRuntime); ok {
		rp.SetOrphanRuntime(orphans)
	}

	o := &Orchestrator{
		cfg:        cfg,
		mode:       d.Backend.Mode(),
		backend:    d.Backend,
		store:      d.Store,
		ws:         d.Workspaces,
		metrics:    d.Metrics,
		feed:       feed,
		logger:     logger,
		containers: cm,
		lifecycle:  lm,
		sessions:   sessions,
		reaper:     rp,
	}
	if vr, ok := d.Backend.(VolumeRemover); ok {
		o.volumes = vr
	}
	return o, nil
}

// Mode is the runtime backend serving every sandbox.
func (o *Orchestrator) Mode() runtime.Mode { return o.mode }

// Events delivers every notification the managers emit. Events are dropped
// when nobody reads fast enough.
func (o *Orchestrator) Events() <-chan events.Event { return o.feed.Events() }

// Start reloads persisted state and starts the sweep and housekeeping jobs.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.lifecycle.Initialize(ctx); err != nil {
		return fmt.Errorf("start lifecycle: %w", err)
	}
	if err := o.sessions.Load(); err != nil {
		o.logger.Warn("reload interactive sessions", "error", err)
	}
	if err := o.reaper.Start(ctx); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	o.logger.Info("orchestrator started", "mode", o.mode, "scope", o.cfg.Sandbox.Scope)
	return nil
}

// Shutdown stops the timers, flushes bindings and releases whatever Open
// created.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.reaper.Stop()
	err := o.lifecycle.Shutdown(ctx)
	o.containers.Close()
	if o.metrics != nil {
		if mErr := o.metrics.Shutdown(ctx); mErr != nil {
			o.logger.Warn("metrics shutdown", "error", mErr)
		}
	}
	closeAll(o.closers, o.logger)
	return err
}

func closeAll(closers []io.Closer, logger *slog.Logger) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn("close", "error", err)
		}
	}
}

// EnsureThreadSandbox binds the thread to a running sandbox and returns the
// binding.
func (o *Orchestrator) EnsureThreadSandbox(ctx context.Context, req lifecycle.BindRequest) (*store.ThreadBinding, error) {
	return o.lifecycle.GetOrCreate(ctx, req)
}

func (o *Orchestrator) UpdateActivity(ctx context.Context, sandboxID string) error {
	return o.lifecycle.UpdateActivity(ctx, sandboxID)
}

func (o *Orchestrator) ForceCleanupThread(ctx context.Context, threadID string) error {
	return o.lifecycle.ForceCleanupThread(ctx, threadID)
}

func (o *Orchestrator) RestoreThreadState(ctx context.Context, sandboxID, threadID string) (*lifecycle.Checkpoint, error) {
	return o.lifecycle.RestoreThreadState(ctx, sandboxID, threadID)
}

// Stats is the operational summary served to operators.
type Stats struct {
	lifecycle.Statistics
	Mode           runtime.Mode     `json:"mode"`
	Scope          string           `json:"scope"`
	ActiveSessions int              `json:"active_sessions"`
	Sandboxes      map[string]int   `json:"sandboxes"`
	Metrics        map[string]int64 `json:"metrics,omitempty"`
	DroppedEvents  int64            `json:"dropped_events"`
}

func (o *Orchestrator) Statistics(ctx context.Context) (*Stats, error) {
	records, err := o.containers.List()
	if err != nil {
		return nil, err
	}
	byStatus := make(map[string]int)
	for _, r := range records {
		byStatus[string(r.Status)]++
	}
	st := &Stats{
		Statistics:     o.lifecycle.Statistics(),
		Mode:           o.mode,
		Scope:          o.cfg.Sandbox.Scope,
		ActiveSessions: len(o.sessions.ListActiveSessions("")),
		Sandboxes:      byStatus,
		DroppedEvents:  o.feed.Dropped(),
	}
	if o.metrics != nil {
		if snap, err := o.metrics.Snapshot(ctx); err == nil {
			st.Metrics = snap
		} else {
			o.logger.Warn("metrics snapshot", "error", err)
		}
	}
	return st, nil
}

// Metrics returns the current counter values, nil when metrics are off.
func (o *Orchestrator) Metrics(ctx context.Context) (map[string]int64, error) {
	if o.metrics == nil {
		return nil, nil
	}
	return o.metrics.Snapshot(ctx)
}
