// Package reaper runs the periodic housekeeping that keeps the durable
// records honest: health checks, idle session cleanup, expired KV rows and
// sandboxes the backend still has but nobody tracks.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/p-arndt/werkstatt/internal/config"
	"github.com/p-arndt/werkstatt/internal/store"
)

type Options struct {
	HealthInterval  time.Duration
	SessionInterval time.Duration
	PurgeInterval   time.Duration
	SessionIdle     time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HealthInterval:  cfg.Reaper.HealthInterval,
		SessionInterval: cfg.Reaper.SessionInterval,
		PurgeInterval:   cfg.Reaper.PurgeInterval,
		SessionIdle:     cfg.Interactive.IdleTimeout,
	}
}

type Reaper struct {
	sandboxes SandboxTracker
	sessions  SessionCleaner
	store     ReaperStore
	runtime   OrphanRuntime
	opts      Options
	logger    *slog.Logger

	scheduler gocron.Scheduler
}

func New(sb SandboxTracker, st ReaperStore, opts Options, logger *slog.Logger) *Reaper {
	return &Reaper{
		sandboxes: sb,
		store:     st,
		opts:      opts,
		logger:    logger,
	}
}

func (r *Reaper) SetSessionCleaner(sc SessionCleaner) {
	r.sessions = sc
}

func (r *Reaper) SetOrphanRuntime(rt OrphanRuntime) {
	r.runtime = rt
}

// Start reconciles once, then schedules every job. Each job runs in
// singleton mode so a slow tick is skipped rather than stacked.
func (r *Reaper) Start(ctx context.Context) error {
	r.reconcile(ctx)

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func()
	}{
		{"health-reconcile", r.opts.HealthInterval, func() { r.reconcile(ctx) }},
		{"session-cleanup", r.opts.SessionInterval, func() { r.cleanupSessions(ctx) }},
		{"kv-purge", r.opts.PurgeInterval, r.purge},
	}
	for _, j := range jobs {
		if j.interval <= 0 {
			continue
		}
		_, err := s.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(j.fn),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	s.Start()
	r.scheduler = s
	r.logger.Info("reaper started",
		"health_interval", r.opts.HealthInterval,
		"session_interval", r.opts.SessionInterval,
		"purge_interval", r.opts.PurgeInterval)
	return nil
}

func (r *Reaper) Stop() {
	if r.scheduler == nil {
		return
	}
	if err := r.scheduler.Shutdown(); err != nil {
		r.logger.Warn("stop reaper scheduler", "error", err)
	}
	r.logger.Info("reaper stopped")
}

func (r *Reaper) reconcile(ctx context.Context) {
	r.sandboxes.Reconcile(ctx)
	r.removeOrphans(ctx)
}

// removeOrphans deletes backend sandboxes that no record points at, which
// is what a crash between create and persist leaves behind. Owners with an
// operation in flight are skipped: their new sandbox may exist before its
// record does.
func (r *Reaper) removeOrphans(ctx context.Context) {
	if r.runtime == nil {
		return
	}
	managed, err := r.runtime.ListManaged(ctx)
	if err != nil {
		r.logger.Error("reaper: list managed sandboxes", "error", err)
		return
	}
	if len(managed) == 0 {
		return
	}
	// Sampled before the records are read, so a create finishing in
	// between is either busy here or visible below.
	busy := make(map[string]bool)
	for _, owner := range managed {
		if r.sandboxes.Busy(owner) {
			busy[owner] = true
		}
	}
	records, err := r.sandboxes.List()
	if err != nil {
		r.logger.Error("reaper: list sandbox records", "error", err)
		return
	}
	known := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.SandboxID != "" && rec.Status != store.StatusTerminated {
			known[rec.SandboxID] = true
		}
	}

	removed := 0
	for id, owner := range managed {
		if known[id] {
			continue
		}
		if busy[owner] {
			r.logger.Debug("reaper: owner busy, orphan check deferred", "owner_id", owner, "sandbox_id", id)
			continue
		}
		r.logger.Warn("removing orphaned sandbox", "owner_id", owner, "sandbox_id", id)
		if err := r.runtime.Remove(ctx, id, true); err != nil {
			r.logger.Error("reaper: remove orphan", "sandbox_id", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("reaper: removed orphans", "count", removed)
	}
}

func (r *Reaper) cleanupSessions(ctx context.Context) {
	if r.sessions == nil || r.opts.SessionIdle <= 0 {
		return
	}
	r.sessions.CleanupInactive(ctx, r.opts.SessionIdle)
}

func (r *Reaper) purge() {
	n, err := r.store.PurgeExpired()
	if err != nil {
		r.logger.Error("reaper: purge expired keys", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("reaper: purged expired keys", "count", n)
	}
}
