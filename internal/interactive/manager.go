// Package interactive keeps one long-lived tmux session per owner inside
// the owner's sandbox and drives the interactive CLI running in it. The
// protocol is "type, then read the screen": there is no structured reply,
// so output is a snapshot chosen by an OutputWaiter.
package interactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/p-arndt/werkstatt/internal/config"
	"github.com/p-arndt/werkstatt/internal/errdefs"
	"github.com/p-arndt/werkstatt/internal/events"
	"github.com/p-arndt/werkstatt/internal/keymutex"
	"github.com/p-arndt/werkstatt/internal/runtime"
	"github.com/p-arndt/werkstatt/internal/telemetry"
)

const sessionKeyPrefix = "session:"

// Executor runs commands in an owner's sandbox.
type Executor interface {
	Exec(ctx context.Context, ownerID string, argv []string, opts runtime.ExecOptions) (*runtime.ExecResult, error)
}

type KV interface {
	PutJSON(key string, v any, ttl time.Duration) error
	Delete(key string) error
	Scan(prefix string) (map[string][]byte, error)
}

type Options struct {
	SessionName  string
	WindowName   string
	CLICommand   string
	WarmupDelay  time.Duration
	CaptureLines int
	SessionTTL   time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SessionName:  cfg.Interactive.SessionName,
		WindowName:   cfg.Interactive.WindowName,
		CLICommand:   cfg.Interactive.CLICommand,
		WarmupDelay:  cfg.Interactive.WarmupDelay,
		CaptureLines: cfg.Interactive.CaptureLines,
		SessionTTL:   cfg.Interactive.SessionTTL,
	}
}

// WaiterFromConfig picks the completion strategy.
func WaiterFromConfig(cfg *config.Config) OutputWaiter {
	if cfg.Interactive.Completion == "marker" {
		return MarkerWaiter{Timeout: cfg.Interactive.MarkerTimeout}
	}
	return DelayWaiter{Settle: cfg.Interactive.SettleDelay}
}

type Session struct {
	SessionID       string    `json:"session_id"`
	OwnerID         string    `json:"owner_id"`
	MultiplexerName string    `json:"multiplexer_name"`
	WindowName      string    `json:"window_name"`
	WorkspaceRoot   string    `json:"workspace_root"`
	IsActive        bool      `json:"is_active"`
	LastActivity    time.Time `json:"last_activity"`
	CreatedAt       time.Time `json:"created_at"`

	// verified is false for sessions reloaded from the store until tmux
	// confirms they still exist.
	verified bool
}

// CommandResult is what a caller gets back from SendCommand. Execution
// problems land in Error with Success false rather than as a Go error.
type CommandResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Manager struct {
	exec    Executor
	kv      KV
	opts    Options
	waiter  OutputWaiter
	events  events.Sink
	metrics *telemetry.Metrics
	logger  *slog.Logger

	sessions *xsync.MapOf[string, *Session]
	locks    *keymutex.KeyMutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewManager(ex Executor, kv KV, opts Options, waiter OutputWaiter, sink events.Sink, metrics *telemetry.Metrics, logger *slog.Logger) *Manager {
	if opts.SessionName == "" {
		opts.SessionName = "werk"
	}
	if opts.WindowName == "" {
		opts.WindowName = "cli"
	}
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = 50
	}
	if waiter == nil {
		waiter = DelayWaiter{Settle: 2 * time.Second}
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return &Manager{
		exec:     ex,
		kv:       kv,
		opts:     opts,
		waiter:   waiter,
		events:   sink,
		metrics:  metrics,
		logger:   logger,
		sessions: xsync.NewMapOf[string, *Session](),
		locks:    keymutex.New(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// SessionID is ownerID:sessionName.
func (m *Manager) SessionID(ownerID string) string {
	return ownerID + ":" + m.opts.SessionName
}

// OwnerOf extracts the owner id from a session id.
func OwnerOf(sessionID string) string {
	if i := strings.LastIndex(sessionID, ":"); i > 0 {
		return sessionID[:i]
	}
	return ""
}

// EnsureSession returns the owner's active session, starting tmux and the
// CLI when there is none. Reusing a verified session issues no commands.
func (m *Manager) EnsureSession(ctx context.Context, ownerID, workspaceRoot string) (*Session, error) {
	if ownerID == "" {
		return nil, &errdefs.ValidationError{Field: "ownerId", Value: ownerID}
	}
	unlock := m.locks.Lock(ownerID)
	defer unlock()

	id := m.SessionID(ownerID)
	if cur, ok := m.sessions.Load(id); ok && cur.IsActive {
		alive := cur.verified
		if !alive {
			alive = m.probe(ctx, cur)
		}
		if alive {
			s := *cur
			s.verified = true
			s.LastActivity = m.now().UTC()
			m.store(&s)
			return s.clone(), nil
		}
		m.logger.Info("reloaded session is gone, recreating", "session_id", id)
		m.forget(id)
	}

	if workspaceRoot == "" {
		workspaceRoot = "/workspace"
	}
	s := &Session{
		SessionID:       id,
		OwnerID:         ownerID,
		MultiplexerName: m.opts.SessionName,
		WindowName:      m.opts.WindowName,
		WorkspaceRoot:   workspaceRoot,
		IsActive:        true,
		CreatedAt:       m.now().UTC(),
		verified:        true,
	}
	if err := m.start(ctx, s); err != nil {
		return nil, err
	}
	s.LastActivity = m.now().UTC()
	m.store(s)

	m.logger.Info("interactive session started", "session_id", id, "owner_id", ownerID, "root", workspaceRoot)
	m.events.Emit(events.Event{Kind: events.SessionCreated, At: s.CreatedAt, OwnerID: ownerID, SessionID: id})
	return s.clone(), nil
}

// start creates the tmux session, names its window and launches the CLI.
// An existing tmux session with the same name is adopted as is.
func (m *Manager) start(ctx context.Context, s *Session) error {
	res, err := m.run(ctx, s.OwnerID, newSessionCmd(s.MultiplexerName, s.WorkspaceRoot))
	if err != nil {
		return err
	}
	if !res.Success() {
		if strings.Contains(res.Stderr, "duplicate session") {
			m.logger.Info("adopting existing tmux session", "session_id", s.SessionID)
			return nil
		}
		return fmt.Errorf("%w: tmux new-session: %s", errdefs.ErrExecutionFailed, strings.TrimSpace(res.Stderr))
	}
	if err := m.runOK(ctx, s.OwnerID, renameWindowCmd(s.MultiplexerName, s.WindowName)); err != nil {
		return err
	}
	if err := m.launch(ctx, s); err != nil {
		return err
	}
	return nil
}

func (m *Manager) launch(ctx context.Context, s *Session) error {
	term := m.terminal(s)
	if err := term.Type(ctx, m.opts.CLICommand); err != nil {
		return err
	}
	return m.sleep(ctx, m.opts.WarmupDelay)
}

// probe asks tmux whether a reloaded session still exists.
func (m *Manager) probe(ctx context.Context, s *Session) bool {
	res, err := m.run(ctx, s.OwnerID, hasSessionCmd(s.MultiplexerName))
	return err == nil && res.Success()
}

// SendCommand types command into the session and returns a snapshot of the
// pane once the waiter considers it settled.
func (m *Manager) SendCommand(ctx context.Context, sessionID, command string) (*CommandResult, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(s.OwnerID)
	defer unlock()

	out, err := m.waiter.Send(ctx, m.terminal(s), command, m.opts.CaptureLines)
	if err != nil {
		if errors.Is(err, errdefs.ErrBeingReclaimed) || errors.Is(err, errdefs.ErrNotRunning) || errors.Is(err, errdefs.ErrSandboxNotFound) {
			return nil, err
		}
		m.metrics.SessionCommand(ctx, false)
		m.logger.Warn("session command failed", "session_id", sessionID, "error", err)
		return &CommandResult{Success: false, Output: StripANSI(out), Error: err.Error()}, nil
	}

	m.touch(sessionID)
	m.metrics.SessionCommand(ctx, true)
	return &CommandResult{Success: true, Output: StripANSI(out)}, nil
}

// GetOutput captures the pane without typing anything.
func (m *Manager) GetOutput(ctx context.Context, sessionID string, lines int) (string, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return "", err
	}
	if lines <= 0 {
		lines = m.opts.CaptureLines
	}
	out, err := m.terminal(s).Capture(ctx, lines)
	if err != nil {
		return "", err
	}
	return StripANSI(out), nil
}

// Restart interrupts the CLI, clears the screen and history, and launches
// it again.
func (m *Manager) Restart(ctx context.Context, sessionID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	unlock := m.locks.Lock(s.OwnerID)
	defer unlock()

	tgt := target(s.MultiplexerName, s.WindowName)
	if err := m.runOK(ctx, s.OwnerID, sendKeyCmd(tgt, "C-c")); err != nil {
		return err
	}
	if err := m.terminal(s).Type(ctx, "clear"); err != nil {
		return err
	}
	if err := m.runOK(ctx, s.OwnerID, clearHistoryCmd(tgt)); err != nil {
		return err
	}
	if err := m.launch(ctx, s); err != nil {
		return err
	}
	m.touch(sessionID)
	m.logger.Info("interactive session restarted", "session_id", sessionID)
	return nil
}

// Close kills the tmux session and stops tracking it.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	unlock := m.locks.Lock(s.OwnerID)
	defer unlock()

	if res, err := m.run(ctx, s.OwnerID, killSessionCmd(s.MultiplexerName)); err != nil {
		m.logger.Warn("kill tmux session", "session_id", sessionID, "error", err)
	} else if !res.Success() {
		m.logger.Debug("kill tmux session", "session_id", sessionID, "stderr", strings.TrimSpace(res.Stderr))
	}
	m.forget(sessionID)
	m.logger.Info("interactive session closed", "session_id", sessionID)
	m.events.Emit(events.Event{Kind: events.SessionClosed, At: m.now().UTC(), OwnerID: s.OwnerID, SessionID: sessionID})
	return nil
}

// CleanupInactive closes every session idle longer than maxIdle and
// returns how many went.
func (m *Manager) CleanupInactive(ctx context.Context, maxIdle time.Duration) int {
	cutoff := m.now().UTC().Add(-maxIdle)
	var stale []string
	m.sessions.Range(func(id string, s *Session) bool {
		if s.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
		return true
	})
	closed := 0
	for _, id := range stale {
		if err := m.Close(ctx, id); err != nil {
			m.logger.Warn("close idle session", "session_id", id, "error", err)
			continue
		}
		closed++
	}
	if closed > 0 {
		m.logger.Info("idle sessions closed", "count", closed)
	}
	return closed
}

// DropOwner forgets the owner's sessions without touching the sandbox,
// which is already going away.
func (m *Manager) DropOwner(ownerID string) {
	id := m.SessionID(ownerID)
	if _, ok := m.sessions.Load(id); !ok {
		return
	}
	m.forget(id)
	m.events.Emit(events.Event{
		Kind:      events.SessionClosed,
		At:        m.now().UTC(),
		OwnerID:   ownerID,
		SessionID: id,
		Attrs:     map[string]string{"reason": "sandbox_removed"},
	})
}

// ListActiveSessions returns active sessions, optionally for one owner.
func (m *Manager) ListActiveSessions(ownerID string) []*Session {
	var out []*Session
	m.sessions.Range(func(_ string, s *Session) bool {
		if s.IsActive && (ownerID == "" || s.OwnerID == ownerID) {
			out = append(out, s.clone())
		}
		return true
	})
	return out
}

// Load reloads persisted sessions as unverified.
func (m *Manager) Load() error {
	entries, err := m.kv.Scan(sessionKeyPrefix)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	for key, data := range entries {
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			m.logger.Warn("skip unreadable session record", "key", key, "error", err)
			continue
		}
		s.verified = false
		m.sessions.Store(s.SessionID, &s)
	}
	m.logger.Info("sessions reloaded", "count", len(entries))
	return nil
}

func (m *Manager) lookup(sessionID string) (*Session, error) {
	s, ok := m.sessions.Load(sessionID)
	if !ok || !s.IsActive {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrSessionNotFound, sessionID)
	}
	if OwnerOf(sessionID) != s.OwnerID {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrSessionNotFound, sessionID)
	}
	return s.clone(), nil
}

func (m *Manager) touch(sessionID string) {
	cur, ok := m.sessions.Load(sessionID)
	if !ok {
		return
	}
	s := *cur
	s.LastActivity = m.now().UTC()
	m.store(&s)
}

func (m *Manager) store(s *Session) {
	m.sessions.Store(s.SessionID, s.clone())
	if err := m.kv.PutJSON(sessionKeyPrefix+s.SessionID, s, m.opts.SessionTTL); err != nil {
		m.logger.Warn("persist session", "session_id", s.SessionID, "error", err)
	}
}

func (m *Manager) forget(sessionID string) {
	m.sessions.Delete(sessionID)
	if err := m.kv.Delete(sessionKeyPrefix + sessionID); err != nil {
		m.logger.Warn("drop session record", "session_id", sessionID, "error", err)
	}
}

func (s *Session) clone() *Session {
	cp := *s
	return &cp
}

func (m *Manager) run(ctx context.Context, ownerID string, argv []string) (*runtime.ExecResult, error) {
	return m.exec.Exec(ctx, ownerID, argv, runtime.ExecOptions{})
}

func (m *Manager) runOK(ctx context.Context, ownerID string, argv []string) error {
	res, err := m.run(ctx, ownerID, argv)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%w: %s: exit %d: %s", errdefs.ErrExecutionFailed, strings.Join(argv[:2], " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (m *Manager) terminal(s *Session) Terminal {
	return &tmuxTerminal{m: m, ownerID: s.OwnerID, target: target(s.MultiplexerName, s.WindowName)}
}

type tmuxTerminal struct {
	m       *Manager
	ownerID string
	target  string
}

func (t *tmuxTerminal) Type(ctx context.Context, text string) error {
	if err := t.m.runOK(ctx, t.ownerID, sendLiteralCmd(t.target, text)); err != nil {
		return err
	}
	return t.m.runOK(ctx, t.ownerID, sendKeyCmd(t.target, "Enter"))
}

func (t *tmuxTerminal) Capture(ctx context.Context, lines int) (string, error) {
	res, err := t.m.run(ctx, t.ownerID, capturePaneCmd(t.target, lines))
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("%w: tmux capture-pane: %s", errdefs.ErrExecutionFailed, strings.TrimSpace(res.Stderr))
	}
	return lastLines(res.Stdout, lines), nil
}
