package interactive

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/p-arndt/werkstatt/internal/events"
	"github.com/p-arndt/werkstatt/internal/runtime"
	"github.com/p-arndt/werkstatt/internal/store"
	"github.com/p-arndt/werkstatt/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func noSleep(context.Context, time.Duration) error { return nil }

// tmuxSim plays tmux inside one sandbox: it tracks which sessions exist and
// what has been typed into the pane.
type tmuxSim struct {
	mu        sync.Mutex
	calls     [][]string
	sessions  map[string]bool
	pane      []string
	execErr   error
	failOn    string // tmux subcommand that exits 1
	onCapture func(pane []string) string
}

func newTmuxSim() *tmuxSim {
	return &tmuxSim{sessions: make(map[string]bool)}
}

func (s *tmuxSim) Exec(ctx context.Context, ownerID string, argv []string, _ runtime.ExecOptions) (*runtime.ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]string(nil), argv...))
	if s.execErr != nil {
		return nil, s.execErr
	}
	sub := argv[1]
	if sub == s.failOn {
		return &runtime.ExecResult{ExitCode: 1, Stderr: "boom"}, nil
	}
	switch sub {
	case "new-session":
		name := argv[4]
		if s.sessions[name] {
			return &runtime.ExecResult{ExitCode: 1, Stderr: "duplicate session: " + name}, nil
		}
		s.sessions[name] = true
	case "has-session", "kill-session":
		name := argv[3]
		if !s.sessions[name] {
			return &runtime.ExecResult{ExitCode: 1, Stderr: "can't find session: " + name}, nil
		}
		if sub == "kill-session" {
			delete(s.sessions, name)
		}
	case "send-keys":
		if argv[4] == "-l" {
			s.pane = append(s.pane, "$ "+argv[5])
		}
	case "clear-history":
		s.pane = nil
	case "capture-pane":
		if s.onCapture != nil {
			return &runtime.ExecResult{Stdout: s.onCapture(s.pane)}, nil
		}
		return &runtime.ExecResult{Stdout: strings.Join(s.pane, "\n") + "\n"}, nil
	}
	return &runtime.ExecResult{}, nil
}

func (s *tmuxSim) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// subcommands lists the tmux subcommands issued, with the key name for
// send-keys calls that are not literal.
func (s *tmuxSim) subcommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		switch {
		case c[1] == "send-keys" && c[4] == "-l":
			out = append(out, "send-keys -l "+c[5])
		case c[1] == "send-keys":
			out = append(out, "send-keys "+c[4])
		default:
			out = append(out, c[1])
		}
	}
	return out
}

func (s *tmuxSim) reset() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

type fixture struct {
	m     *Manager
	tmux  *tmuxSim
	st    *store.Store
	sink  *events.ChanSink
	clock time.Time
}

func testOptions() Options {
	return Options{
		SessionName:  "werk",
		WindowName:   "cli",
		CLICommand:   "claude",
		WarmupDelay:  3 * time.Second,
		CaptureLines: 50,
		SessionTTL:   24 * time.Hour,
	}
}

func newFixture(t *testing.T, waiter OutputWaiter) *fixture {
	t.Helper()
	st := testutil.NewTestStore(t)

	f := &fixture{tmux: newTmuxSim(), st: st, sink: events.NewChanSink(64), clock: epoch}
	if waiter == nil {
		waiter = DelayWaiter{Settle: 2 * time.Second, Sleep: noSleep}
	}
	f.m = f.newManager(waiter)
	return f
}

func (f *fixture) newManager(waiter OutputWaiter) *Manager {
	m := NewManager(f.tmux, f.st, testOptions(), waiter, f.sink, nil, testLogger())
	m.now = func() time.Time { return f.clock }
	m.sleep = noSleep
	return m
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}
