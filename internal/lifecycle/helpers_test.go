package lifecycle

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/p-arndt/werkstatt/internal/container"
	"github.com/p-arndt/werkstatt/internal/events"
	"github.com/p-arndt/werkstatt/internal/runtime"
	"github.com/p-arndt/werkstatt/internal/runtime/runtimetest"
	"github.com/p-arndt/werkstatt/internal/store"
	"github.com/p-arndt/werkstatt/internal/testutil"
	"github.com/p-arndt/werkstatt/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// gitSim answers the git and test invocations the lifecycle issues.
type gitSim struct {
	mu          sync.Mutex
	status      string
	statusExit  int
	commitExit  int
	hasCheckout bool
	head        string
	past        []string // strict ancestors of head
	commits     int
	resets      []string
	clones      [][]string
	block       chan struct{} // when set, status waits on it
	entered     chan struct{}
}

func (g *gitSim) exec(id string, argv []string, _ runtime.ExecOptions) (*runtime.ExecResult, error) {
	if argv[0] == "test" {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.hasCheckout {
			return &runtime.ExecResult{}, nil
		}
		return &runtime.ExecResult{ExitCode: 1}, nil
	}
	if argv[0] != "git" {
		return &runtime.ExecResult{}, nil
	}

	sub, rest := gitSubcommand(argv)
	if sub == "status" && g.block != nil {
		g.entered <- struct{}{}
		<-g.block
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	switch sub {
	case "status":
		return &runtime.ExecResult{ExitCode: g.statusExit, Stdout: g.status}, nil
	case "commit":
		if g.commitExit != 0 {
			return &runtime.ExecResult{ExitCode: g.commitExit, Stderr: "nothing to commit"}, nil
		}
		g.commits++
		g.status = ""
		return &runtime.ExecResult{}, nil
	case "rev-parse":
		return &runtime.ExecResult{Stdout: g.head + "\n"}, nil
	case "merge-base":
		// --is-ancestor HEAD <ref>
		for _, ref := range g.past {
			if ref == rest[len(rest)-1] {
				return &runtime.ExecResult{ExitCode: 1}, nil
			}
		}
		return &runtime.ExecResult{}, nil
	case "reset":
		g.resets = append(g.resets, rest[len(rest)-1])
		return &runtime.ExecResult{}, nil
	case "clone":
		g.clones = append(g.clones, argv)
		g.hasCheckout = true
		return &runtime.ExecResult{}, nil
	}
	return &runtime.ExecResult{}, nil
}

// moveHead records a new commit on top of the current head.
func (g *gitSim) moveHead(ref string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.past = append(g.past, g.head)
	g.head = ref
}

func (g *gitSim) resetTargets() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.resets...)
}

func (g *gitSim) commitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commits
}

// gitSubcommand skips "git", "-C dir" and "-c k=v" pairs.
func gitSubcommand(argv []string) (string, []string) {
	i := 1
	for i < len(argv) {
		if argv[i] == "-C" || argv[i] == "-c" {
			i += 2
			continue
		}
		break
	}
	if i >= len(argv) {
		return "", nil
	}
	return argv[i], argv[i+1:]
}

type fixture struct {
	lm    *Manager
	cm    *container.Manager
	be    *runtimetest.Backend
	st    *store.Store
	ws    *workspace.Manager
	sink  *events.ChanSink
	git   *gitSim
	clock time.Time
}

func testOptions(scope string) Options {
	return Options{
		Scope:            scope,
		IdleThreshold:    45 * time.Minute,
		SweepInterval:    time.Minute,
		WarningWindow:    5 * time.Minute,
		CheckpointTTL:    7 * 24 * time.Hour,
		BindingTTL:       24 * time.Hour,
		SweepConcurrency: 2,
		GitUserName:      "werkstatt",
		GitUserEmail:     "werkstatt@localhost",
		WorkspaceMount:   "/workspace",
	}
}

func newFixture(t *testing.T, scope string) *fixture {
	t.Helper()
	st := testutil.NewTestStore(t)

	ws, err := workspace.NewManager(filepath.Join(t.TempDir(), "workspaces"))
	require.NoError(t, err)

	f := &fixture{st: st, ws: ws, git: &gitSim{head: "0a1b2c3d"}, clock: epoch}
	f.be = runtimetest.New()
	f.be.ExecFunc = f.git.exec

	f.cm, err = container.NewManager(f.be, st, container.Options{
		Image:  "werkstatt-sandbox:test",
		Limits: runtime.Limits{MemoryLimitMB: 1024, CPUCores: 1, DiskLimitMB: 1024},
	}, nil, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(f.cm.Close)

	f.sink = events.NewChanSink(64)
	f.lm = NewManager(testOptions(scope), f.cm, ws, st, st, f.sink, nil, testLogger())
	f.lm.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) countEvents(kind events.Kind) int {
	n := 0
	for _, e := range f.sink.Drain() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

