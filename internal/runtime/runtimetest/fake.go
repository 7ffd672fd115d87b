// Package runtimetest provides an in-memory runtime.Backend for tests.
package runtimetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/p-arndt/werkstatt/internal/runtime"
)

// ExecFunc scripts the result of an exec call.
type ExecFunc func(id string, argv []string, opts runtime.ExecOptions) (*runtime.ExecResult, error)

// Backend records every call and keeps sandbox state in memory. The *Err
// fields make the matching operation fail.
type Backend struct {
	ModeValue runtime.Mode

	PingErr   error
	CreateErr error
	StartErr  error
	StopErr   error
	RemoveErr error
	InfoErr   error

	ExecFunc ExecFunc
	// OnCreate runs inside Create before the sandbox exists.
	OnCreate func(spec runtime.CreateSpec)
	Usage    runtime.ResourceUsage
	LogsText string

	mu        sync.Mutex
	seq       int
	calls     map[string]int
	execs     [][]string
	specs     map[string]runtime.CreateSpec
	sandboxes map[string]*runtime.Info
}

func New() *Backend {
	return &Backend{
		ModeValue: runtime.ModeLocal,
		calls:     make(map[string]int),
		specs:     make(map[string]runtime.CreateSpec),
		sandboxes: make(map[string]*runtime.Info),
	}
}

func (b *Backend) record(op string) {
	b.mu.Lock()
	b.calls[op]++
	b.mu.Unlock()
}

// Calls returns how many times op ("create", "start", "exec", ...) ran.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// TotalCalls counts every recorded operation.
func (b *Backend) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

// Execs returns the argv of every exec call in order.
func (b *Backend) Execs() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]string, len(b.execs))
	copy(out, b.execs)
	return out
}

// Spec returns the CreateSpec a sandbox was created with.
func (b *Backend) Spec(id string) (runtime.CreateSpec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.specs[id]
	return s, ok
}

// SetState overrides what Info reports for id.
func (b *Backend) SetState(id string, state runtime.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if info, ok := b.sandboxes[id]; ok {
		info.State = state
		return
	}
	b.sandboxes[id] = &runtime.Info{ID: id, State: state}
}

func (b *Backend) Mode() runtime.Mode { return b.ModeValue }

func (b *Backend) Ping(ctx context.Context) error {
	b.record("ping")
	return b.PingErr
}

func (b *Backend) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	b.record("create")
	if b.OnCreate != nil {
		b.OnCreate(spec)
	}
	if b.CreateErr != nil {
		return "", b.CreateErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("sbx-%d", b.seq)
	b.specs[id] = spec
	b.sandboxes[id] = &runtime.Info{ID: id, State: runtime.StateCreated, Image: spec.Image, CreatedAt: time.Now()}
	return id, nil
}

func (b *Backend) Start(ctx context.Context, id string) error {
	b.record("start")
	if b.StartErr != nil {
		return b.StartErr
	}
	return b.transition(id, runtime.StateRunning)
}

func (b *Backend) Stop(ctx context.Context, id string, timeout time.Duration) error {
	b.record("stop")
	if b.StopErr != nil {
		return b.StopErr
	}
	return b.transition(id, runtime.StateExited)
}

func (b *Backend) Remove(ctx context.Context, id string, force bool) error {
	b.record("remove")
	if b.RemoveErr != nil {
		return b.RemoveErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sandboxes, id)
	return nil
}

func (b *Backend) transition(id string, state runtime.State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.sandboxes[id]
	if !ok {
		return fmt.Errorf("no such sandbox: %s", id)
	}
	info.State = state
	if state == runtime.StateRunning {
		info.StartedAt = time.Now()
	}
	return nil
}

func (b *Backend) Info(ctx context.Context, id string) (*runtime.Info, error) {
	b.record("info")
	if b.InfoErr != nil {
		return nil, b.InfoErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.sandboxes[id]
	if !ok {
		return &runtime.Info{ID: id, State: runtime.StateMissing}, nil
	}
	cp := *info
	return &cp, nil
}

func (b *Backend) Exec(ctx context.Context, id string, argv []string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
	b.record("exec")
	b.mu.Lock()
	b.execs = append(b.execs, append([]string(nil), argv...))
	fn := b.ExecFunc
	b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(id, argv, opts)
	}
	return &runtime.ExecResult{}, nil
}

func (b *Backend) Logs(ctx context.Context, id string, tail int) (string, error) {
	b.record("logs")
	return b.LogsText, nil
}

func (b *Backend) ResourceUsage(ctx context.Context, id string) (*runtime.ResourceUsage, error) {
	b.record("usage")
	u := b.Usage
	return &u, nil
}

func (b *Backend) Close() error {
	b.record("close")
	return nil
}

var _ runtime.Backend = (*Backend)(nil)
