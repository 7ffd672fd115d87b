package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/werkstatt/internal/interactive"
	"github.com/p-arndt/werkstatt/internal/lifecycle"
	"github.com/p-arndt/werkstatt/internal/orchestrator"
	"github.com/p-arndt/werkstatt/internal/runtime"
	"github.com/p-arndt/werkstatt/internal/store"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) EnsureThreadSandbox(ctx context.Context, req lifecycle.BindRequest) (*store.ThreadBinding, error) {
	args := m.Called(ctx, req)
	if b := args.Get(0); b != nil {
		return b.(*store.ThreadBinding), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) UpdateActivity(ctx context.Context, sandboxID string) error {
	args := m.Called(ctx, sandboxID)
	return args.Error(0)
}

func (m *MockService) ForceCleanupThread(ctx context.Context, threadID string) error {
	args := m.Called(ctx, threadID)
	return args.Error(0)
}

func (m *MockService) RestoreThreadState(ctx context.Context, sandboxID, threadID string) (*lifecycle.Checkpoint, error) {
	args := m.Called(ctx, sandboxID, threadID)
	if cp := args.Get(0); cp != nil {
		return cp.(*lifecycle.Checkpoint), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) SandboxStatus(ownerID string) (*store.Sandbox, error) {
	args := m.Called(ownerID)
	if rec := args.Get(0); rec != nil {
		return rec.(*store.Sandbox), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) ResourceUsage(ctx context.Context, ownerID string) (*runtime.ResourceUsage, error) {
	args := m.Called(ctx, ownerID)
	if u := args.Get(0); u != nil {
		return u.(*runtime.ResourceUsage), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) Logs(ctx context.Context, ownerID string, tail int) (string, error) {
	args := m.Called(ctx, ownerID, tail)
	return args.String(0), args.Error(1)
}

func (m *MockService) RestartSandbox(ctx context.Context, ownerID string) error {
	args := m.Called(ctx, ownerID)
	return args.Error(0)
}

func (m *MockService) PurgeOwner(ctx context.Context, ownerID string) error {
	args := m.Called(ctx, ownerID)
	return args.Error(0)
}

func (m *MockService) EnsureInteractiveSession(ctx context.Context, ownerID, workspaceRoot string) (*interactive.Session, error) {
	args := m.Called(ctx, ownerID, workspaceRoot)
	if s := args.Get(0); s != nil {
		return s.(*interactive.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) SendCommand(ctx context.Context, sessionID, command string) (*interactive.CommandResult, error) {
	args := m.Called(ctx, sessionID, command)
	if res := args.Get(0); res != nil {
		return res.(*interactive.CommandResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) GetOutput(ctx context.Context, sessionID string, lines int) (string, error) {
	args := m.Called(ctx, sessionID, lines)
	return args.String(0), args.Error(1)
}

func (m *MockService) RestartSession(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *MockService) CloseSession(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *MockService) ListActiveSessions(ownerID string) []*interactive.Session {
	args := m.Called(ownerID)
	if s := args.Get(0); s != nil {
		return s.([]*interactive.Session)
	}
	return nil
}

func (m *MockService) Statistics(ctx context.Context) (*orchestrator.Stats, error) {
	args := m.Called(ctx)
	if st := args.Get(0); st != nil {
		return st.(*orchestrator.Stats), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockService) Metrics(ctx context.Context) (map[string]int64, error) {
	args := m.Called(ctx)
	if mm := args.Get(0); mm != nil {
		return mm.(map[string]int64), args.Error(1)
	}
	return nil, args.Error(1)
}
