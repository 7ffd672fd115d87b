package reaper

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/werkstatt/internal/store"
)

// MockSandboxTracker mocks the SandboxTracker interface.
type MockSandboxTracker struct {
	mock.Mock
}

func (m *MockSandboxTracker) Reconcile(ctx context.Context) {
	m.Called(ctx)
}

func (m *MockSandboxTracker) List() ([]*store.Sandbox, error) {
	args := m.Called()
	if records := args.Get(0); records != nil {
		return records.([]*store.Sandbox), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSandboxTracker) Busy(ownerID string) bool {
	args := m.Called(ownerID)
	return args.Bool(0)
}

// MockSessionCleaner mocks the SessionCleaner interface.
type MockSessionCleaner struct {
	mock.Mock
}

func (m *MockSessionCleaner) CleanupInactive(ctx context.Context, maxIdle time.Duration) int {
	args := m.Called(ctx, maxIdle)
	return args.Int(0)
}

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) PurgeExpired() (int64, error) {
	args := m.Called()
	return args.Get(0).(int64), args.Error(1)
}

// MockOrphanRuntime mocks the OrphanRuntime interface.
type MockOrphanRuntime struct {
	mock.Mock
}

func (m *MockOrphanRuntime) ListManaged(ctx context.Context) (map[string]string, error) {
	args := m.Called(ctx)
	if managed := args.Get(0); managed != nil {
		return managed.(map[string]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockOrphanRuntime) Remove(ctx context.Context, id string, force bool) error {
	args := m.Called(ctx, id, force)
	return args.Error(0)
}
