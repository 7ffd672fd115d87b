package container

import (
	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/werkstatt/internal/store"
)

// MockSandboxStore mocks the SandboxStore interface.
type MockSandboxStore struct {
	mock.Mock
}

func (m *MockSandboxStore) UpsertSandbox(sb *store.Sandbox) error {
	args := m.Called(sb)
	return args.Error(0)
}

func (m *MockSandboxStore) GetSandbox(ownerID string) (*store.Sandbox, error) {
	args := m.Called(ownerID)
	if sb := args.Get(0); sb != nil {
		return sb.(*store.Sandbox), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSandboxStore) ListSandboxes() ([]*store.Sandbox, error) {
	args := m.Called()
	if sbs := args.Get(0); sbs != nil {
		return sbs.([]*store.Sandbox), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSandboxStore) ListSandboxesByStatus(status store.SandboxStatus) ([]*store.Sandbox, error) {
	args := m.Called(status)
	if sbs := args.Get(0); sbs != nil {
		return sbs.([]*store.Sandbox), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSandboxStore) DeleteSandbox(ownerID string) error {
	args := m.Called(ownerID)
	return args.Error(0)
}
