package lifecycle

import "github.com/stretchr/testify/mock"

// MockSessionCloser mocks the SessionCloser interface.
type MockSessionCloser struct {
	mock.Mock
}

func (m *MockSessionCloser) DropOwner(ownerKey string) {
	m.Called(ownerKey)
}
