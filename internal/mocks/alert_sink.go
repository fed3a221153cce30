package mocks

import (
	"context"

	"github.com/Harvey-AU/stealth-bee/internal/health"
	"github.com/stretchr/testify/mock"
)

// MockAlertSink is a mock implementation of notifications.Sink
type MockAlertSink struct {
	mock.Mock
}

// Name mocks the Name method
func (m *MockAlertSink) Name() string {
	args := m.Called()
	return args.String(0)
}

// Deliver mocks the Deliver method
func (m *MockAlertSink) Deliver(ctx context.Context, alert health.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}
