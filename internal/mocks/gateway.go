package mocks

import (
	"context"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/breaker"
	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/scheduler"
	"github.com/stretchr/testify/mock"
)

// MockGateway is a mock implementation of the gateway surface used by the API
type MockGateway struct {
	mock.Mock
}

// Fetch mocks the Fetch method
func (m *MockGateway) Fetch(ctx context.Context, url, site string, priority int, timeout time.Duration, opts fetch.Options) (*fetch.Result, error) {
	args := m.Called(ctx, url, site, priority, timeout, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fetch.Result), args.Error(1)
}

// RecordSuccess mocks the RecordSuccess method
func (m *MockGateway) RecordSuccess(site string, latency time.Duration, strategy fetch.Strategy) {
	m.Called(site, latency, strategy)
}

// RecordFailure mocks the RecordFailure method
func (m *MockGateway) RecordFailure(site string, err error, strategy fetch.Strategy) {
	m.Called(site, err, strategy)
}

// RecordBlock mocks the RecordBlock method
func (m *MockGateway) RecordBlock(site, reason string, strategy fetch.Strategy) {
	m.Called(site, reason, strategy)
}

// HealthSummaryJSON mocks the HealthSummaryJSON method
func (m *MockGateway) HealthSummaryJSON(site string) ([]byte, error) {
	args := m.Called(site)
	return bytesArg(args, 0), args.Error(1)
}

// OverallHealthJSON mocks the OverallHealthJSON method
func (m *MockGateway) OverallHealthJSON() ([]byte, error) {
	args := m.Called()
	return bytesArg(args, 0), args.Error(1)
}

// RecentAlertsJSON mocks the RecentAlertsJSON method
func (m *MockGateway) RecentAlertsJSON(limit int) ([]byte, error) {
	args := m.Called(limit)
	return bytesArg(args, 0), args.Error(1)
}

// ProxiesJSON mocks the ProxiesJSON method
func (m *MockGateway) ProxiesJSON() ([]byte, error) {
	args := m.Called()
	return bytesArg(args, 0), args.Error(1)
}

// CapabilitiesJSON mocks the CapabilitiesJSON method
func (m *MockGateway) CapabilitiesJSON() ([]byte, error) {
	args := m.Called()
	return bytesArg(args, 0), args.Error(1)
}

// Breakers mocks the Breakers method
func (m *MockGateway) Breakers() []breaker.Snapshot {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]breaker.Snapshot)
}

// ResetBreaker mocks the ResetBreaker method
func (m *MockGateway) ResetBreaker(site string) bool {
	args := m.Called(site)
	return args.Bool(0)
}

// Cascade mocks the Cascade method
func (m *MockGateway) Cascade(site string) []fetch.Strategy {
	args := m.Called(site)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]fetch.Strategy)
}

// Sites mocks the Sites method
func (m *MockGateway) Sites() *fetch.Sites {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*fetch.Sites)
}

// QueueStats mocks the QueueStats method
func (m *MockGateway) QueueStats() scheduler.Stats {
	args := m.Called()
	return args.Get(0).(scheduler.Stats)
}

func bytesArg(args mock.Arguments, i int) []byte {
	if args.Get(i) == nil {
		return nil
	}
	return args.Get(i).([]byte)
}
