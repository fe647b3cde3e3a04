package testutils

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/srg/sensorlink/internal/sensor"
	"github.com/stretchr/testify/mock"
)

// MockGateway is a testify mock of sensor.Gateway.
//
// Events and the three query methods are not mocked: tests push into
// EventsCh, flip Scanning / AdapterOn directly and seed link states with
// SetLinkState. QueryState reports Disconnected for unseeded addresses.
type MockGateway struct {
	mock.Mock
	EventsCh  chan sensor.Event
	Scanning  atomic.Bool
	AdapterOn atomic.Bool

	links *hashmap.Map[string, sensor.ConnectionState]
}

// NewMockGateway creates a mock with a buffered event channel.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		EventsCh: make(chan sensor.Event, 64),
		links:    hashmap.New[string, sensor.ConnectionState](),
	}
}

// SetLinkState sets what QueryState reports for address.
func (m *MockGateway) SetLinkState(address string, state sensor.ConnectionState) {
	m.links.Set(address, state)
}

func (m *MockGateway) StartScan(ctx context.Context, d time.Duration) ([]sensor.DeviceIdentity, error) {
	args := m.Called(ctx, d)
	var found []sensor.DeviceIdentity
	if v := args.Get(0); v != nil {
		found = v.([]sensor.DeviceIdentity)
	}
	return found, args.Error(1)
}

func (m *MockGateway) StopScan(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockGateway) IsScanning() bool { return m.Scanning.Load() }

func (m *MockGateway) IsAdapterEnabled() bool { return m.AdapterOn.Load() }

func (m *MockGateway) InitSession(ctx context.Context, address string) error {
	return m.Called(ctx, address).Error(0)
}

func (m *MockGateway) Connect(ctx context.Context, address string) error {
	return m.Called(ctx, address).Error(0)
}

func (m *MockGateway) Disconnect(ctx context.Context, address string) error {
	return m.Called(ctx, address).Error(0)
}

func (m *MockGateway) StartNotify(ctx context.Context, address string) error {
	return m.Called(ctx, address).Error(0)
}

func (m *MockGateway) StopNotify(ctx context.Context, address string) error {
	return m.Called(ctx, address).Error(0)
}

func (m *MockGateway) InitEEG(ctx context.Context, address string, batchSize int) (bool, error) {
	args := m.Called(ctx, address, batchSize)
	return args.Bool(0), args.Error(1)
}

func (m *MockGateway) InitECG(ctx context.Context, address string, batchSize int) (bool, error) {
	args := m.Called(ctx, address, batchSize)
	return args.Bool(0), args.Error(1)
}

func (m *MockGateway) InitTransfer(ctx context.Context, address string) (bool, error) {
	args := m.Called(ctx, address)
	return args.Bool(0), args.Error(1)
}

func (m *MockGateway) ReadBattery(ctx context.Context, address string) (int, error) {
	args := m.Called(ctx, address)
	return args.Int(0), args.Error(1)
}

func (m *MockGateway) ReadFirmwareVersion(ctx context.Context, address string) (string, error) {
	args := m.Called(ctx, address)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) QueryState(address string) sensor.ConnectionState {
	if st, ok := m.links.Get(address); ok {
		return st
	}
	return sensor.Disconnected
}

func (m *MockGateway) Events() <-chan sensor.Event {
	return m.EventsCh
}

var _ sensor.Gateway = (*MockGateway)(nil)
