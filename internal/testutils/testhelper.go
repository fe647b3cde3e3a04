package testutils

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/sensor"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// GatewaySuite is the base suite for anything driven by a sensor.Gateway.
// Each test gets a fresh MockGateway and Registry.
type GatewaySuite struct {
	suite.Suite
	Logger   *logrus.Logger
	Gateway  *MockGateway
	Registry *sensor.Registry
	Ctx      context.Context
}

func (s *GatewaySuite) SetupSuite() {
	s.Logger = NewTestHelper(s.T()).Logger
}

func (s *GatewaySuite) SetupTest() {
	s.Ctx = context.Background()
	s.Gateway = NewMockGateway()
	s.Registry = sensor.NewRegistry(s.Gateway, s.Logger)
}

func (s *GatewaySuite) TearDownTest() {
	s.Gateway.AssertExpectations(s.T())
}

// Identity builds a DeviceIdentity with a deterministic address.
func Identity(name string, n int, rssi int) sensor.DeviceIdentity {
	return sensor.DeviceIdentity{
		Name:    name,
		Address: fmt.Sprintf("AA:BB:CC:DD:EE:%02X", n),
		RSSI:    rssi,
	}
}

// ReadySession registers identity and drives it to Ready through the
// registry, the same path transport events take.
func (s *GatewaySuite) ReadySession(identity sensor.DeviceIdentity) *sensor.Session {
	s.Gateway.On("InitSession", mock.Anything, identity.Address).Return(nil).Once()
	sess := s.Registry.RequireSession(s.Ctx, identity)
	s.Require().True(s.Registry.RouteStateEvent(identity.Address, sensor.Connected))
	s.Require().True(s.Registry.RouteStateEvent(identity.Address, sensor.Ready))
	return sess
}

// WaitFor polls cond until it holds or the timeout elapses.
func (s *GatewaySuite) WaitFor(cond func() bool, msgAndArgs ...interface{}) bool {
	return s.Suite.Eventually(cond, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}
