package sensor_test

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"

	"github.com/srg/sensorlink/internal/sensor"
	"github.com/srg/sensorlink/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type RegistryTestSuite struct {
	testutils.GatewaySuite
}

func (s *RegistryTestSuite) TestRequireSession() {
	s.Run("creates once and prepares the transport", func() {
		// GOAL: Verify the first reference creates a session and asks the transport to prepare it; later references reuse it
		//
		// TEST SCENARIO: RequireSession twice for one address → same pointer → InitSession called once
		dev := testutils.Identity("first", 1, -55)
		s.Gateway.On("InitSession", mock.Anything, dev.Address).Return(nil).Once()

		a := s.Registry.RequireSession(s.Ctx, dev)
		b := s.Registry.RequireSession(s.Ctx, sensor.DeviceIdentity{Address: dev.Address, Name: "renamed"})

		s.Same(a, b)
		s.Equal("first", b.Identity().Name, "identity is fixed at registration")
		s.Gateway.AssertNumberOfCalls(s.T(), "InitSession", 1)
	})

	s.Run("transport preparation failure is not fatal", func() {
		dev := testutils.Identity("second", 2, -55)
		s.Gateway.On("InitSession", mock.Anything, dev.Address).Return(errors.New("no adapter")).Once()

		sess := s.Registry.RequireSession(s.Ctx, dev)
		s.NotNil(sess)
		got, ok := s.Registry.Session(dev.Address)
		s.True(ok)
		s.Same(sess, got)
	})

	s.Run("concurrent first references create one session", func() {
		dev := testutils.Identity("racy", 3, -55)
		s.Gateway.On("InitSession", mock.Anything, dev.Address).Return(nil).Once()

		var wg sync.WaitGroup
		results := make([]*sensor.Session, 16)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = s.Registry.RequireSession(s.Ctx, dev)
			}(i)
		}
		wg.Wait()

		for _, r := range results {
			s.Same(results[0], r)
		}
	})
}

func (s *RegistryTestSuite) TestLookupAndOrdering() {
	s.Run("unknown address", func() {
		sess, ok := s.Registry.Session("00:00:00:00:00:00")
		s.False(ok)
		s.Nil(sess)
	})

	s.Run("sessions keep registration order and ready filter", func() {
		a := s.ReadySession(testutils.Identity("a", 10, -80))
		s.Gateway.On("InitSession", mock.Anything, mock.Anything).Return(nil).Once()
		b := s.Registry.RequireSession(s.Ctx, testutils.Identity("b", 11, -70))
		c := s.ReadySession(testutils.Identity("c", 12, -60))

		s.Equal([]*sensor.Session{a, b, c}, s.Registry.Sessions())
		s.Equal([]*sensor.Session{a, c}, s.Registry.ReadySessions())
		s.Equal(3, s.Registry.Len())

		s.Registry.RouteStateEvent(a.Address(), sensor.Disconnected)
		s.Equal([]*sensor.Session{c}, s.Registry.ReadySessions())
		s.Equal(3, s.Registry.Len(), "sessions are never removed")
	})
}

func (s *RegistryTestSuite) TestRoutingUnknownAddress() {
	// GOAL: Verify events for unregistered devices are dropped without creating sessions
	//
	// TEST SCENARIO: Route state/error/data to unknown address → false → registry still empty
	s.NotPanics(func() {
		s.False(s.Registry.RouteStateEvent("FF:FF:FF:FF:FF:FF", sensor.Ready))
		s.False(s.Registry.RouteErrorEvent("FF:FF:FF:FF:FF:FF", "boom"))
		s.False(s.Registry.RouteDataEvent("FF:FF:FF:FF:FF:FF", &sensor.SensorData{}))
	})
	s.Equal(0, s.Registry.Len())
	_, ok := s.Registry.Session("FF:FF:FF:FF:FF:FF")
	s.False(ok)
}

func (s *RegistryTestSuite) TestEventTap() {
	var mu sync.Mutex
	var tapped []sensor.EventType
	gw := testutils.NewMockGateway()
	reg := sensor.NewRegistry(gw, s.Logger, sensor.WithEventTap(func(_ *sensor.Session, ev sensor.Event) {
		mu.Lock()
		tapped = append(tapped, ev.Type)
		mu.Unlock()
	}))

	dev := testutils.Identity("tap", 1, -50)
	gw.On("InitSession", mock.Anything, dev.Address).Return(nil).Once()
	reg.RequireSession(s.Ctx, dev)

	reg.RouteStateEvent(dev.Address, sensor.Ready)
	reg.RouteErrorEvent(dev.Address, "x")
	reg.RouteDataEvent(dev.Address, &sensor.SensorData{})
	reg.RouteDataEvent("unknown", &sensor.SensorData{})

	s.Equal([]sensor.EventType{sensor.EventStateChanged, sensor.EventError, sensor.EventData}, tapped)
	gw.AssertExpectations(s.T())
}

func (s *RegistryTestSuite) TestRunPreservesPerAddressOrder() {
	// GOAL: Verify Run delivers events for each address in arrival order while addresses interleave
	//
	// TEST SCENARIO: 3 devices x 100 data frames pushed interleaved → each session sees its sequence in order
	const devices, frames = 3, 100

	var mu sync.Mutex
	got := make(map[string][]int)
	var addrs []string
	for i := 0; i < devices; i++ {
		dev := testutils.Identity("ordered", i, -50)
		s.Gateway.On("InitSession", mock.Anything, dev.Address).Return(nil).Once()
		sess := s.Registry.RequireSession(s.Ctx, dev)
		addr := dev.Address
		addrs = append(addrs, addr)
		sess.OnData(func(d *sensor.SensorData) {
			mu.Lock()
			got[addr] = append(got[addr], d.SampleRate)
			mu.Unlock()
		})
	}

	ctx, cancel := context.WithCancel(s.Ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- s.Registry.Run(ctx) }()

	for f := 0; f < frames; f++ {
		for _, addr := range addrs {
			s.Gateway.EventsCh <- sensor.Event{Type: sensor.EventData, Address: addr, Data: &sensor.SensorData{SampleRate: f}}
		}
	}
	s.Gateway.EventsCh <- sensor.Event{Type: sensor.EventData, Address: "unknown", Data: &sensor.SensorData{}}

	s.WaitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, addr := range addrs {
			if len(got[addr]) != frames {
				return false
			}
		}
		return true
	}, "all frames delivered")

	cancel()
	s.ErrorIs(<-runErr, context.Canceled)

	expected := make([]int, frames)
	for i := range expected {
		expected[i] = i
	}
	for _, addr := range addrs {
		s.Equal(expected, got[addr], fmt.Sprintf("order for %s", addr))
	}
	s.Equal(devices, s.Registry.Len())
}

func (s *RegistryTestSuite) TestRunDropsUnknownAddressesWithoutWorkers() {
	// GOAL: Verify Run drops events for unregistered devices before any per-address worker is started
	//
	// TEST SCENARIO: known session warmed up → 500 error events for distinct unknown addresses → marker event delivered → goroutine count flat, no sessions created
	dev := testutils.Identity("known", 1, -50)
	s.Gateway.On("InitSession", mock.Anything, dev.Address).Return(nil).Once()
	sess := s.Registry.RequireSession(s.Ctx, dev)

	var mu sync.Mutex
	var marks []int
	sess.OnData(func(d *sensor.SensorData) {
		mu.Lock()
		marks = append(marks, d.SampleRate)
		mu.Unlock()
	})
	delivered := func(n int) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(marks) == n
		}
	}

	ctx, cancel := context.WithCancel(s.Ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- s.Registry.Run(ctx) }()

	s.Gateway.EventsCh <- sensor.Event{Type: sensor.EventData, Address: dev.Address, Data: &sensor.SensorData{SampleRate: 1}}
	s.Require().True(s.WaitFor(delivered(1), "warm-up frame"))
	before := runtime.NumGoroutine()

	for i := 0; i < 500; i++ {
		s.Gateway.EventsCh <- sensor.Event{Type: sensor.EventError, Address: fmt.Sprintf("unknown-%d", i), Message: "x"}
	}
	s.Gateway.EventsCh <- sensor.Event{Type: sensor.EventData, Address: dev.Address, Data: &sensor.SensorData{SampleRate: 2}}
	s.Require().True(s.WaitFor(delivered(2), "marker frame"))

	s.LessOrEqual(runtime.NumGoroutine(), before+5, "no worker per unknown address")
	s.Equal(1, s.Registry.Len())

	cancel()
	s.ErrorIs(<-runErr, context.Canceled)
}

func (s *RegistryTestSuite) TestRunWithSingleSlotMailbox() {
	// GOAL: Verify per-address order holds when the mailbox depth is overridden to one slot
	//
	// TEST SCENARIO: WithMailboxSize(1) → 50 frames pushed back to back → delivered in order
	const frames = 50
	gw := testutils.NewMockGateway()
	reg := sensor.NewRegistry(gw, s.Logger, sensor.WithMailboxSize(1))

	dev := testutils.Identity("narrow", 1, -50)
	gw.On("InitSession", mock.Anything, dev.Address).Return(nil).Once()
	sess := reg.RequireSession(s.Ctx, dev)

	var mu sync.Mutex
	var got []int
	sess.OnData(func(d *sensor.SensorData) {
		mu.Lock()
		got = append(got, d.SampleRate)
		mu.Unlock()
	})

	go func() {
		for i := 0; i < frames; i++ {
			gw.EventsCh <- sensor.Event{Type: sensor.EventData, Address: dev.Address, Data: &sensor.SensorData{SampleRate: i}}
		}
		close(gw.EventsCh)
	}()
	s.NoError(reg.Run(s.Ctx))

	expected := make([]int, frames)
	for i := range expected {
		expected[i] = i
	}
	s.Equal(expected, got)
	gw.AssertExpectations(s.T())
}

func (s *RegistryTestSuite) TestRequireSessionAdoptsTransportState() {
	// GOAL: Verify a new session mirrors a link the transport already holds instead of starting Disconnected
	//
	// TEST SCENARIO: transport reports Ready for the address → RequireSession → session Ready and immediately operable
	dev := testutils.Identity("adopted", 7, -45)
	s.Gateway.SetLinkState(dev.Address, sensor.Ready)
	s.Gateway.On("InitSession", mock.Anything, dev.Address).Return(nil).Once()

	sess := s.Registry.RequireSession(s.Ctx, dev)
	s.Equal(sensor.Ready, sess.State())
	s.Equal([]*sensor.Session{sess}, s.Registry.ReadySessions())

	s.Gateway.On("ReadBattery", mock.Anything, dev.Address).Return(64, nil).Once()
	s.Equal(64, sess.BatteryPower(s.Ctx))

	s.Gateway.On("StartNotify", mock.Anything, dev.Address).Return(nil).Once()
	s.NoError(sess.StartDataNotification(s.Ctx))
	s.True(sess.IsTransferring())

	other := s.Registry.RequireSession(s.Ctx, sensor.DeviceIdentity{Address: dev.Address})
	s.Same(sess, other)
	s.Equal(sensor.Ready, other.State())

	s.Run("unknown link starts disconnected", func() {
		fresh := testutils.Identity("fresh", 8, -45)
		s.Gateway.On("InitSession", mock.Anything, fresh.Address).Return(nil).Once()
		s.Equal(sensor.Disconnected, s.Registry.RequireSession(s.Ctx, fresh).State())
	})
}

func (s *RegistryTestSuite) TestRunStopsWhenEventsClose() {
	dev := testutils.Identity("closing", 1, -50)
	s.Gateway.On("InitSession", mock.Anything, dev.Address).Return(nil).Once()
	sess := s.Registry.RequireSession(s.Ctx, dev)

	s.Gateway.EventsCh <- sensor.Event{Type: sensor.EventStateChanged, Address: dev.Address, State: sensor.Connected}
	s.Gateway.EventsCh <- sensor.Event{Type: sensor.EventStateChanged, Address: dev.Address, State: sensor.Ready}
	close(s.Gateway.EventsCh)

	s.NoError(s.Registry.Run(s.Ctx))
	s.Equal(sensor.Ready, sess.State(), "workers drain before Run returns")
}

func (s *RegistryTestSuite) TestDeviceListEvents() {
	var got []sensor.DeviceIdentity
	s.Registry.OnDeviceList(func(list []sensor.DeviceIdentity) { got = list })

	list := []sensor.DeviceIdentity{testutils.Identity("x", 1, -40)}
	s.True(s.Registry.Route(sensor.Event{Type: sensor.EventDeviceList, Devices: list}))
	s.Equal(list, got)
	s.Equal(0, s.Registry.Len(), "device lists never create sessions")
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
