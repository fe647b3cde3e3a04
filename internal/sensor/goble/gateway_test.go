package goble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/sensor"
	"github.com/srg/sensorlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const testAddr = "AA:BB:CC:DD:EE:01"

// fakeAdvertisement implements the parts of ble.Advertisement the scanner reads.
type fakeAdvertisement struct {
	ble.Advertisement
	name        string
	addr        string
	rssi        int
	connectable bool
}

type fakeAddr string

func (a fakeAddr) String() string { return string(a) }

func (a *fakeAdvertisement) LocalName() string { return a.name }
func (a *fakeAdvertisement) Addr() ble.Addr    { return fakeAddr(a.addr) }
func (a *fakeAdvertisement) RSSI() int         { return a.rssi }
func (a *fakeAdvertisement) Connectable() bool { return a.connectable }

// fakeDevice is a host adapter that replays advertisements and hands out
// one client.
type fakeDevice struct {
	ble.Device
	advs    []ble.Advertisement
	client  *fakeClient
	dialErr error
	dials   atomic.Int32
}

func (d *fakeDevice) Scan(ctx context.Context, _ bool, h ble.AdvHandler) error {
	for _, adv := range d.advs {
		h(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *fakeDevice) Dial(_ context.Context, _ ble.Addr) (ble.Client, error) {
	d.dials.Add(1)
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.client, nil
}

// fakeClient simulates the sensor's GATT server. respond answers command
// writes; a nil answer means the device stays silent.
type fakeClient struct {
	ble.Client
	profile      *ble.Profile
	respond      func(req []byte) []byte
	reads        map[string][]byte
	disconnected chan struct{}
	cancelled    atomic.Int32

	mu       sync.Mutex
	handlers map[*ble.Characteristic]ble.NotificationHandler
	writes   [][]byte
}

func newFakeClient(profile *ble.Profile) *fakeClient {
	return &fakeClient{
		profile:      profile,
		reads:        map[string][]byte{},
		disconnected: make(chan struct{}),
		handlers:     map[*ble.Characteristic]ble.NotificationHandler{},
	}
}

func (c *fakeClient) DiscoverProfile(bool) (*ble.Profile, error) { return c.profile, nil }
func (c *fakeClient) Disconnected() <-chan struct{}              { return c.disconnected }

func (c *fakeClient) CancelConnection() error {
	c.cancelled.Add(1)
	return nil
}

func (c *fakeClient) Subscribe(char *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[char] = h
	return nil
}

func (c *fakeClient) Unsubscribe(char *ble.Characteristic, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, char)
	return nil
}

func (c *fakeClient) WriteCharacteristic(char *ble.Characteristic, value []byte, _ bool) error {
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), value...))
	h := c.handlers[char]
	c.mu.Unlock()

	if c.respond != nil && h != nil {
		if resp := c.respond(value); resp != nil {
			h(resp)
		}
	}
	return nil
}

func (c *fakeClient) ReadCharacteristic(char *ble.Characteristic) ([]byte, error) {
	data, ok := c.reads[char.UUID.String()]
	if !ok {
		return nil, errors.New("read not permitted")
	}
	return data, nil
}

func (c *fakeClient) notify(char *ble.Characteristic, data []byte) bool {
	c.mu.Lock()
	h := c.handlers[char]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

func (c *fakeClient) subscribed(char *ble.Characteristic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[char]
	return ok
}

func (c *fakeClient) lastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1]
}

// sensorProfile is the GATT layout of a sensor with the vendor service,
// battery and device information.
type sensorProfile struct {
	profile  *ble.Profile
	command  *ble.Characteristic
	data     *ble.Characteristic
	battery  *ble.Characteristic
	firmware *ble.Characteristic
}

func newSensorProfile(opts *Options) sensorProfile {
	p := sensorProfile{
		command:  &ble.Characteristic{UUID: ble.MustParse(opts.CommandUUID)},
		data:     &ble.Characteristic{UUID: ble.MustParse(opts.DataUUID)},
		battery:  &ble.Characteristic{UUID: batteryLevelUUID},
		firmware: &ble.Characteristic{UUID: firmwareRevUUID},
	}
	p.profile = &ble.Profile{Services: []*ble.Service{
		{UUID: ble.MustParse(opts.ServiceUUID), Characteristics: []*ble.Characteristic{p.command, p.data}},
		{UUID: batteryServiceUUID, Characteristics: []*ble.Characteristic{p.battery}},
		{UUID: deviceInfoUUID, Characteristics: []*ble.Characteristic{p.firmware}},
	}}
	return p
}

// deviceResponder answers EEG commands and rejects ECG ones.
func deviceResponder(req []byte) []byte {
	switch req[0] {
	case opSetEEGBatch, opSetDataNotify:
		return []byte{req[0], statusSuccess}
	case opGetEEGCap:
		return []byte{req[0], statusSuccess, 2}
	case opGetEEGConfig:
		return encodeConfig(opGetEEGConfig, eeg16)
	default:
		return []byte{req[0], 0x01}
	}
}

type GatewayTestSuite struct {
	suite.Suite
	logger  *logrus.Logger
	opts    *Options
	gp      sensorProfile
	client  *fakeClient
	device  *fakeDevice
	gw      *Gateway
	ctx     context.Context
	factory func() (ble.Device, error)
}

func (s *GatewayTestSuite) SetupSuite() {
	s.logger = testutils.NewTestHelper(s.T()).Logger
	s.ctx = context.Background()
	s.factory = DeviceFactory
}

func (s *GatewayTestSuite) SetupTest() {
	s.opts = DefaultOptions()
	s.opts.CommandTimeout = 200 * time.Millisecond
	s.gp = newSensorProfile(s.opts)
	s.client = newFakeClient(s.gp.profile)
	s.client.respond = deviceResponder
	s.client.reads[batteryLevelUUID.String()] = []byte{87}
	s.client.reads[firmwareRevUUID.String()] = []byte("1.4.2\x00")
	s.device = &fakeDevice{client: s.client}

	DeviceFactory = func() (ble.Device, error) { return s.device, nil }

	gw, err := New(s.opts, s.logger)
	s.Require().NoError(err)
	s.gw = gw
}

func (s *GatewayTestSuite) TearDownTest() {
	_ = s.gw.Close()
	DeviceFactory = s.factory
}

func (s *GatewayTestSuite) nextEvent() sensor.Event {
	select {
	case ev := <-s.gw.Events():
		return ev
	case <-time.After(2 * time.Second):
		s.FailNow("no event")
		return sensor.Event{}
	}
}

func (s *GatewayTestSuite) expectStates(states ...sensor.ConnectionState) {
	for _, want := range states {
		ev := s.nextEvent()
		s.Require().Equal(sensor.EventStateChanged, ev.Type, "event %+v", ev)
		s.Require().Equal(want, ev.State)
		s.Require().Equal(testAddr, ev.Address)
	}
}

func (s *GatewayTestSuite) connect() {
	s.Require().NoError(s.gw.InitSession(s.ctx, testAddr))
	s.Require().NoError(s.gw.Connect(s.ctx, testAddr))
	s.expectStates(sensor.Connecting, sensor.Connected, sensor.Ready)
}

func (s *GatewayTestSuite) TestConnectReportsStatesUpToReady() {
	// GOAL: Verify Connect walks the link through Connecting, Connected and Ready and subscribes to command responses
	//
	// TEST SCENARIO: Connect → 3 state events in order → QueryState Ready → command characteristic subscribed
	s.Equal(sensor.Disconnected, s.gw.QueryState(testAddr))
	s.connect()

	s.Equal(sensor.Ready, s.gw.QueryState(testAddr))
	s.True(s.client.subscribed(s.gp.command))
	s.False(s.client.subscribed(s.gp.data), "data is subscribed only by StartNotify")

	s.ErrorIs(s.gw.Connect(s.ctx, testAddr), ErrAlreadyConnected)
}

func (s *GatewayTestSuite) TestConnectWithoutSensorService() {
	s.client.profile = &ble.Profile{Services: []*ble.Service{
		{UUID: batteryServiceUUID, Characteristics: []*ble.Characteristic{s.gp.battery}},
	}}

	err := s.gw.Connect(s.ctx, testAddr)
	s.ErrorIs(err, ErrProfileMismatch)
	s.expectStates(sensor.Connecting, sensor.Connected, sensor.Invalid, sensor.Disconnected)
	s.Equal(int32(1), s.client.cancelled.Load())
}

func (s *GatewayTestSuite) TestConnectDialFailure() {
	s.device.dialErr = errors.New("bluetooth is turned off")

	err := s.gw.Connect(s.ctx, testAddr)
	s.ErrorIs(err, ErrBluetoothOff)
	s.expectStates(sensor.Connecting, sensor.Disconnected)
	s.Equal(sensor.Disconnected, s.gw.QueryState(testAddr))
}

func (s *GatewayTestSuite) TestCapabilitiesAndTransfer() {
	// GOAL: Verify EEG/ECG negotiation over the command channel and the data switch that follows
	//
	// TEST SCENARIO: EEG accepted, ECG rejected by the device → InitTransfer writes impedance|EEG flags
	s.connect()

	eeg, err := s.gw.InitEEG(s.ctx, testAddr, 2)
	s.NoError(err)
	s.True(eeg)

	ecg, err := s.gw.InitECG(s.ctx, testAddr, 2)
	s.NoError(err, "device rejection is not a transport failure")
	s.False(ecg)

	ok, err := s.gw.InitTransfer(s.ctx, testAddr)
	s.NoError(err)
	s.True(ok)
	s.Equal(encodeSetDataNotify(notifyImpedance|notifyEEG), s.client.lastWrite())
}

func (s *GatewayTestSuite) TestInitTransferWithoutCapabilities() {
	s.connect()
	ok, err := s.gw.InitTransfer(s.ctx, testAddr)
	s.NoError(err)
	s.False(ok)
}

func (s *GatewayTestSuite) TestCommandTimeout() {
	s.client.respond = func([]byte) []byte { return nil }
	s.connect()

	ok, err := s.gw.InitEEG(s.ctx, testAddr, 0)
	s.ErrorIs(err, ErrCommandTimeout)
	s.False(ok)
}

func (s *GatewayTestSuite) TestStreamingPublishesDecodedFrames() {
	// GOAL: Verify notifications on the data characteristic become Data events once streaming starts
	//
	// TEST SCENARIO: InitEEG → StartNotify → push impedance + EEG frame → one Data event with impedance attached → StopNotify unsubscribes
	s.connect()
	_, err := s.gw.InitEEG(s.ctx, testAddr, 2)
	s.Require().NoError(err)

	s.Require().NoError(s.gw.StartNotify(s.ctx, testAddr))
	s.True(s.client.subscribed(s.gp.data))

	s.True(s.client.notify(s.gp.data, impedanceFrame([]float32{4, 5}, []float32{0, 1})))
	s.True(s.client.notify(s.gp.data, []byte{0x7f, 0, 0}), "undecodable frames are dropped")
	s.True(s.client.notify(s.gp.data, sampleFrame(frameEEG, 0, eegPayload()...)))

	ev := s.nextEvent()
	s.Require().Equal(sensor.EventData, ev.Type)
	s.Equal(testAddr, ev.Address)
	s.Equal(4, ev.Data.SampleCount())
	s.Equal(5.0, ev.Data.ChannelSamples[1][0].Impedance)

	s.Require().NoError(s.gw.StopNotify(s.ctx, testAddr))
	s.False(s.client.subscribed(s.gp.data))
	s.NoError(s.gw.StopNotify(s.ctx, testAddr), "stopping twice is a no-op")
}

func (s *GatewayTestSuite) TestReads() {
	s.connect()

	level, err := s.gw.ReadBattery(s.ctx, testAddr)
	s.NoError(err)
	s.Equal(87, level)

	version, err := s.gw.ReadFirmwareVersion(s.ctx, testAddr)
	s.NoError(err)
	s.Equal("1.4.2", version)

	delete(s.client.reads, batteryLevelUUID.String())
	_, err = s.gw.ReadBattery(s.ctx, testAddr)
	s.Error(err)
}

func (s *GatewayTestSuite) TestCommandsRequireReadyLink() {
	_, err := s.gw.ReadBattery(s.ctx, testAddr)
	s.ErrorIs(err, ErrNotConnected)
	s.ErrorIs(s.gw.StartNotify(s.ctx, testAddr), ErrNotConnected)
	_, err = s.gw.InitEEG(s.ctx, testAddr, 10)
	s.ErrorIs(err, ErrNotConnected)
}

func (s *GatewayTestSuite) TestDisconnect() {
	s.connect()
	s.Require().NoError(s.gw.StartNotify(s.ctx, testAddr))

	s.Require().NoError(s.gw.Disconnect(s.ctx, testAddr))
	s.expectStates(sensor.Disconnecting, sensor.Disconnected)

	s.False(s.client.subscribed(s.gp.data))
	s.False(s.client.subscribed(s.gp.command))
	s.Equal(int32(1), s.client.cancelled.Load())
	s.NoError(s.gw.Disconnect(s.ctx, testAddr), "idle link")

	_, err := s.gw.ReadBattery(s.ctx, testAddr)
	s.ErrorIs(err, ErrNotConnected)
}

func (s *GatewayTestSuite) TestLinkLoss() {
	// GOAL: Verify an unrequested disconnect is reported as an error followed by Disconnected
	//
	// TEST SCENARIO: Connect → platform closes Disconnected channel → Error event → Disconnected event → reconnect allowed
	s.connect()
	close(s.client.disconnected)

	ev := s.nextEvent()
	s.Equal(sensor.EventError, ev.Type)
	s.Equal(ErrNotConnected.Error(), ev.Message)
	s.expectStates(sensor.Disconnected)

	s.client.disconnected = make(chan struct{})
	s.NoError(s.gw.Connect(s.ctx, testAddr))
	s.expectStates(sensor.Connecting, sensor.Connected, sensor.Ready)
}

func (s *GatewayTestSuite) TestScan() {
	// GOAL: Verify scanning dedups by address, skips non-connectable devices and publishes device lists as devices appear
	//
	// TEST SCENARIO: adverts A, B, A(renamed, stronger), C(non-connectable) → result [A(-40), B] → 2 DeviceList events
	s.device.advs = []ble.Advertisement{
		&fakeAdvertisement{name: "A", addr: "00:00:00:00:00:0A", rssi: -70, connectable: true},
		&fakeAdvertisement{name: "B", addr: "00:00:00:00:00:0B", rssi: -60, connectable: true},
		&fakeAdvertisement{addr: "00:00:00:00:00:0A", rssi: -40, connectable: true},
		&fakeAdvertisement{name: "C", addr: "00:00:00:00:00:0C", rssi: -30},
	}

	found, err := s.gw.StartScan(s.ctx, 30*time.Millisecond)
	s.Require().NoError(err)
	s.Equal([]sensor.DeviceIdentity{
		{Name: "A", Address: "00:00:00:00:00:0A", RSSI: -40},
		{Name: "B", Address: "00:00:00:00:00:0B", RSSI: -60},
	}, found)
	s.False(s.gw.IsScanning())

	first := s.nextEvent()
	s.Equal(sensor.EventDeviceList, first.Type)
	s.Len(first.Devices, 1)
	second := s.nextEvent()
	s.Len(second.Devices, 2)
}

func (s *GatewayTestSuite) TestStopScanEndsEarly() {
	done := make(chan error, 1)
	go func() {
		_, err := s.gw.StartScan(s.ctx, time.Minute)
		done <- err
	}()

	s.Eventually(func() bool {
		s.gw.scanMu.Lock()
		defer s.gw.scanMu.Unlock()
		return s.gw.scanCancel != nil
	}, time.Second, 5*time.Millisecond)
	s.True(s.gw.IsScanning())
	_, err := s.gw.StartScan(s.ctx, time.Second)
	s.ErrorIs(err, ErrScanInProgress)

	s.NoError(s.gw.StopScan(s.ctx))
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("scan did not stop")
	}
}

func (s *GatewayTestSuite) TestClosedGatewayRejectsCommands() {
	// GOAL: Verify commands after Close fail with ErrClosed instead of silently dropping their events
	//
	// TEST SCENARIO: Connect → Close → event stream closed → scan, init, connect and reads return ErrClosed
	s.connect()
	s.Require().NoError(s.gw.Close())

	for range s.gw.Events() {
	}

	s.ErrorIs(s.gw.InitSession(s.ctx, testAddr), ErrClosed)
	s.ErrorIs(s.gw.Connect(s.ctx, testAddr), ErrClosed)
	_, err := s.gw.StartScan(s.ctx, time.Second)
	s.ErrorIs(err, ErrClosed)
	_, err = s.gw.ReadBattery(s.ctx, testAddr)
	s.ErrorIs(err, ErrClosed)
	s.ErrorIs(s.gw.StartNotify(s.ctx, testAddr), ErrClosed)
	s.NoError(s.gw.Disconnect(s.ctx, testAddr), "idle link after close")
	s.Equal(int32(1), s.device.dials.Load())
}

func (s *GatewayTestSuite) TestAdapterUnavailable() {
	DeviceFactory = func() (ble.Device, error) {
		return nil, errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")
	}
	gw, err := New(nil, s.logger)
	s.Require().NoError(err)
	defer func() { _ = gw.Close() }()

	s.False(gw.IsAdapterEnabled())
	s.ErrorIs(gw.InitSession(s.ctx, testAddr), ErrBluetoothOff)
	_, err = gw.StartScan(s.ctx, time.Second)
	s.ErrorIs(err, ErrBluetoothOff)
}

func (s *GatewayTestSuite) TestSessionOverGateway() {
	// GOAL: Verify a session driven through the registry works end to end over the go-ble transport
	//
	// TEST SCENARIO: Registry.Run routes gateway events → Connect → Ready → Initialize → Start → data listener fires → Disconnect
	reg := sensor.NewRegistry(s.gw, s.logger)
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	sess := reg.RequireSession(ctx, sensor.DeviceIdentity{Name: "sensor", Address: testAddr})
	frames := make(chan *sensor.SensorData, 4)
	sess.OnData(func(d *sensor.SensorData) { frames <- d })

	s.Require().NoError(sess.Connect(ctx))
	s.Eventually(func() bool { return sess.State() == sensor.Ready }, 2*time.Second, 5*time.Millisecond)

	ok, err := sess.Initialize(ctx, 2, 0)
	s.Require().NoError(err)
	s.True(ok)
	s.True(sess.SupportsEEG())
	s.False(sess.SupportsECG())
	s.Equal(87, sess.BatteryPower(ctx))
	s.Equal("1.4.2", sess.FirmwareVersion(ctx))

	s.Require().NoError(sess.StartDataNotification(ctx))
	s.True(sess.IsTransferring())
	s.True(s.client.notify(s.gp.data, sampleFrame(frameEEG, 0, eegPayload()...)))

	select {
	case d := <-frames:
		s.Equal(sensor.DataTypeEEG, d.DataType)
	case <-time.After(2 * time.Second):
		s.Fail("no data delivered")
	}

	s.Require().NoError(sess.Disconnect(ctx))
	s.Eventually(func() bool { return sess.State() == sensor.Disconnected }, 2*time.Second, 5*time.Millisecond)
	s.False(sess.HasInitialized())
}

func TestGatewayTestSuite(t *testing.T) {
	suite.Run(t, new(GatewayTestSuite))
}
